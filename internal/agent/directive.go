package agent

import (
	"errors"
	"strings"
)

// Markers the model uses to request tools, embedded in its reply text.
const (
	ContextMarker = "CONTEXT:"
	SearchMarker  = "SEARCH:"
	ReactMarker   = "REACT:"
)

// ScopeAll searches every channel the requester and the bot can read.
const ScopeAll = "ALL"

// wildcardQuery asks the search provider for recent messages unfiltered.
const wildcardQuery = "*"

// DirectiveKind tags the variant held by a Directive.
type DirectiveKind int

const (
	NoTool DirectiveKind = iota
	ContextRequest
	SearchRequest
)

func (k DirectiveKind) String() string {
	switch k {
	case ContextRequest:
		return "context"
	case SearchRequest:
		return "search"
	default:
		return "none"
	}
}

// Directive is the tool request extracted from a model reply.
type Directive struct {
	Kind     DirectiveKind
	Topic    string // ContextRequest: lowercased topic
	Query    string // SearchRequest: search text, "*" for recent messages
	Channel  string // SearchRequest: channel name or ScopeAll
	Reaction string // optional emoji from a REACT marker
}

// Errors for markers that carry no payload.
var (
	ErrEmptyTopic  = errors.New("agent: CONTEXT directive without topic")
	ErrEmptySearch = errors.New("agent: SEARCH directive without query")
)

// ParseDirective extracts the tool request from a model reply. A CONTEXT
// marker wins over a SEARCH marker wherever each appears. The payload is the
// text after the marker up to the end of its line. On error the returned
// Directive still carries the detected Kind.
func ParseDirective(reply string) (Directive, error) {
	d := Directive{Kind: NoTool}
	_, d.Reaction = StripReaction(reply)

	if payload, ok := markerPayload(reply, ContextMarker); ok {
		d.Kind = ContextRequest
		d.Topic = strings.ToLower(payload)
		if d.Topic == "" {
			return d, ErrEmptyTopic
		}
		return d, nil
	}

	if payload, ok := markerPayload(reply, SearchMarker); ok {
		d.Kind = SearchRequest
		if payload == "" {
			return d, ErrEmptySearch
		}
		d.Query, d.Channel = splitSearch(payload)
		return d, nil
	}

	return d, nil
}

// markerPayload returns the text following the first occurrence of marker,
// cut at the first newline and at a REACT marker on the same line, trimmed.
// A marker alone on its line has an empty payload.
func markerPayload(reply, marker string) (string, bool) {
	idx := strings.Index(reply, marker)
	if idx < 0 {
		return "", false
	}
	rest := reply[idx+len(marker):]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, ReactMarker); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest), true
}

// splitSearch splits "query @ channel" on the last '@'. A missing or empty
// channel means ScopeAll; an empty query means recent messages.
func splitSearch(payload string) (query, channel string) {
	query, channel = payload, ScopeAll
	if i := strings.LastIndex(payload, "@"); i >= 0 {
		query = strings.TrimSpace(payload[:i])
		channel = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(payload[i+1:]), "#"))
		if channel == "" {
			channel = ScopeAll
		}
	}
	if query == "" {
		query = wildcardQuery
	}
	return query, channel
}

// StripReaction removes the last REACT marker from text. The first
// whitespace-delimited token after the marker is the emoji; anything after it
// is dropped. Text without a marker is returned unchanged.
func StripReaction(text string) (clean, emoji string) {
	idx := strings.LastIndex(text, ReactMarker)
	if idx < 0 {
		return text, ""
	}
	clean = strings.TrimSpace(text[:idx])
	if fields := strings.Fields(text[idx+len(ReactMarker):]); len(fields) > 0 {
		emoji = fields[0]
	}
	return clean, emoji
}

package chat

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/meulify/mai/internal/agent"
)

// Default search caps.
const (
	DefaultTotalCap         = 25
	DefaultSingleChannelCap = 50
	DefaultMultiChannelCap  = 10
)

// NoMatches is the sentinel returned when a search finds nothing. The model
// is told to report the absence instead of inventing messages.
func NoMatches(query, scope string) string {
	return fmt.Sprintf("AVISO DEL SISTEMA: %s. No se encontraron mensajes para '%s' en %s. NO INVENTES mensajes ni usuarios.",
		agent.NoMatchesPhrase, query, scope)
}

// Searcher reads recent channel transcripts on behalf of the model.
type Searcher struct {
	adapter   Adapter
	logger    *log.Logger
	total     int
	perSingle int
	perMulti  int
}

// SearcherOpts holds parameters for creating a Searcher. Zero caps fall back
// to the defaults.
type SearcherOpts struct {
	Adapter          Adapter
	Logger           *log.Logger
	TotalCap         int
	SingleChannelCap int
	MultiChannelCap  int
}

// NewSearcher creates a Searcher.
func NewSearcher(opts SearcherOpts) (*Searcher, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: searcher: adapter is required")
	}
	s := &Searcher{
		adapter:   opts.Adapter,
		logger:    opts.Logger,
		total:     opts.TotalCap,
		perSingle: opts.SingleChannelCap,
		perMulti:  opts.MultiChannelCap,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	if s.total <= 0 {
		s.total = DefaultTotalCap
	}
	if s.perSingle <= 0 {
		s.perSingle = DefaultSingleChannelCap
	}
	if s.perMulti <= 0 {
		s.perMulti = DefaultMultiChannelCap
	}
	return s, nil
}

// SearchContext is what a Searcher knows about the query it serves.
type SearchContext struct {
	CurrentChannel string           // channel the question was asked in
	Channels       []ChannelInfo    // channels the requester and the bot can read
	Recent         []HistoryMessage // history already fetched for the prompt, oldest first
}

// Func binds sc and returns the callback handed to the orchestrator.
func (s *Searcher) Func(sc SearchContext) agent.SearchFunc {
	return func(ctx context.Context, query, channelScope string) (string, error) {
		return s.Search(ctx, sc, query, channelScope)
	}
}

// Search returns matching transcript lines, one per message, or the
// NoMatches sentinel. A query of "*" (or blank) matches every message;
// otherwise matching is a case-insensitive substring test. A scope of "ALL"
// searches every readable channel; an unknown channel name falls back to
// "ALL". Bot messages are never returned.
func (s *Searcher) Search(ctx context.Context, sc SearchContext, query, channelScope string) (string, error) {
	query = strings.TrimSpace(query)
	channelScope = strings.TrimPrefix(strings.TrimSpace(channelScope), "#")
	if channelScope == "" {
		channelScope = agent.ScopeAll
	}
	wildcard := query == "" || query == "*"
	logger := s.logger.With("query", query, "scope", channelScope)

	if wildcard && sc.CurrentChannel != "" && strings.EqualFold(channelScope, sc.CurrentChannel) {
		logger.Debug("using already fetched history of current channel")
		return currentChannelHistory(sc), nil
	}

	targets := sc.Channels
	if !strings.EqualFold(channelScope, agent.ScopeAll) {
		if ch, ok := findChannel(sc.Channels, channelScope); ok {
			targets = []ChannelInfo{ch}
		} else {
			logger.Warn("scope fallback: channel not found, searching all channels")
		}
	}

	perChannel := s.perMulti
	if len(targets) == 1 {
		perChannel = s.perSingle
	}

	needle := strings.ToLower(query)
	var lines []string
	for _, ch := range targets {
		if len(lines) >= s.total {
			break
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("chat: search: %w", err)
		}
		msgs, err := s.adapter.History(ctx, ch.ID, perChannel)
		if err != nil {
			logger.Warn("skipping channel", "channel", ch.Name, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.IsBot {
				continue
			}
			if !wildcard && !strings.Contains(strings.ToLower(m.Content), needle) {
				continue
			}
			lines = append(lines, formatSearchLine(m.Timestamp, ch.Name, m.AuthorName, m.Content))
			if len(lines) >= s.total {
				break
			}
		}
	}

	logger.Info("search finished", "channels", len(targets), "hits", len(lines))
	if len(lines) == 0 {
		if query == "" {
			query = "*"
		}
		return NoMatches(query, channelScope), nil
	}
	return strings.Join(lines, "\n"), nil
}

func findChannel(chs []ChannelInfo, name string) (ChannelInfo, bool) {
	for _, ch := range chs {
		if strings.EqualFold(ch.Name, name) {
			return ch, true
		}
	}
	return ChannelInfo{}, false
}

func currentChannelHistory(sc SearchContext) string {
	var lines []string
	for _, m := range sc.Recent {
		if m.IsBot {
			continue
		}
		lines = append(lines, formatHistoryLine(m.Timestamp, m.AuthorName, m.Content))
	}
	if len(lines) == 0 {
		return fmt.Sprintf("AVISO: El canal #%s es el canal actual donde estamos hablando. El historial reciente está vacío o solo contiene tu mensaje.", sc.CurrentChannel)
	}
	return fmt.Sprintf("[Historial reciente del canal actual #%s]\n%s", sc.CurrentChannel, strings.Join(lines, "\n"))
}

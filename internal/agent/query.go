// Package agent turns one user question into an answer: it grounds the model
// with verified server facts, lets the model request one tool (knowledge
// lookup or transcript search), and returns the final text plus an optional
// reaction.
package agent

import (
	"context"
	"time"

	"github.com/meulify/mai/internal/llm"
)

// Query is the immutable input of one orchestration run.
type Query struct {
	Text      string         // the question, mentions stripped
	Requester string         // display name of the asking user
	Channel   string         // name of the channel the question was asked in
	History   []HistoryEntry // recent messages, oldest first
	Channels  []string       // channel names visible to the bot
	Stats     []Stat         // verified server statistics, in display order
}

// HistoryEntry is one message of the recent-chat window.
type HistoryEntry struct {
	Timestamp time.Time
	Author    string
	Content   string
}

// Stat is a verified server statistic.
type Stat struct {
	Key   string
	Value string
}

// NoMatchesPhrase opens the sentinel a SearchFunc returns when nothing
// matched. The post-search instructions refer to it by name.
const NoMatchesPhrase = "No matching messages found"

// SearchFunc searches recent channel transcripts. channelScope is a channel
// name or ScopeAll. An empty result must be reported with a sentinel text,
// never an empty string.
type SearchFunc func(ctx context.Context, query, channelScope string) (string, error)

// StatusFunc shows a short progress line to the user. It is best-effort and
// must not block on failures.
type StatusFunc func(ctx context.Context, text string)

// Tools are the host-supplied callbacks for one query. Both are optional.
type Tools struct {
	Search SearchFunc
	Status StatusFunc
}

// Result is the outcome of one run.
type Result struct {
	Text      string    // cleaned answer, without the REACT marker
	Reaction  string    // emoji requested by the model, if any
	Directive Directive // the directive found in the first reply
	Degraded  bool      // a tool failed and the first reply was returned
	Failed    bool      // the model failed and Text is the apology
}

// Invoker sends a conversation to the model and returns its reply.
// *llm.Chain implements it.
type Invoker interface {
	Invoke(ctx context.Context, messages []llm.Message) (llm.Message, error)
}

// Knowledge resolves CONTEXT topics. *knowledge.Store implements it.
type Knowledge interface {
	Resolve(topic string) string
	Menu() string
}

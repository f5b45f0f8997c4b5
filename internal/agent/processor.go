package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/meulify/mai/internal/knowledge"
	"github.com/meulify/mai/internal/llm"
)

// DefaultApology is returned to the user when the model cannot answer.
const DefaultApology = "Lo siento, tuve un problema procesando tu consulta. Por favor, intenta de nuevo."

// Status lines shown while a tool runs.
const (
	statusContext = "🔍 Consultando información de Meulify..."
	statusSearch  = "🔎 Buscando \"%s\" en %s..."
)

// state is the position of one run in the orchestration state machine.
type state int

const (
	stateInitial state = iota
	stateToolPending
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateToolPending:
		return "tool_pending"
	default:
		return "done"
	}
}

// Processor runs the grounding, one optional tool round trip, and the final
// answer for each query. It is safe for concurrent use.
type Processor struct {
	invoker   Invoker
	knowledge Knowledge
	allTopic  string
	apology   string
	tmpl      *template.Template
	logger    *log.Logger
}

// ProcessorOpts holds parameters for creating a Processor.
type ProcessorOpts struct {
	Invoker   Invoker
	Knowledge Knowledge
	AllTopic  string      // defaults to knowledge.AllTopic
	Apology   string      // defaults to DefaultApology
	Logger    *log.Logger // defaults to a discarding logger
}

// NewProcessor creates a Processor.
func NewProcessor(opts ProcessorOpts) (*Processor, error) {
	if opts.Invoker == nil {
		return nil, fmt.Errorf("agent: invoker is required")
	}
	if opts.Knowledge == nil {
		return nil, fmt.Errorf("agent: knowledge is required")
	}
	tmpl, err := parseSystemTemplate()
	if err != nil {
		return nil, err
	}
	p := &Processor{
		invoker:   opts.Invoker,
		knowledge: opts.Knowledge,
		allTopic:  opts.AllTopic,
		apology:   opts.Apology,
		tmpl:      tmpl,
		logger:    opts.Logger,
	}
	if p.allTopic == "" {
		p.allTopic = knowledge.AllTopic
	}
	if p.apology == "" {
		p.apology = DefaultApology
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	return p, nil
}

// errToolFailed marks a tool failure that degrades to the first reply.
var errToolFailed = errors.New("agent: tool failed")

// Process answers q. It never returns an error: model failures become the
// apology text with Failed set, tool failures return the first reply with
// Degraded set. At most two model calls are made.
func (p *Processor) Process(ctx context.Context, q Query, tools Tools) (res Result) {
	logger := p.logger.With("request", uuid.NewString(), "query", excerpt(q.Text, 60))
	st := stateInitial

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing query", "state", st, "panic", r)
			res = Result{Text: p.apology, Failed: true}
		}
	}()

	system, err := renderSystemPrompt(p.tmpl, q, p.knowledge.Menu(), p.allTopic)
	if err != nil {
		logger.Error("render system prompt", "err", err)
		return Result{Text: p.apology, Failed: true}
	}
	messages := []llm.Message{
		llm.System(system),
		llm.User(userMessage(q)),
	}

	first, err := p.invoker.Invoke(ctx, messages)
	if err != nil {
		logger.Error("first model call failed", "err", err)
		return Result{Text: p.apology, Failed: true}
	}

	d, perr := ParseDirective(first.Content)
	logger.Debug("first reply", "directive", d.Kind, "len", len(first.Content))
	if d.Kind == NoTool {
		st = stateDone
		return p.finish(logger, first.Content, d, false)
	}

	st = stateToolPending
	if perr != nil {
		logger.Warn("malformed tool request", "directive", d.Kind, "err", perr)
		return p.finish(logger, first.Content, d, true)
	}

	feedback, err := p.runTool(ctx, logger, d, q, tools)
	if err != nil {
		logger.Warn("tool failed, returning first reply", "directive", d.Kind, "err", err)
		return p.finish(logger, first.Content, d, true)
	}

	messages = append(messages, llm.System(feedback))
	second, err := p.invoker.Invoke(ctx, messages)
	if err != nil {
		logger.Error("second model call failed", "directive", d.Kind, "err", err)
		return Result{Text: p.apology, Directive: d, Failed: true}
	}

	st = stateDone
	return p.finish(logger, second.Content, d, false)
}

// runTool executes d and returns the feedback message for the second call.
func (p *Processor) runTool(ctx context.Context, logger *log.Logger, d Directive, q Query, tools Tools) (string, error) {
	switch d.Kind {
	case ContextRequest:
		notify(ctx, tools, statusContext)
		text := p.knowledge.Resolve(d.Topic)
		logger.Info("context lookup", "topic", d.Topic, "len", len(text))
		return contextFeedback(d.Topic, text, q.Text), nil

	case SearchRequest:
		if tools.Search == nil {
			return "", fmt.Errorf("%w: no search provider", errToolFailed)
		}
		scope := d.Channel
		if scope != ScopeAll {
			scope = "#" + scope
		}
		notify(ctx, tools, fmt.Sprintf(statusSearch, d.Query, scope))
		results, err := callSearch(ctx, tools.Search, d.Query, d.Channel)
		if err != nil {
			return "", fmt.Errorf("%w: search: %v", errToolFailed, err)
		}
		logger.Info("search", "query", d.Query, "channel", d.Channel, "len", len(results))
		return searchFeedback(d.Query, d.Channel, results, q.Text), nil
	}
	return "", fmt.Errorf("%w: unknown directive %s", errToolFailed, d.Kind)
}

// callSearch runs the host's search callback, turning a panic into an error.
func callSearch(ctx context.Context, search SearchFunc, query, channel string) (results string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return search(ctx, query, channel)
}

// finish strips the reaction marker and applies the empty-answer rule.
func (p *Processor) finish(logger *log.Logger, reply string, d Directive, degraded bool) Result {
	text, emoji := StripReaction(reply)
	text = strings.TrimSpace(text)
	if text == "" && emoji == "" {
		logger.Warn("model returned an empty answer")
		return Result{Text: p.apology, Directive: d, Degraded: degraded, Failed: true}
	}
	return Result{Text: text, Reaction: emoji, Directive: d, Degraded: degraded}
}

func notify(ctx context.Context, tools Tools, text string) {
	if tools.Status != nil {
		tools.Status(ctx, text)
	}
}

// excerpt shortens s for log lines.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

package chat

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter and hands every inbound message to the Router in its own
// goroutine.
type Daemon struct {
	adapter  Adapter
	answerer Answerer
	topics   TopicSource
	models   []string
	operator string
	stats    *Stats
	search   SearcherOpts
	ignore   []string
	history  int
	logger   *log.Logger
	out      io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter        Adapter
	Answerer       Answerer
	Topics         TopicSource
	Models         []string     // fallback chain, shown by the status command
	Operator       string       // account allowed to run operator commands
	Stats          *Stats       // defaults to NewStats()
	Search         SearcherOpts // caps; Adapter and Logger are filled in
	IgnoreChannels []string
	HistoryLimit   int
	Logger         *log.Logger
	Out            io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: adapter is required")
	}
	if opts.Answerer == nil {
		return nil, fmt.Errorf("chat: answerer is required")
	}
	if opts.Topics == nil {
		return nil, fmt.Errorf("chat: topics are required")
	}
	d := &Daemon{
		adapter:  opts.Adapter,
		answerer: opts.Answerer,
		topics:   opts.Topics,
		models:   opts.Models,
		operator: opts.Operator,
		stats:    opts.Stats,
		search:   opts.Search,
		ignore:   opts.IgnoreChannels,
		history:  opts.HistoryLimit,
		logger:   opts.Logger,
		out:      opts.Out,
	}
	if d.stats == nil {
		d.stats = NewStats()
	}
	if d.logger == nil {
		d.logger = log.New(io.Discard)
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	if d.operator == "" {
		fmt.Fprintf(d.out, "chat: no operator configured; status command disabled\n")
	}
	return d, nil
}

// Stats returns the live query counters.
func (d *Daemon) Stats() *Stats { return d.stats }

// Run connects the adapter, builds the router, and processes inbound
// messages until the context is cancelled. In-flight messages are allowed
// to finish before the adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "MAI connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	var botUserID string
	if bui, ok := d.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}
	if botUserID == "" {
		d.logger.Warn("bot user ID unknown; mentions cannot be detected")
	}

	searchOpts := d.search
	searchOpts.Adapter = d.adapter
	searchOpts.Logger = d.logger.With("component", "search")
	searcher, err := NewSearcher(searchOpts)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: build searcher: %w", err)
	}

	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
		Topics:   d.topics,
		Models:   d.models,
		Stats:    d.stats,
		Operator: d.operator,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: build command handler: %w", err)
	}

	router, err := NewRouter(RouterOpts{
		Answerer:       d.answerer,
		CmdHandler:     cmdHandler,
		Searcher:       searcher,
		Adapter:        d.adapter,
		Stats:          d.stats,
		BotUserID:      botUserID,
		IgnoreChannels: d.ignore,
		HistoryLimit:   d.history,
		Logger:         d.logger.With("component", "router"),
		Out:            d.out,
	})
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: build router: %w", err)
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("chat: listen: %w", err)
	}

	fmt.Fprintf(d.out, "MAI online\n")

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		d.adapter.Close()
		fmt.Fprintf(d.out, "MAI offline\n")
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "MAI shutting down...\n")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "MAI inbound channel closed\n")
				return nil
			}
			wg.Add(1)
			go func(msg InboundMessage) {
				defer wg.Done()
				defer func() {
					if p := recover(); p != nil {
						d.logger.Error("panic while handling message", "channel", msg.ChannelName, "panic", p)
					}
				}()
				router.Handle(ctx, msg)
			}(msg)
		}
	}
}

package chat

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/meulify/mai/internal/agent"
)

// DefaultHistoryLimit is how many recent channel messages are fetched for the
// prompt, including the triggering one.
const DefaultHistoryLimit = 5

// greeting answers a mention that carries no question.
const greeting = "¡Hola! Soy M.A.I. 🐐 ¿En qué te puedo ayudar? Pregúntame lo que quieras sobre Meulify."

// Answerer turns a query into a result. *agent.Processor implements it.
type Answerer interface {
	Process(ctx context.Context, q agent.Query, tools agent.Tools) agent.Result
}

// Router classifies inbound chat messages and routes them to the command
// handler, the answerer, or nowhere.
type Router struct {
	answerer       Answerer
	cmdHandler     *CommandHandler
	searcher       *Searcher
	adapter        Adapter
	stats          *Stats
	botUserID      string
	ignoreChannels []string
	historyLimit   int
	logger         *log.Logger
	out            io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Answerer       Answerer
	CmdHandler     *CommandHandler
	Searcher       *Searcher
	Adapter        Adapter
	Stats          *Stats
	BotUserID      string    // bot's user ID for self-message filtering and mentions
	IgnoreChannels []string  // channel name substrings the bot never reads, e.g. "ticket"
	HistoryLimit   int       // defaults to DefaultHistoryLimit
	Logger         *log.Logger
	Out            io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Answerer == nil {
		return nil, fmt.Errorf("chat: router: answerer is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("chat: router: command handler is required")
	}
	if opts.Searcher == nil {
		return nil, fmt.Errorf("chat: router: searcher is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("chat: router: adapter is required")
	}
	r := &Router{
		answerer:     opts.Answerer,
		cmdHandler:   opts.CmdHandler,
		searcher:     opts.Searcher,
		adapter:      opts.Adapter,
		stats:        opts.Stats,
		botUserID:    opts.BotUserID,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger,
		out:          opts.Out,
	}
	for _, s := range opts.IgnoreChannels {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			r.ignoreChannels = append(r.ignoreChannels, s)
		}
	}
	if r.stats == nil {
		r.stats = NewStats()
	}
	if r.historyLimit <= 0 {
		r.historyLimit = DefaultHistoryLimit
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	return r, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Own or bot-authored message, or direct message → ignore
//  2. Ignored channel (tickets) → ignore
//  3. Command prefix "!mai_" → command handler
//  4. Mention of the bot (not @everyone) → answer
//  5. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) || msg.IsBot || msg.GuildID == "" {
		return
	}
	if r.isIgnoredChannel(msg.ChannelName) {
		return
	}

	text := strings.TrimSpace(msg.Text)

	if isCommand(text) {
		fmt.Fprintf(r.out, "chat: router: recv [ch=%s user=%s] %q → command\n",
			msg.ChannelName, msg.UserName, truncate(text, 80))
		r.reply(ctx, msg, r.cmdHandler.Execute(text, msg.UserName))
		return
	}

	if !r.mentionsBot(msg) {
		return
	}

	fmt.Fprintf(r.out, "chat: router: recv [ch=%s user=%s] %q → answer\n",
		msg.ChannelName, msg.UserName, truncate(text, 80))
	r.answer(ctx, msg)
}

// answer runs one query through the answerer and posts the result.
func (r *Router) answer(ctx context.Context, msg InboundMessage) {
	query := r.stripMentions(msg.Text)
	if query == "" {
		r.reply(ctx, msg, greeting)
		return
	}

	logger := r.logger.With("channel", msg.ChannelName, "user", msg.UserName)

	stop := r.adapter.Typing(ctx, msg.ChannelID)
	defer stop()

	recent := r.recentMessages(ctx, logger, msg)
	channels, err := r.adapter.ReadableChannels(ctx, msg.GuildID, msg.UserID)
	if err != nil {
		logger.Warn("could not list readable channels", "err", err)
	}
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}

	q := agent.Query{
		Text:      query,
		Requester: msg.UserName,
		Channel:   msg.ChannelName,
		History:   historyEntries(recent),
		Channels:  names,
		Stats:     r.serverStats(ctx, logger, msg.GuildID),
	}

	status := &statusLine{adapter: r.adapter, channelID: msg.ChannelID, logger: logger}
	tools := agent.Tools{
		Search: r.searcher.Func(SearchContext{
			CurrentChannel: msg.ChannelName,
			Channels:       channels,
			Recent:         recent,
		}),
		Status: status.show,
	}

	res := r.answerer.Process(ctx, q, tools)
	status.clear(ctx)
	r.stats.record(res.Failed, res.Degraded)

	if res.Reaction != "" {
		if err := r.adapter.React(ctx, msg.ChannelID, msg.MessageID, res.Reaction); err != nil {
			logger.Warn("could not add reaction", "emoji", res.Reaction, "err", err)
		}
	}
	if res.Text == "" {
		return
	}
	r.reply(ctx, msg, WithDisclaimer(res.Text))
}

// reply sends text as a reply to msg, split to the platform limit. Only the
// first chunk references the original message.
func (r *Router) reply(ctx context.Context, msg InboundMessage, text string) {
	for i, chunk := range SplitMessage(text, MaxMessageLength) {
		out := OutboundMessage{ChannelID: msg.ChannelID, Text: chunk}
		if i == 0 {
			out.ReplyTo = msg.MessageID
		}
		if err := r.adapter.Reply(ctx, out); err != nil {
			r.logger.Error("send reply", "channel", msg.ChannelName, "err", err)
			return
		}
	}
}

// recentMessages returns the last messages of the channel, oldest first,
// without the triggering message.
func (r *Router) recentMessages(ctx context.Context, logger *log.Logger, msg InboundMessage) []HistoryMessage {
	msgs, err := r.adapter.History(ctx, msg.ChannelID, r.historyLimit)
	if err != nil {
		logger.Warn("could not fetch recent history", "err", err)
		return nil
	}
	slices.Reverse(msgs)
	return slices.DeleteFunc(msgs, func(m HistoryMessage) bool { return m.ID == msg.MessageID })
}

// historyEntries converts channel messages into the prompt's history window.
func historyEntries(msgs []HistoryMessage) []agent.HistoryEntry {
	var out []agent.HistoryEntry
	for _, m := range msgs {
		out = append(out, agent.HistoryEntry{
			Timestamp: m.Timestamp.UTC(),
			Author:    m.AuthorName,
			Content:   m.Content,
		})
	}
	return out
}

// serverStats builds the verified statistics block.
func (r *Router) serverStats(ctx context.Context, logger *log.Logger, guildID string) []agent.Stat {
	g, err := r.adapter.Guild(ctx, guildID)
	if err != nil {
		logger.Warn("could not load guild info", "err", err)
		return nil
	}
	owner := g.OwnerName
	if owner == "" {
		owner = "Unknown"
	}
	return []agent.Stat{
		{Key: "Server Name", Value: g.Name},
		{Key: "Member Count", Value: strconv.Itoa(g.MemberCount)},
		{Key: "Text Channels", Value: strconv.Itoa(g.TextChannels)},
		{Key: "Voice Channels", Value: strconv.Itoa(g.VoiceChannels)},
		{Key: "Server Owner", Value: owner},
	}
}

// selfID is the configured bot ID, or the adapter's once it learns it.
func (r *Router) selfID() string {
	if r.botUserID != "" {
		return r.botUserID
	}
	if bui, ok := r.adapter.(BotUserIDer); ok {
		return bui.BotUserID()
	}
	return ""
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	id := r.selfID()
	return id != "" && msg.UserID == id
}

func (r *Router) isIgnoredChannel(name string) bool {
	name = strings.ToLower(name)
	for _, s := range r.ignoreChannels {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// mentionsBot reports a direct mention of the bot. Mass pings do not count.
func (r *Router) mentionsBot(msg InboundMessage) bool {
	id := r.selfID()
	if msg.MentionsEveryone || id == "" {
		return false
	}
	return slices.Contains(msg.Mentions, id)
}

// stripMentions removes <@id> and <@!id> mentions of the bot from text.
func (r *Router) stripMentions(text string) string {
	if id := r.selfID(); id != "" {
		text = strings.ReplaceAll(text, "<@"+id+">", "")
		text = strings.ReplaceAll(text, "<@!"+id+">", "")
	}
	return strings.TrimSpace(text)
}

// statusLine is the single progress message of one query. The first update
// posts it, later ones edit it.
type statusLine struct {
	adapter   Adapter
	channelID string
	logger    *log.Logger

	mu sync.Mutex
	id string
}

func (s *statusLine) show(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.adapter.SendStatus(ctx, s.channelID, s.id, text)
	if err != nil {
		s.logger.Warn("could not show status", "err", err)
		return
	}
	s.id = id
}

func (s *statusLine) clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return
	}
	if err := s.adapter.DeleteMessage(ctx, s.channelID, s.id); err != nil {
		s.logger.Warn("could not delete status", "err", err)
	}
	s.id = ""
}

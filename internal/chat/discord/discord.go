// Package discord implements the chat Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"github.com/meulify/mai/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// pageSize is the maximum number of messages Discord returns per request.
	pageSize = 100
	// typingInterval re-sends the typing indicator before Discord expires it.
	typingInterval = 8 * time.Second
	// typingMaxDuration stops a forgotten typing indicator.
	typingMaxDuration = 5 * time.Minute
)

// readPerms is what a member needs to read a channel's history.
const readPerms = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string) (*discordgo.Channel, error)
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	UserChannelPermissions(userID, channelID string) (int64, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	SelfID() string
}

// realSession wraps *discordgo.Session to implement the session interface.
// Guild, channel and member lookups are served from the state cache first.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}
func (r *realSession) Guild(guildID string) (*discordgo.Guild, error) {
	return r.s.State.Guild(guildID)
}
func (r *realSession) Member(guildID, userID string) (*discordgo.Member, error) {
	if m, err := r.s.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return r.s.GuildMember(guildID, userID)
}
func (r *realSession) UserChannelPermissions(userID, channelID string) (int64, error) {
	return r.s.State.UserChannelPermissions(userID, channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}

// SelfID reads the bot user from state, which Open fills before returning.
func (r *realSession) SelfID() string {
	if r.s.State == nil || r.s.State.User == nil {
		return ""
	}
	return r.s.State.User.ID
}

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	botUserID     string
	logger        *log.Logger
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan chat.InboundMessage
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	typingEvery   time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	Logger   *log.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		logger:      opts.Logger,
		inbound:     make(chan chat.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		typingEvery: typingInterval,
	}
	if a.logger == nil {
		a.logger = log.New(io.Discard)
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMembers |
			discordgo.IntentMessageContent
		a.sess = &realSession{s: dg}
	}

	// Capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.logger.Info("connected", "user", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
	})

	// discordgo reconnects on its own; log it for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		a.logger.Warn("gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		a.logger.Info("gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	// The Ready handler runs asynchronously; callers need the ID right away.
	if id := a.sess.SelfID(); id != "" && a.botUserID == "" {
		a.botUserID = id
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// Reply sends a message, referencing msg.ReplyTo when set. Only the replied
// user can be pinged by the bot's text.
func (a *Adapter) Reply(ctx context.Context, msg chat.OutboundMessage) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := &discordgo.MessageSend{
		Content: msg.Text,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			RepliedUser: true,
		},
	}
	if msg.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: msg.ChannelID,
		}
	}

	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(msg.ChannelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// React adds a unicode emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, channelID, messageID, emoji string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(channelID, messageID, emoji)
	})
	if err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

// SendStatus posts a progress message, or edits statusID when set.
func (a *Adapter) SendStatus(ctx context.Context, channelID, statusID, text string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	var m *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		if statusID != "" {
			m, apiErr = a.sess.ChannelMessageEdit(channelID, statusID, text)
		} else {
			m, apiErr = a.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: text})
		}
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: status message: %w", err)
	}
	return m.ID, nil
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// History retrieves up to limit recent messages of a channel, newest first,
// paging backwards through the channel.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]chat.HistoryMessage, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	var all []chat.HistoryMessage
	beforeID := ""

	size := pageSize
	if limit > 0 && limit < size {
		size = limit
	}

	for {
		var msgs []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(channelID, size, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: channel messages: %w", err)
		}

		if len(msgs) == 0 {
			break
		}

		for _, m := range msgs {
			if m.Author == nil {
				continue
			}
			all = append(all, chat.HistoryMessage{
				ID:         m.ID,
				AuthorID:   m.Author.ID,
				AuthorName: m.Author.Username,
				IsBot:      m.Author.Bot,
				Content:    m.Content,
				Timestamp:  m.Timestamp,
			})
		}

		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}

		// Paginate backwards: use the last message ID as the "before" cursor.
		beforeID = msgs[len(msgs)-1].ID

		if len(msgs) < size {
			break // no more pages
		}
	}

	return all, nil
}

// Guild summarizes a server from the state cache.
func (a *Adapter) Guild(ctx context.Context, guildID string) (chat.GuildInfo, error) {
	if err := a.checkConnected(); err != nil {
		return chat.GuildInfo{}, err
	}
	g, err := a.sess.Guild(guildID)
	if err != nil {
		return chat.GuildInfo{}, fmt.Errorf("discord: guild %s: %w", guildID, err)
	}

	info := chat.GuildInfo{ID: g.ID, Name: g.Name, MemberCount: g.MemberCount}
	for _, ch := range g.Channels {
		switch {
		case isTextChannel(ch):
			info.TextChannels++
		case ch.Type == discordgo.ChannelTypeGuildVoice:
			info.VoiceChannels++
		}
	}
	if g.OwnerID != "" {
		if owner, err := a.sess.Member(guildID, g.OwnerID); err == nil && owner.User != nil {
			info.OwnerName = owner.User.Username
		} else if err != nil {
			a.logger.Debug("owner lookup failed", "guild", guildID, "err", err)
		}
	}
	return info, nil
}

// ReadableChannels lists the guild's text channels, in sidebar order, that
// both the bot and userID can view and read history in. An empty userID
// checks the bot only.
func (a *Adapter) ReadableChannels(ctx context.Context, guildID, userID string) ([]chat.ChannelInfo, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	g, err := a.sess.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: guild %s: %w", guildID, err)
	}
	botID := a.BotUserID()

	chans := make([]*discordgo.Channel, 0, len(g.Channels))
	for _, ch := range g.Channels {
		if isTextChannel(ch) {
			chans = append(chans, ch)
		}
	}
	sort.SliceStable(chans, func(i, j int) bool { return chans[i].Position < chans[j].Position })

	var out []chat.ChannelInfo
	for _, ch := range chans {
		if !a.canRead(botID, ch.ID) {
			continue
		}
		if userID != "" && !a.canRead(userID, ch.ID) {
			continue
		}
		out = append(out, chat.ChannelInfo{ID: ch.ID, Name: ch.Name})
	}
	return out, nil
}

func (a *Adapter) canRead(userID, channelID string) bool {
	perms, err := a.sess.UserChannelPermissions(userID, channelID)
	if err != nil {
		a.logger.Debug("permission lookup failed", "user", userID, "channel", channelID, "err", err)
		return false
	}
	return perms&readPerms == readPerms
}

// Typing keeps the typing indicator alive until stop is called, the context
// ends, or typingMaxDuration passes.
func (a *Adapter) Typing(ctx context.Context, channelID string) func() {
	typingCtx, cancel := context.WithCancel(ctx)
	every := a.typingEvery

	go func() {
		send := func() {
			if err := a.sess.ChannelTyping(channelID); err != nil {
				a.logger.Debug("typing indicator failed", "channel", channelID, "err", err)
			}
		}
		send()

		ticker := time.NewTicker(every)
		defer ticker.Stop()
		timeout := time.NewTimer(typingMaxDuration)
		defer timeout.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-timeout.C:
				return
			case <-ticker.C:
				send()
			}
		}
	}()

	return cancel
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after the Ready event).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()

	if closed || m.Author.ID == botID {
		return
	}

	channelName := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil {
		channelName = ch.Name
	}

	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil {
			mentions = append(mentions, u.ID)
		}
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}

	msg := chat.InboundMessage{
		Platform:         "discord",
		MessageID:        m.ID,
		GuildID:          m.GuildID,
		ChannelID:        m.ChannelID,
		ChannelName:      channelName,
		UserID:           m.Author.ID,
		UserName:         m.Author.Username,
		IsBot:            m.Author.Bot,
		Text:             m.Content,
		Mentions:         mentions,
		MentionsEveryone: m.MentionEveryone,
		Timestamp:        ts,
	}

	// Sent under the lock so a concurrent Close cannot close inbound first.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		a.logger.Warn("inbound queue full, dropping message", "channel", m.ChannelID, "message", m.ID)
	}
}

func isTextChannel(ch *discordgo.Channel) bool {
	return ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		a.logger.Warn("rate limited, retrying", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

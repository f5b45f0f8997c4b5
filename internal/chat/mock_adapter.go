package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records everything the bot
// posts and serves pre-configured history, guild and channel data.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	botUserID string

	replies   []OutboundMessage
	reactions []Reaction
	statuses  []StatusUpdate
	deleted   []string
	typing    int

	history     map[string][]HistoryMessage // newest first, keyed by channel ID
	historyErr  map[string]error
	guild       GuildInfo
	guildErr    error
	channels    []ChannelInfo
	channelsErr error
	reactErr    error
	statusErr   error
	statusSeq   int
}

// Reaction is a reaction recorded by MockAdapter.
type Reaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// StatusUpdate is a status post or edit recorded by MockAdapter.
type StatusUpdate struct {
	ChannelID string
	StatusID  string
	Text      string
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:    make(chan InboundMessage, 100),
		history:    make(map[string][]HistoryMessage),
		historyErr: make(map[string]error),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Reply records the outbound message.
func (m *MockAdapter) Reply(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.replies = append(m.replies, msg)
	return nil
}

// React records the reaction.
func (m *MockAdapter) React(ctx context.Context, channelID, messageID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactErr != nil {
		return m.reactErr
	}
	m.reactions = append(m.reactions, Reaction{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return nil
}

// SendStatus records the status line and returns a stable ID per new post.
func (m *MockAdapter) SendStatus(ctx context.Context, channelID, statusID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return "", m.statusErr
	}
	if statusID == "" {
		m.statusSeq++
		statusID = fmt.Sprintf("status-%d", m.statusSeq)
	}
	m.statuses = append(m.statuses, StatusUpdate{ChannelID: channelID, StatusID: statusID, Text: text})
	return statusID, nil
}

// DeleteMessage records the deletion.
func (m *MockAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	return nil
}

// History returns pre-configured history for a channel.
func (m *MockAdapter) History(ctx context.Context, channelID string, limit int) ([]HistoryMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.historyErr[channelID]; err != nil {
		return nil, err
	}
	msgs := m.history[channelID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	out := make([]HistoryMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Guild returns the configured guild info.
func (m *MockAdapter) Guild(ctx context.Context, guildID string) (GuildInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guildErr != nil {
		return GuildInfo{}, m.guildErr
	}
	g := m.guild
	g.ID = guildID
	return g, nil
}

// ReadableChannels returns the configured channel list.
func (m *MockAdapter) ReadableChannels(ctx context.Context, guildID, userID string) ([]ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelsErr != nil {
		return nil, m.channelsErr
	}
	out := make([]ChannelInfo, len(m.channels))
	copy(out, m.channels)
	return out, nil
}

// Typing counts typing indicators.
func (m *MockAdapter) Typing(ctx context.Context, channelID string) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return func() {}
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SetHistory pre-populates a channel transcript, newest first.
func (m *MockAdapter) SetHistory(channelID string, msgs []HistoryMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[channelID] = msgs
}

// SetHistoryError makes History fail for one channel.
func (m *MockAdapter) SetHistoryError(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyErr[channelID] = err
}

// SetGuild configures the guild returned by Guild.
func (m *MockAdapter) SetGuild(g GuildInfo, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guild, m.guildErr = g, err
}

// SetChannels configures the channels returned by ReadableChannels.
func (m *MockAdapter) SetChannels(chs []ChannelInfo, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels, m.channelsErr = chs, err
}

// SetReactError makes React fail.
func (m *MockAdapter) SetReactError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactErr = err
}

// SetStatusError makes SendStatus fail.
func (m *MockAdapter) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// Replies returns a copy of all replies sent.
func (m *MockAdapter) Replies() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.replies))
	copy(out, m.replies)
	return out
}

// Reactions returns a copy of all reactions added.
func (m *MockAdapter) Reactions() []Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reaction, len(m.reactions))
	copy(out, m.reactions)
	return out
}

// Statuses returns a copy of all status posts and edits.
func (m *MockAdapter) Statuses() []StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatusUpdate, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// Deleted returns the IDs of deleted messages.
func (m *MockAdapter) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// TypingCount returns how often Typing was called.
func (m *MockAdapter) TypingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Package chat connects the question-answering core to a chat platform. It
// filters and routes inbound messages, runs transcript searches, and posts
// answers back through a platform Adapter.
package chat

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, message delivery, and the
// guild and channel lookups the router needs for one chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Reply delivers an outbound message, optionally referencing another one.
	Reply(ctx context.Context, msg OutboundMessage) error

	// React adds an emoji reaction to a message.
	React(ctx context.Context, channelID, messageID, emoji string) error

	// SendStatus posts a progress line, or edits the one identified by
	// statusID when it is not empty. It returns the status message ID.
	SendStatus(ctx context.Context, channelID, statusID, text string) (string, error)

	// DeleteMessage removes a message the bot posted.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// History returns up to limit recent messages of a channel, newest first.
	History(ctx context.Context, channelID string, limit int) ([]HistoryMessage, error)

	// Guild returns summary information about a server.
	Guild(ctx context.Context, guildID string) (GuildInfo, error)

	// ReadableChannels lists the text channels of a guild that both the bot
	// and userID can read.
	ReadableChannels(ctx context.Context, guildID, userID string) ([]ChannelInfo, error)

	// Typing shows a typing indicator in the channel until stop is called.
	Typing(ctx context.Context, channelID string) (stop func())

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering and
// mention detection.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform         string    // e.g. "discord"
	MessageID        string    // platform-specific message identifier
	GuildID          string    // server the message was posted in (empty for DMs)
	ChannelID        string    // platform-specific channel identifier
	ChannelName      string    // human-readable channel name
	UserID           string    // platform-specific user identifier
	UserName         string    // account name
	IsBot            bool      // author is a bot account
	Text             string    // raw message text
	Mentions         []string  // user IDs mentioned in the message
	MentionsEveryone bool      // message pings @everyone or @here
	Timestamp        time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string // target channel
	ReplyTo   string // message to reference (empty for a plain message)
	Text      string // message text (platform-native formatting)
}

// HistoryMessage is one message of a channel transcript.
type HistoryMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
	IsBot      bool
	Content    string
	Timestamp  time.Time
}

// GuildInfo summarizes a server for the verified-facts block.
type GuildInfo struct {
	ID            string
	Name          string
	OwnerName     string // empty when unknown
	MemberCount   int
	TextChannels  int
	VoiceChannels int
}

// ChannelInfo identifies a text channel.
type ChannelInfo struct {
	ID   string
	Name string
}

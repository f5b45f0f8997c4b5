// Package llm wraps the hosted chat-completion backends and tries them in
// preference order when a backend is throttled.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged unit of a conversation sent to a backend.
type Message struct {
	Role    string
	Content string
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Backend is a single chat model.
type Backend interface {
	// Name identifies the model, e.g. "llama-3.1-8b-instant".
	Name() string
	// Generate sends the conversation and returns the assistant reply.
	Generate(ctx context.Context, messages []Message) (Message, error)
}

// RateLimitError reports that a backend refused a request because of quota
// or request-rate limits. Callers detect it with errors.As.
type RateLimitError struct {
	Model      string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limit exceeded", e.Model)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ExhaustedFallbackError is returned when every backend in a chain was
// throttled. It unwraps to the last throttling error.
type ExhaustedFallbackError struct {
	Attempts []string
	Last     error
}

func (e *ExhaustedFallbackError) Error() string {
	return fmt.Sprintf("llm: all %d models rate limited (%s): %v",
		len(e.Attempts), strings.Join(e.Attempts, ", "), e.Last)
}

func (e *ExhaustedFallbackError) Unwrap() error { return e.Last }

// throttlePatterns are lowercase fragments that providers put in throttling
// errors. Groq answers 429 with code "rate_limit_exceeded".
var throttlePatterns = []string{
	"status code: 429",
	"status code 429",
	"429 too many requests",
	"too many requests",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"quota exceeded",
	"quota_exceeded",
}

// IsThrottled reports whether err means "try another model later" rather than
// a fault in the request itself.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range throttlePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

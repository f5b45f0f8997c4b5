package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// DefaultGroqURL is Groq's OpenAI-compatible endpoint.
const DefaultGroqURL = "https://api.groq.com/openai/v1"

// DefaultTemperature gives the assistant some personality without drifting.
const DefaultTemperature = 0.7

// ModelBackend adapts a langchaingo model to Backend.
type ModelBackend struct {
	name        string
	model       llms.Model
	temperature float64
}

// NewModelBackend wraps an existing langchaingo model. Used directly by tests
// and by NewGroqBackend.
func NewModelBackend(name string, model llms.Model, temperature float64) *ModelBackend {
	return &ModelBackend{name: name, model: model, temperature: temperature}
}

// GroqOpts holds parameters for creating a Groq-hosted backend.
type GroqOpts struct {
	Model       string
	APIKey      string
	BaseURL     string       // defaults to DefaultGroqURL
	Temperature float64      // defaults to DefaultTemperature
	HTTPClient  *http.Client // optional; e.g. a proxied transport
}

// NewGroqBackend creates a backend for one Groq model.
func NewGroqBackend(opts GroqOpts) (*ModelBackend, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("llm: groq: model is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: groq: api key is required")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultGroqURL
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = DefaultTemperature
	}

	clientOpts := []openai.Option{
		openai.WithModel(opts.Model),
		openai.WithBaseURL(baseURL),
		openai.WithToken(opts.APIKey),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, openai.WithHTTPClient(opts.HTTPClient))
	}
	model, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm: groq: create %s: %w", opts.Model, err)
	}
	return NewModelBackend(opts.Model, model, temp), nil
}

// Name returns the model name.
func (b *ModelBackend) Name() string { return b.name }

// Generate sends the conversation to the model.
func (b *ModelBackend) Generate(ctx context.Context, messages []Message) (Message, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	resp, err := b.model.GenerateContent(ctx, content, llms.WithTemperature(b.temperature))
	if err != nil {
		return Message{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Message{}, fmt.Errorf("empty response from %s", b.name)
	}
	return Message{Role: RoleAssistant, Content: resp.Choices[0].Content}, nil
}

// chatMessageType maps a role to the langchaingo message type. Unknown roles
// are sent as human messages.
func chatMessageType(role string) schema.ChatMessageType {
	switch role {
	case RoleSystem:
		return schema.ChatMessageTypeSystem
	case RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// UnavailableBackend stands in for a model when no API key is configured.
// Every call fails with a non-throttling error, so a chain built from it
// fails fast.
type UnavailableBackend struct {
	Model  string
	Reason string
}

// Name returns the model name.
func (u UnavailableBackend) Name() string { return u.Model }

// Generate always fails.
func (u UnavailableBackend) Generate(ctx context.Context, messages []Message) (Message, error) {
	return Message{}, fmt.Errorf("model unavailable: %s", u.Reason)
}

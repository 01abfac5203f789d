package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicModel = "claude-3-sonnet-20240229"
	defaultMaxTokens      = 1000
	defaultMaxRetries     = 2
)

// ErrNoAPIKey is returned when the client has no key configured.
var ErrNoAPIKey = errors.New("llm api key not configured")

// AnthropicClient calls the Messages API through the official SDK, which
// retries 408/409/429/5xx responses itself.
type AnthropicClient struct {
	APIKey string
	// BaseURL overrides https://api.anthropic.com/.
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// buildMessages turns history plus the new message into alternating turns
// that start with the user.
func buildMessages(message string, history []Turn) []Turn {
	out := make([]Turn, 0, len(history)+1)
	for _, t := range history {
		if t.Role != "user" && t.Role != "assistant" {
			continue
		}
		if len(out) == 0 && t.Role != "user" {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Role == t.Role {
			out[len(out)-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	if len(out) > 0 && out[len(out)-1].Role == "user" {
		out[len(out)-1].Content += "\n\n" + message
		return out
	}
	return append(out, Turn{Role: "user", Content: message})
}

func toMessageParams(turns []Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func (c *AnthropicClient) options() []option.RequestOption {
	httpc := c.HTTPClient
	if httpc == nil {
		httpc = defaultHTTPClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
		option.WithMaxRetries(defaultMaxRetries),
		option.WithHTTPClient(httpc),
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return opts
}

func (c *AnthropicClient) Complete(ctx context.Context, message string, history []Turn) (string, error) {
	if c.APIKey == "" {
		return "", ErrNoAPIKey
	}
	model := c.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	client := anthropic.NewClient(c.options()...)
	res, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toMessageParams(buildMessages(message, history)),
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			se := &StatusError{Status: apiErr.StatusCode}
			if raw := apiErr.RawJSON(); json.Valid([]byte(raw)) {
				se.Details = json.RawMessage(raw)
			}
			return "", se
		}
		return "", err
	}
	for _, block := range res.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}

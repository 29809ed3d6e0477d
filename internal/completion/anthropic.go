package completion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicService generates completions through the Anthropic Messages API.
type AnthropicService struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicService creates the default production completion adapter.
func NewAnthropicService(apiKey, model string) *AnthropicService {
	return &AnthropicService{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Generate sends the payload as a single user message and returns the
// concatenated text blocks of the response.
func (s *AnthropicService) Generate(ctx context.Context, payload string) (string, error) {
	start := time.Now()
	defer observe(start)

	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(payload)),
		},
	})
	if err != nil {
		return "", classifyAnthropic(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// classifyAnthropic maps SDK errors onto the breaker's failure classes.
func classifyAnthropic(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &Error{
			Status:    apierr.StatusCode,
			Retryable: retryableStatus(apierr.StatusCode),
			Err:       err,
		}
	}
	// Network-level failure: transient.
	return &Error{Retryable: true, Err: err}
}

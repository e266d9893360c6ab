// Package anthropic wraps the Anthropic Messages API for handler
// synthesis: one natural-language bot description in, one complete
// JavaScript handler source out.
package anthropic

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the synthesis client.
type ClientConfig struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// Model is the model identifier.
	Model string

	// MaxTokens bounds the generated source size. Whole source files come
	// back in one response, so this must be generous.
	MaxTokens int

	// RequestTimeout bounds one generation call.
	RequestTimeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(apiKey string) ClientConfig {
	return ClientConfig{
		APIKey:         apiKey,
		Model:          "claude-sonnet-4-20250514",
		MaxTokens:      8192,
		RequestTimeout: 120 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client generates handler sources through the Messages API.
type Client struct {
	config ClientConfig
	api    sdk.Client
	logger *slog.Logger
}

// NewClient creates a new synthesis client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Model == "" {
		config.Model = DefaultClientConfig("").Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultClientConfig("").MaxTokens
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultClientConfig("").RequestTimeout
	}

	return &Client{
		config: config,
		api:    sdk.NewClient(option.WithAPIKey(config.APIKey)),
		logger: config.Logger,
	}
}

// Generate produces a complete handler source from a bot description.
// Errors are mapped to the synthesis domain errors so the funnel can
// pick a user-facing outcome without knowing the provider.
func (c *Client) Generate(ctx context.Context, description string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.config.Model),
		MaxTokens: int64(c.config.MaxTokens),
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt(description))),
		},
	})
	if err != nil {
		return "", mapProviderError(err)
	}

	source := extractSource(msg)
	if strings.TrimSpace(source) == "" {
		return "", shared.ErrSynthesisEmpty
	}

	c.logger.Debug("handler generated",
		"model", c.config.Model,
		"bytes", len(source),
		"latency", time.Since(start),
	)
	return source, nil
}

// extractSource concatenates text blocks and strips a surrounding
// markdown fence if the model added one despite instructions.
func extractSource(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return stripFence(sb.String())
}

func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	// Drop the opening fence line and the closing fence.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return trimmed
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// mapProviderError folds API and transport failures into the synthesis
// domain errors. Status codes say what the funnel should tell the user;
// everything else is "provider unavailable".
func mapProviderError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			// Rate limiting and exhausted credits both surface as 429;
			// either way the operator must intervene, so both raise the
			// quota notification.
			return shared.WrapError("synth", "Generate", shared.ErrQuotaExceeded, "provider quota exhausted", shared.ErrSynthesisQuota)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return shared.WrapError("synth", "Generate", shared.ErrUnauthorized, "provider rejected credentials", shared.ErrSynthesisAuth)
		case apiErr.StatusCode == 400 && isBillingProblem(apiErr):
			return shared.WrapError("synth", "Generate", shared.ErrQuotaExceeded, "provider quota exhausted", shared.ErrSynthesisQuota)
		case apiErr.StatusCode >= 500:
			return shared.WrapError("synth", "Generate", shared.ErrServiceUnavailable, "provider error", shared.ErrSynthesisUnavailable)
		default:
			return shared.WrapError("synth", "Generate", shared.ErrExternalService, apiErr.Error(), shared.ErrSynthesisUnavailable)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapError("synth", "Generate", shared.ErrTimeout, "generation timed out", shared.ErrSynthesisUnavailable)
	}
	// Transport failure.
	return shared.WrapError("synth", "Generate", shared.ErrServiceUnavailable, "provider unreachable", shared.ErrSynthesisUnavailable)
}

func isBillingProblem(apiErr *sdk.Error) bool {
	msg := strings.ToLower(apiErr.Error())
	for _, hint := range []string{"billing", "credit", "quota", "insufficient"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

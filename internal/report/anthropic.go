package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"autotrader/internal/config"
)

type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

func NewAnthropicGenerator(cfg config.ReportConfig, opts ...option.RequestOption) (*AnthropicGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("report: anthropic api key is empty")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	all := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		all = append(all, option.WithBaseURL(base))
	}
	all = append(all, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(all...),
		model:     model,
		maxTokens: maxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, instrument string, summaries []TradeSummary) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: defaultSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(instrument, summaries))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("report: anthropic: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", errors.New("report: anthropic returned no text")
	}
	return text, nil
}

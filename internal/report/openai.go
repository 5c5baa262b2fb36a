package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"autotrader/internal/config"
)

// OpenAIGenerator also serves OpenAI-compatible endpoints via BaseURL.
type OpenAIGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

func NewOpenAIGenerator(cfg config.ReportConfig, opts ...option.RequestOption) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("report: openai api key is empty")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	all := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		all = append(all, option.WithBaseURL(base))
	}
	all = append(all, opts...)
	return &OpenAIGenerator{
		client:    openai.NewClient(all...),
		model:     model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, instrument string, summaries []TradeSummary) (string, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(defaultSystemPrompt),
			openai.UserMessage(Prompt(instrument, summaries)),
		},
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(g.maxTokens)
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("report: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("report: openai returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("report: openai returned no text")
	}
	return text, nil
}

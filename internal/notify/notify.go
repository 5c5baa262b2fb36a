// Package notify fans short operator messages out to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"autotrader/internal/config"
)

type Sender interface {
	Name() string
	Send(ctx context.Context, title, message string) error
}

// Notifier delivers to every sender; one failing sender does not stop the rest.
type Notifier struct {
	senders []Sender
	logger  *zap.Logger
}

func New(logger *zap.Logger, senders ...Sender) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{senders: senders, logger: logger}
}

// FromConfig returns nil when no webhook is configured.
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	var senders []Sender
	if url := strings.TrimSpace(cfg.SlackWebhookURL); url != "" {
		senders = append(senders, NewSlackSender(url, nil))
	}
	id, token := strings.TrimSpace(cfg.DiscordWebhookID), strings.TrimSpace(cfg.DiscordWebhookToken)
	if id != "" && token != "" {
		s, err := NewDiscordSender(id, token, nil)
		if err != nil {
			if logger != nil {
				logger.Warn("discord notifier disabled", zap.Error(err))
			}
		} else {
			senders = append(senders, s)
		}
	}
	if len(senders) == 0 {
		return nil
	}
	return New(logger, senders...)
}

func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Warn("notify failed", zap.String("sender", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func format(title, message string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return message
	}
	return "*" + title + "*\n" + message
}

type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{url: webhookURL, client: client}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, title, message string) error {
	return slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, &slack.WebhookMessage{
		Text: format(title, message),
	})
}

type DiscordSender struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordSender posts through a webhook, so the session carries no bot token.
func NewDiscordSender(webhookID, webhookToken string, client *http.Client) (*DiscordSender, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	if client != nil {
		session.Client = client
	}
	return &DiscordSender{session: session, id: webhookID, token: webhookToken}, nil
}

func (d *DiscordSender) Name() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Content: format(title, message),
	}, discordgo.WithContext(ctx))
	return err
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
)

type fakeSender struct {
	name  string
	err   error
	calls []string
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.calls = append(f.calls, title+"|"+message)
	return f.err
}

func TestNotifierFanOut(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("down")}
	good := &fakeSender{name: "good"}
	n := New(nil, bad, good)

	err := n.Notify(context.Background(), "Reconcile", "1 closed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, []string{"Reconcile|1 closed"}, good.calls)
	assert.Len(t, bad.calls, 1)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Notify(context.Background(), "t", "m"))
	assert.Nil(t, FromConfig(config.NotifyConfig{}, nil))
}

func TestSlackSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL, srv.Client())
	require.NoError(t, s.Send(context.Background(), "Reconcile", "2 rejected"))
	assert.Equal(t, "*Reconcile*\n2 rejected", got["text"])
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestDiscordSender(t *testing.T) {
	var path, body string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		return &http.Response{
			StatusCode: http.StatusNoContent,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     http.Header{},
			Request:    r,
		}, nil
	})}

	s, err := NewDiscordSender("123", "tok", client)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "", "plain"))
	assert.True(t, strings.HasSuffix(path, "/webhooks/123/tok"), path)
	assert.Contains(t, body, `"content":"plain"`)
}

func TestFromConfig(t *testing.T) {
	n := FromConfig(config.NotifyConfig{SlackWebhookURL: "https://hooks.example/x", DiscordWebhookID: "1", DiscordWebhookToken: "t"}, nil)
	require.NotNil(t, n)
	require.Len(t, n.senders, 2)
	assert.Equal(t, "slack", n.senders[0].Name())
	assert.Equal(t, "discord", n.senders[1].Name())
}

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relayer-monitor/internal/logging"
	"relayer-monitor/internal/storage"
	"relayer-monitor/internal/version"
)

// Notification is the rendered push message.
type Notification struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// Priority maps severities to Gotify priorities.
func Priority(s storage.Severity) int {
	switch s {
	case storage.SeverityCritical:
		return 8
	case storage.SeverityWarning:
		return 5
	default:
		return 2
	}
}

// Render builds the push message for an alert record.
func Render(r storage.AlertRecord) Notification {
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(r.Severity)), strings.ReplaceAll(r.Type, "_", " "))
	if r.ChainName != "" {
		title += " · " + r.ChainName
	}
	return Notification{Title: title, Message: r.Message, Priority: Priority(r.Severity)}
}

// Notifier delivers a notification to an operator-wide channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, record storage.AlertRecord) error
}

// Target is one Gotify application endpoint.
type Target struct {
	URL   string
	Token string
}

// Pusher delivers to a per-subscriber target.
type Pusher interface {
	Push(ctx context.Context, target Target, n Notification) error
}

// GotifyNotifier posts messages to Gotify servers.
type GotifyNotifier struct {
	target Target
	client *http.Client
	logger zerolog.Logger
}

var (
	_ Notifier = (*GotifyNotifier)(nil)
	_ Pusher   = (*GotifyNotifier)(nil)
)

// NewGotifyNotifier constructs a Gotify client. target is the operator
// default used by Notify and may be empty when only Push is used.
func NewGotifyNotifier(target Target, timeout time.Duration, logger zerolog.Logger) *GotifyNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	target.URL = strings.TrimRight(target.URL, "/")
	return &GotifyNotifier{
		target: target,
		client: &http.Client{Timeout: timeout},
		logger: logging.Component(logger, "alert_gotify"),
	}
}

// Name identifies the channel in metrics.
func (n *GotifyNotifier) Name() string { return "gotify" }

// Notify pushes to the operator default target.
func (n *GotifyNotifier) Notify(ctx context.Context, record storage.AlertRecord) error {
	return n.Push(ctx, n.target, Render(record))
}

// Push calls POST /message on target.
func (n *GotifyNotifier) Push(ctx context.Context, target Target, note Notification) error {
	if target.URL == "" || target.Token == "" {
		return fmt.Errorf("gotify target is not configured")
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal gotify payload: %w", err)
	}

	url := strings.TrimRight(target.URL, "/") + "/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gotify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gotify-Key", target.Token)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send gotify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gotify responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	n.logger.Debug().Str("title", note.Title).Int("priority", note.Priority).Msg("notification sent")
	return nil
}

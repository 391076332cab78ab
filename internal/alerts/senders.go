package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const sendTimeout = 5 * time.Second

// Sender delivers one alert on a notification channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, a Alert) error
}

// Dispatcher routes bus publications to channel senders. The log
// channel is always written; other hinted channels deliver only when a
// sender is registered for them, so an unconfigured hint is a no-op.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[string]Sender)}
}

// Register wires a sender under its channel. Nil senders are ignored.
func (d *Dispatcher) Register(s Sender) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Channel()] = s
}

// Handler adapts the dispatcher to a bus subscription.
func (d *Dispatcher) Handler() Handler {
	return func(a Alert) { d.Dispatch(a) }
}

// Dispatch writes the alert to the log and pushes it to every hinted,
// registered channel. Send failures are logged and swallowed: alert
// delivery is best-effort end to end.
func (d *Dispatcher) Dispatch(a Alert) {
	logAlert(a)
	for _, channel := range a.Channels {
		if channel == ChannelLog {
			continue
		}
		d.mu.RLock()
		sender := d.senders[channel]
		d.mu.RUnlock()
		if sender == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := sender.Send(ctx, a); err != nil {
			log.Warn().Err(err).Str("channel", channel).Str("topic", a.Topic).
				Msg("alert delivery failed")
		}
		cancel()
	}
}

func logAlert(a Alert) {
	var ev *zerolog.Event
	switch a.Severity {
	case SeverityCritical, SeverityError:
		ev = log.Error()
	case SeverityWarning:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	if a.Subject != "" {
		ev = ev.Str("subject", a.Subject)
	}
	if len(a.Context) > 0 {
		ev = ev.Interface("context", a.Context)
	}
	ev.Str("topic", a.Topic).Str("severity", a.Severity).Str("alert", a.ID).Msg(a.Message)
}

// SlackSender posts alerts to a Slack incoming-webhook URL. Webhooks
// throttle around one message per second, so sends beyond the local
// limiter are dropped rather than queued.
type SlackSender struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSlackSender builds the sender. An empty URL yields a no-op.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{
		url:     webhookURL,
		client:  &http.Client{Timeout: sendTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *SlackSender) Channel() string { return ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, a Alert) error {
	if s.url == "" {
		return nil
	}
	if !s.limiter.Allow() {
		log.Debug().Str("topic", a.Topic).Msg("slack alert rate limited")
		return nil
	}
	text := fmt.Sprintf("*[%s] %s*\n%s", strings.ToUpper(a.Severity), orMessage(a.Subject, a.Topic), a.Message)
	if a.Body != "" {
		text += "\n" + a.Body
	}
	return postJSON(ctx, s.client, s.url, map[string]string{"text": text})
}

// WebhookSender posts the full alert JSON to a generic HTTP endpoint.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender builds the sender. An empty URL yields a no-op.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{url: url, client: &http.Client{Timeout: sendTimeout}}
}

func (w *WebhookSender) Channel() string { return ChannelWebhook }

func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	if w.url == "" {
		return nil
	}
	return postJSON(ctx, w.client, w.url, a)
}

// EmailSender hands alerts to a mail gateway endpoint; SMTP is never
// spoken directly. Without a gateway URL it is a no-op.
type EmailSender struct {
	url    string
	from   string
	to     string
	client *http.Client
}

func NewEmailSender(gatewayURL, from, to string) *EmailSender {
	return &EmailSender{url: gatewayURL, from: from, to: to, client: &http.Client{Timeout: sendTimeout}}
}

func (e *EmailSender) Channel() string { return ChannelEmail }

func (e *EmailSender) Send(ctx context.Context, a Alert) error {
	if e.url == "" {
		return nil
	}
	payload := map[string]string{
		"from":    e.from,
		"to":      e.to,
		"subject": orMessage(a.Subject, fmt.Sprintf("[%s] %s", a.Severity, a.Topic)),
		"text":    orMessage(a.Body, a.Message),
	}
	return postJSON(ctx, e.client, e.url, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func orMessage(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

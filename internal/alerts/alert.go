// Package alerts is the operational publish/subscribe fan-out: components
// publish topic-keyed alerts, subscribers drain them off per-subscriber
// queues, and channel senders push them to operators.
package alerts

import "time"

// Severity levels, ordered by urgency.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Delivery channel hints carried on each alert. The log channel is
// always written; the rest require a registered sender.
const (
	ChannelLog     = "log"
	ChannelSlack   = "slack"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Topics published by the platform itself. Components may publish their
// own topics; subscribers name what they want.
const (
	TopicAvailability = "provider_availability"
	TopicRisk         = "risk"
	TopicTrading      = "trading"
	TopicReports      = "reports"
	TopicSystem       = "system"
)

// Alert is one publication. The bus stamps ID and At when left empty
// and defaults Severity to info and Channels to {log}.
type Alert struct {
	ID       string         `json:"id"`
	Topic    string         `json:"topic"`
	Severity string         `json:"severity"`
	Subject  string         `json:"subject,omitempty"`
	Message  string         `json:"message"`
	Body     string         `json:"body,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Channels []string       `json:"channels,omitempty"`
	At       time.Time      `json:"at"`
}

// New builds a log-channel alert; callers add context and channels on
// the returned value before publishing.
func New(topic, severity, message string) Alert {
	return Alert{Topic: topic, Severity: severity, Message: message}
}

// HasChannel reports whether the alert hints at the given channel.
func (a Alert) HasChannel(channel string) bool {
	for _, c := range a.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

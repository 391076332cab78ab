package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesHintedChannels(t *testing.T) {
	var slackBody, hookBody []byte
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackBody = readBody(t, r)
	}))
	defer slackSrv.Close()
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hookBody = readBody(t, r)
	}))
	defer hookSrv.Close()

	d := NewDispatcher()
	d.Register(NewSlackSender(slackSrv.URL))
	d.Register(NewWebhookSender(hookSrv.URL))

	// The email hint has no registered sender and must be skipped.
	d.Dispatch(Alert{
		ID:       "alert-1",
		Topic:    TopicRisk,
		Severity: SeverityCritical,
		Subject:  "Kill switch",
		Message:  "engaged: maintenance window",
		Channels: []string{ChannelLog, ChannelSlack, ChannelWebhook, ChannelEmail},
		At:       testStamp,
	})

	var slackMsg map[string]string
	require.NoError(t, json.Unmarshal(slackBody, &slackMsg))
	assert.Contains(t, slackMsg["text"], "[CRITICAL] Kill switch")
	assert.Contains(t, slackMsg["text"], "engaged: maintenance window")

	var posted Alert
	require.NoError(t, json.Unmarshal(hookBody, &posted))
	assert.Equal(t, "alert-1", posted.ID)
	assert.Equal(t, TopicRisk, posted.Topic)
	assert.Equal(t, SeverityCritical, posted.Severity)
}

func TestSlackSenderNoopWithoutURL(t *testing.T) {
	s := NewSlackSender("")
	require.NoError(t, s.Send(context.Background(), New(TopicSystem, SeverityInfo, "quiet")))
}

func TestSlackSenderRateLimits(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	s := NewSlackSender(srv.URL)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Send(context.Background(), New(TopicSystem, SeverityInfo, "burst")))
	}
	assert.Equal(t, int32(5), requests.Load(), "burst beyond the limiter is dropped")
}

func TestEmailSenderPostsGatewayPayload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body = readBody(t, r)
	}))
	defer srv.Close()

	e := NewEmailSender(srv.URL, "alerts@meridian.local", "desk@meridian.local")
	err := e.Send(context.Background(), Alert{
		Topic:    TopicReports,
		Severity: SeverityInfo,
		Subject:  "Daily performance digest",
		Message:  "digest ready",
		Body:     "win rate 64%, 12 trades",
		Channels: []string{ChannelEmail},
	})
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "alerts@meridian.local", payload["from"])
	assert.Equal(t, "desk@meridian.local", payload["to"])
	assert.Equal(t, "Daily performance digest", payload["subject"])
	assert.Equal(t, "win rate 64%, 12 trades", payload["text"])
}

func TestWebhookSenderReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookSender(srv.URL)
	err := w.Send(context.Background(), New(TopicSystem, SeverityError, "oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}

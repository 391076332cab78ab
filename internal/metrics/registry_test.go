package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderRequestObserver(t *testing.T) {
	r := NewRegistry()
	r.ProviderRequest("polygon", "bars", "ok", 120*time.Millisecond)
	r.ProviderRequest("polygon", "bars", "ok", 80*time.Millisecond)
	r.ProviderRequest("twelvedata", "quote", "error", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ProviderRequests.WithLabelValues("polygon", "bars", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProviderRequests.WithLabelValues("twelvedata", "quote", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.ProviderLatency))
}

func TestBrokerCallRecordsSlippageOnlyForFills(t *testing.T) {
	r := NewRegistry()
	r.BrokerCall("oanda", "open", "ok", 1.2)
	r.BrokerCall("oanda", "close", "ok", 9.9)
	r.BrokerCall("mt5", "open", "error", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.BrokerCalls.WithLabelValues("oanda", "open", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BrokerCalls.WithLabelValues("mt5", "open", "error")))
	// only the successful open lands in the slippage histogram
	assert.Equal(t, 1, testutil.CollectAndCount(r.BrokerSlippage))
}

func TestAvailabilityGaugeMapping(t *testing.T) {
	r := NewRegistry()

	r.SetAvailability("operational")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.AvailabilityState))
	r.SetAvailability("degraded")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.AvailabilityState))
	r.SetAvailability("critical")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.AvailabilityState))
	r.SetAvailability("unknown")
	assert.Equal(t, -1.0, testutil.ToFloat64(r.AvailabilityState))
}

func TestSetQuality(t *testing.T) {
	r := NewRegistry()
	r.SetQuality("EURUSD", 82.5, false)
	r.SetQuality("GBPJPY", 31.0, true)

	assert.Equal(t, 82.5, testutil.ToFloat64(r.QualityScore.WithLabelValues("EURUSD")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.PairBreaker.WithLabelValues("EURUSD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PairBreaker.WithLabelValues("GBPJPY")))
}

func TestStepTimerRecordsDurationAndCount(t *testing.T) {
	r := NewRegistry()
	st := r.StartStep("quality_assess")
	st.Stop("ok")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.PipelineSteps.WithLabelValues("quality_assess", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.PipelineDuration))
}

func TestRuntimeSummarizesCounters(t *testing.T) {
	r := NewRegistry()
	r.ProviderRequest("polygon", "bars", "ok", time.Millisecond)
	r.ProviderRequest("fixer", "quote", "ok", time.Millisecond)
	r.SignalEmitted("EURUSD", "BUY")
	r.WSClients.Set(3)

	rt := r.Runtime()
	assert.Equal(t, 2.0, rt["meridian_provider_requests_total"])
	assert.Equal(t, 1.0, rt["meridian_signals_total"])
	assert.Equal(t, 3.0, rt["meridian_ws_clients"])
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.SignalEmitted("EURUSD", "SELL")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "meridian_signals_total")
	assert.Contains(t, string(body), `pair="EURUSD"`)
}

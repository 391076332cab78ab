// Package metrics holds the Prometheus registry for the platform. One
// Registry instance is shared by the fetcher, the pipeline, the broker
// router and the interfaces; it satisfies their observer hooks so the
// wiring stays one-directional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry owns every meridian_* collector. It carries its own
// prometheus.Registry so tests can build as many as they like without
// default-registry collisions.
type Registry struct {
	reg *prometheus.Registry

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	PipelineDuration *prometheus.HistogramVec
	PipelineSteps    *prometheus.CounterVec
	SignalsEmitted   *prometheus.CounterVec

	BrokerCalls    *prometheus.CounterVec
	BrokerSlippage *prometheus.HistogramVec

	AvailabilityState prometheus.Gauge
	FeatureRecords    prometheus.Gauge
	WSClients         prometheus.Gauge
	QualityScore      *prometheus.GaugeVec
	PairBreaker       *prometheus.GaugeVec
}

// NewRegistry builds and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_provider_requests_total",
				Help: "Provider API requests by operation and outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_provider_latency_seconds",
				Help:    "Provider API request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),

		PipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_pipeline_step_duration_seconds",
				Help:    "Duration of each signal pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"step", "result"},
		),
		PipelineSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_pipeline_steps_total",
				Help: "Signal pipeline steps executed by result",
			},
			[]string{"step", "result"},
		),
		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_signals_total",
				Help: "Signals produced by pair and direction",
			},
			[]string{"pair", "direction"},
		),

		BrokerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_broker_calls_total",
				Help: "Broker operations by connector and outcome",
			},
			[]string{"broker", "operation", "outcome"},
		),
		BrokerSlippage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meridian_broker_slippage_pips",
				Help:    "Absolute fill slippage in pips",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
			},
			[]string{"broker"},
		),

		AvailabilityState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_provider_availability_state",
				Help: "Fleet availability (2=operational, 1=degraded, 0=critical, -1=unknown)",
			},
		),
		FeatureRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_feature_store_records",
				Help: "Feature vectors currently retained in memory",
			},
		),
		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meridian_ws_clients",
				Help: "Connected trading-stream websocket clients",
			},
		),
		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_data_quality_score",
				Help: "Latest data quality score per pair (0-100)",
			},
			[]string{"pair"},
		),
		PairBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_pair_breaker_active",
				Help: "Per-pair data quality circuit breaker (1=active)",
			},
			[]string{"pair"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ProviderRequests,
		r.ProviderLatency,
		r.PipelineDuration,
		r.PipelineSteps,
		r.SignalsEmitted,
		r.BrokerCalls,
		r.BrokerSlippage,
		r.AvailabilityState,
		r.FeatureRecords,
		r.WSClients,
		r.QualityScore,
		r.PairBreaker,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ProviderRequest satisfies the fetcher's observer hook.
func (r *Registry) ProviderRequest(provider, operation, outcome string, latency time.Duration) {
	r.ProviderRequests.WithLabelValues(provider, operation, outcome).Inc()
	r.ProviderLatency.WithLabelValues(provider, operation).Observe(latency.Seconds())
}

// BrokerCall satisfies the router's observer hook.
func (r *Registry) BrokerCall(broker, operation, outcome string, slippagePips float64) {
	r.BrokerCalls.WithLabelValues(broker, operation, outcome).Inc()
	if operation == "open" && outcome == "ok" {
		r.BrokerSlippage.WithLabelValues(broker).Observe(slippagePips)
	}
}

// SignalEmitted counts a produced signal.
func (r *Registry) SignalEmitted(pair, direction string) {
	r.SignalsEmitted.WithLabelValues(pair, direction).Inc()
}

// SetAvailability maps the fleet state onto the gauge.
func (r *Registry) SetAvailability(state string) {
	r.AvailabilityState.Set(availabilityGaugeValue(state))
}

// SetQuality records the latest assessment for a pair.
func (r *Registry) SetQuality(pair string, score float64, breakerActive bool) {
	r.QualityScore.WithLabelValues(pair).Set(score)
	active := 0.0
	if breakerActive {
		active = 1.0
	}
	r.PairBreaker.WithLabelValues(pair).Set(active)
}

func availabilityGaugeValue(state string) float64 {
	switch state {
	case "operational":
		return 2
	case "degraded":
		return 1
	case "critical":
		return 0
	default:
		return -1
	}
}

// StepTimer times one pipeline step.
type StepTimer struct {
	reg   *Registry
	step  string
	start time.Time
}

// StartStep begins timing a pipeline step.
func (r *Registry) StartStep(step string) *StepTimer {
	return &StepTimer{reg: r, step: step, start: time.Now()}
}

// Stop records the step duration under the given result. Safe on a nil
// timer so callers can time steps without checking for a registry.
func (st *StepTimer) Stop(result string) {
	if st == nil {
		return
	}
	elapsed := time.Since(st.start)
	st.reg.PipelineDuration.WithLabelValues(st.step, result).Observe(elapsed.Seconds())
	st.reg.PipelineSteps.WithLabelValues(st.step, result).Inc()

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", elapsed).
		Msg("pipeline step completed")
}

// Runtime summarizes counter totals for the runtime health endpoint.
// Families that fail to gather are simply absent from the map.
func (r *Registry) Runtime() map[string]float64 {
	out := map[string]float64{}
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("metrics gather failed")
		return out
	}
	for _, fam := range families {
		switch fam.GetName() {
		case "meridian_provider_requests_total",
			"meridian_signals_total",
			"meridian_broker_calls_total",
			"meridian_pipeline_steps_total":
			out[fam.GetName()] = sumFamily(fam)
		case "meridian_ws_clients",
			"meridian_feature_store_records",
			"meridian_provider_availability_state":
			out[fam.GetName()] = gaugeValue(fam)
		}
	}
	return out
}

func sumFamily(fam *dto.MetricFamily) float64 {
	total := 0.0
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(fam *dto.MetricFamily) float64 {
	ms := fam.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

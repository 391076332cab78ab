// Package availability classifies provider-fleet health from rolling
// request metrics and keeps a bounded sample history with SLO tracking.
package availability

import "time"

// Status is the fleet-level classification.
type Status string

const (
	StatusOperational Status = "operational"
	StatusDegraded    Status = "degraded"
	StatusCritical    Status = "critical"
	StatusUnknown     Status = "unknown"
)

// Inputs is one observation of the provider fleet.
type Inputs struct {
	TotalProviders    int
	BlockedProviders  int // in cooldown or breaker-open
	TotalTimeframes   int
	BlockedTimeframes int
	AggregateQuality  float64 // mean composite quality, 0..100
	OpenBreakers      []string
}

// Sample is a classified observation retained in the history ring.
type Sample struct {
	Timestamp             time.Time `json:"timestamp"`
	Status                Status    `json:"status"`
	BlockedProviderRatio  float64   `json:"blocked_provider_ratio"`
	BlockedTimeframeRatio float64   `json:"blocked_timeframe_ratio"`
	AggregateQuality      float64   `json:"aggregate_quality"`
	OpenBreakers          []string  `json:"open_breakers,omitempty"`
}

// Classify applies the fleet rules to one observation. Critical outranks
// degraded; a fleet with no providers configured is critical outright.
func Classify(in Inputs) Status {
	if in.TotalProviders == 0 {
		return StatusCritical
	}
	providerRatio := float64(in.BlockedProviders) / float64(in.TotalProviders)
	timeframeRatio := 0.0
	if in.TotalTimeframes > 0 {
		timeframeRatio = float64(in.BlockedTimeframes) / float64(in.TotalTimeframes)
	}

	if providerRatio >= 0.5 || timeframeRatio >= 0.5 || in.AggregateQuality < 40 {
		return StatusCritical
	}
	if providerRatio >= 0.25 || in.AggregateQuality < 70 || len(in.OpenBreakers) > 0 {
		return StatusDegraded
	}
	if in.BlockedTimeframes > 0 {
		return StatusDegraded
	}
	return StatusOperational
}

// NewSample classifies inputs and stamps the resulting sample.
func NewSample(in Inputs, at time.Time) Sample {
	s := Sample{
		Timestamp:        at,
		Status:           Classify(in),
		AggregateQuality: in.AggregateQuality,
		OpenBreakers:     in.OpenBreakers,
	}
	if in.TotalProviders > 0 {
		s.BlockedProviderRatio = float64(in.BlockedProviders) / float64(in.TotalProviders)
	}
	if in.TotalTimeframes > 0 {
		s.BlockedTimeframeRatio = float64(in.BlockedTimeframes) / float64(in.TotalTimeframes)
	}
	return s
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianfx/meridian/internal/availability"
	"github.com/meridianfx/meridian/internal/config"
	"github.com/meridianfx/meridian/internal/domain"
	"github.com/meridianfx/meridian/internal/providers"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe data providers and print fleet availability",
	Long: `Fetch one quote from every configured provider, print the probe
results and classify overall fleet availability. Exits non-zero when the
fleet is critical.

Examples:
  meridian health
  meridian health --json --timeout 5s`,
	RunE: runHealth,
}

var (
	healthJSON    bool
	healthTimeout time.Duration
	healthPair    string
)

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Machine-readable output")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "Per-provider probe deadline")
	healthCmd.Flags().StringVar(&healthPair, "pair", "EURUSD", "Probe pair")
}

type providerProbe struct {
	Provider   string  `json:"provider"`
	Configured bool    `json:"configured"`
	OK         bool    `json:"ok"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type healthReport struct {
	At           time.Time           `json:"at"`
	Availability availability.Status `json:"availability"`
	Quality      float64             `json:"aggregate_quality"`
	Probes       []providerProbe     `json:"probes"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	pair, err := domain.ParsePair(healthPair)
	if err != nil {
		return err
	}

	cfg := config.Load()
	registry := providerRegistry(cfg.Providers)
	order := activeOrder(cfg.Providers)
	tracker := providers.NewTracker(defaultQuotas)

	report := healthReport{At: time.Now().UTC()}
	configured := 0
	for _, name := range order {
		p := registry[name]
		probe := providerProbe{Provider: name, Configured: p.IsConfigured()}
		if !probe.Configured {
			report.Probes = append(report.Probes, probe)
			continue
		}
		configured++

		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		start := time.Now()
		_, err := p.FetchQuote(ctx, pair)
		cancel()
		latency := time.Since(start)

		probe.LatencyMs = float64(latency.Milliseconds())
		if err != nil {
			probe.Error = err.Error()
			tracker.RecordFailure(name, false)
		} else {
			probe.OK = true
			tracker.RecordSuccess(name, latency)
		}
		probe.Quality = tracker.Quality(name)
		report.Probes = append(report.Probes, probe)
	}

	in := availability.Inputs{TotalProviders: configured}
	var qualitySum float64
	for _, pr := range report.Probes {
		if !pr.Configured {
			continue
		}
		if !pr.OK {
			in.BlockedProviders++
		}
		qualitySum += pr.Quality
	}
	if configured > 0 {
		in.AggregateQuality = qualitySum / float64(configured)
	}
	report.Availability = availability.Classify(in)
	report.Quality = in.AggregateQuality

	if healthJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printHealthTable(report)
	}

	if report.Availability == availability.StatusCritical {
		return fmt.Errorf("fleet availability is critical")
	}
	return nil
}

func printHealthTable(r healthReport) {
	fmt.Printf("fleet: %s  (aggregate quality %.1f)\n\n", r.Availability, r.Quality)
	fmt.Printf("%-14s %-12s %-10s %-10s %s\n", "PROVIDER", "CONFIGURED", "PROBE", "LATENCY", "DETAIL")
	for _, p := range r.Probes {
		if !p.Configured {
			fmt.Printf("%-14s %-12s %-10s %-10s %s\n", p.Provider, "no", "-", "-", "missing api key")
			continue
		}
		state := "ok"
		detail := fmt.Sprintf("quality %.1f", p.Quality)
		if !p.OK {
			state = "fail"
			detail = p.Error
		}
		fmt.Printf("%-14s %-12s %-10s %-10s %s\n",
			p.Provider, "yes", state, fmt.Sprintf("%.0fms", p.LatencyMs), detail)
	}
}

// Package scoring blends the analyzer reads into a calibrated directional
// probability. A rule-based score always runs; a tree ensemble joins the
// blend once a trained model is loaded.
package scoring

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridianfx/meridian/internal/domain"
)

// Config tunes the rule blend and the ensemble.
type Config struct {
	WeightEconomic  float64 // default 0.20
	WeightNews      float64 // default 0.20
	WeightTechnical float64 // default 0.60
	Temperature     float64 // sigmoid temperature, default 0.40
	RuleWeight      float64 // ensemble weight of ruleProb, default 1
	ModelWeight     float64 // ensemble weight of modelProb, default 1
}

// DefaultConfig returns the desk defaults.
func DefaultConfig() Config {
	return Config{
		WeightEconomic:  0.20,
		WeightNews:      0.20,
		WeightTechnical: 0.60,
		Temperature:     0.40,
		RuleWeight:      1,
		ModelWeight:     1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WeightEconomic <= 0 && c.WeightNews <= 0 && c.WeightTechnical <= 0 {
		c.WeightEconomic, c.WeightNews, c.WeightTechnical = d.WeightEconomic, d.WeightNews, d.WeightTechnical
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.RuleWeight <= 0 {
		c.RuleWeight = d.RuleWeight
	}
	if c.ModelWeight <= 0 {
		c.ModelWeight = d.ModelWeight
	}
	return c
}

// Result is the scorer verdict for one pair.
type Result struct {
	Pair         string            `json:"pair"`
	Probability  float64           `json:"probability"`
	RuleProb     float64           `json:"rule_prob"`
	ModelProb    *float64          `json:"model_prob,omitempty"`
	Direction    domain.Direction  `json:"direction"`
	Confidence   float64           `json:"confidence"`  // 0..99.5
	FinalScore   float64           `json:"final_score"` // -100..100
	Thresholds   Thresholds        `json:"thresholds"`
	Features     FeatureVector     `json:"features"`
	Explanations []string          `json:"explanations,omitempty"`
	Diagnostics  map[string]string `json:"diagnostics,omitempty"`
	ScoredAt     time.Time         `json:"scored_at"`
}

// Scorer is safe for concurrent use. The model swaps atomically under a
// lock so an optimization run never tears a prediction.
type Scorer struct {
	cfg        Config
	thresholds *ThresholdBook

	mu    sync.RWMutex
	model *Model
}

// NewScorer builds a scorer with the given config and a fresh threshold
// book.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults(), thresholds: NewThresholdBook()}
}

// Thresholds exposes the per-pair book for optimization and inspection.
func (s *Scorer) Thresholds() *ThresholdBook { return s.thresholds }

// SetModel installs a trained ensemble; nil reverts to rule-only.
func (s *Scorer) SetModel(m *Model) {
	s.mu.Lock()
	s.model = m
	s.mu.Unlock()
	if m.HasTrees() {
		log.Info().Str("version", m.Version).Int("trees", len(m.Trees)).
			Time("trained_at", m.TrainedAt).Msg("scoring model installed")
	}
}

// Model returns the installed model, possibly nil.
func (s *Scorer) Model() *Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Score blends the analyses into a probability and classifies it against
// the pair's thresholds. Never errors: missing analyses contribute zero
// features and the result degrades toward NEUTRAL.
func (s *Scorer) Score(pair domain.Pair, in Inputs) *Result {
	features := Extract(in)
	ruleProb := s.ruleProbability(features)

	prob := ruleProb
	var modelProb *float64
	diagnostics := map[string]string{}

	model := s.Model()
	if model.HasTrees() {
		mp := model.Predict(features.Slice())
		modelProb = &mp
		prob = (s.cfg.RuleWeight*ruleProb + s.cfg.ModelWeight*mp) / (s.cfg.RuleWeight + s.cfg.ModelWeight)
		diagnostics["model_version"] = model.Version
	} else {
		diagnostics["reason"] = "model_untrained"
	}

	thresholds := s.thresholds.Get(pair.Symbol)
	return &Result{
		Pair:         pair.Symbol,
		Probability:  prob,
		RuleProb:     ruleProb,
		ModelProb:    modelProb,
		Direction:    thresholds.Classify(prob),
		Confidence:   math.Min(99.5, math.Abs(prob-0.5)*190),
		FinalScore:   (prob - 0.5) * 200,
		Thresholds:   thresholds,
		Features:     features,
		Explanations: explain(features, s.cfg),
		Diagnostics:  diagnostics,
		ScoredAt:     time.Now(),
	}
}

// ruleProbability normalizes each component to [-1,1], blends with the
// configured weights and squashes through the temperature sigmoid.
func (s *Scorer) ruleProbability(v FeatureVector) float64 {
	econ := v.EconomicScore / 100
	news := v.NewsScore / 100
	tech := v.TechnicalScore / 150

	total := s.cfg.WeightEconomic + s.cfg.WeightNews + s.cfg.WeightTechnical
	raw := (s.cfg.WeightEconomic*econ + s.cfg.WeightNews*news + s.cfg.WeightTechnical*tech) / total
	return 1 / (1 + math.Exp(-raw/s.cfg.Temperature))
}

// explain lists the weighted component contributions, largest first kept
// simple: three fixed lines in blend order.
func explain(v FeatureVector, cfg Config) []string {
	return []string{
		fmt.Sprintf("economic %.1f x %.0f%%", v.EconomicScore, cfg.WeightEconomic*100),
		fmt.Sprintf("news %.1f x %.0f%%", v.NewsScore, cfg.WeightNews*100),
		fmt.Sprintf("technical %.1f x %.0f%%", v.TechnicalScore, cfg.WeightTechnical*100),
	}
}

package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfx/meridian/internal/analysis/technical"
	"github.com/meridianfx/meridian/internal/domain"
)

func TestScoreNeutralInputs(t *testing.T) {
	s := NewScorer(DefaultConfig())

	out := s.Score(domain.MustPair("EURUSD"), Inputs{})

	assert.InDelta(t, 0.5, out.Probability, 1e-9)
	assert.Equal(t, domain.DirectionNeutral, out.Direction)
	assert.InDelta(t, 0.0, out.Confidence, 1e-9)
	assert.InDelta(t, 0.0, out.FinalScore, 1e-9)
	assert.Equal(t, "model_untrained", out.Diagnostics["reason"])
	assert.Nil(t, out.ModelProb)
}

func TestScoreStrongTechnicalBuys(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tech := &technical.Analysis{Score: 120, Strength: 80, Direction: domain.DirectionBuy}

	out := s.Score(domain.MustPair("EURUSD"), Inputs{Technical: tech})

	// raw = 0.6*(120/150) = 0.48; sigmoid(0.48/0.4)
	want := 1 / (1 + math.Exp(-1.2))
	assert.InDelta(t, want, out.Probability, 1e-9)
	assert.Equal(t, domain.DirectionBuy, out.Direction)
	assert.InDelta(t, math.Abs(want-0.5)*190, out.Confidence, 1e-9)
	assert.InDelta(t, (want-0.5)*200, out.FinalScore, 1e-9)
	assert.Len(t, out.Explanations, 3)
}

func TestScoreConfidenceSaturates(t *testing.T) {
	s := NewScorer(Config{WeightTechnical: 1, Temperature: 0.05})
	tech := &technical.Analysis{Score: 150, Direction: domain.DirectionBuy}

	out := s.Score(domain.MustPair("EURUSD"), Inputs{Technical: tech})

	// |p-0.5|*190 tops out at 95 as prob approaches 1
	assert.InDelta(t, 95.0, out.Confidence, 0.01)
	assert.Greater(t, out.FinalScore, 99.0)
	assert.LessOrEqual(t, out.Confidence, 99.5)
}

func TestScoreEnsembleAveragesRuleAndModel(t *testing.T) {
	s := NewScorer(DefaultConfig())
	s.SetModel(&Model{
		Version:      "v1",
		LearningRate: 1,
		Trees:        []*TreeNode{{Leaf: true, Value: 2}},
	})

	out := s.Score(domain.MustPair("EURUSD"), Inputs{})

	modelProb := 1 / (1 + math.Exp(-2.0))
	require.NotNil(t, out.ModelProb)
	assert.InDelta(t, modelProb, *out.ModelProb, 1e-9)
	assert.InDelta(t, (0.5+modelProb)/2, out.Probability, 1e-9)
	assert.Equal(t, "v1", out.Diagnostics["model_version"])
	assert.Empty(t, out.Diagnostics["reason"])
}

func TestScoreSellSide(t *testing.T) {
	s := NewScorer(DefaultConfig())
	tech := &technical.Analysis{Score: -120, Direction: domain.DirectionSell}

	out := s.Score(domain.MustPair("USDJPY"), Inputs{Technical: tech})

	assert.Less(t, out.Probability, 0.45)
	assert.Equal(t, domain.DirectionSell, out.Direction)
	assert.Less(t, out.FinalScore, 0.0)
}

func TestScoreUsesPairThresholds(t *testing.T) {
	s := NewScorer(DefaultConfig())
	// push the buy bar above what a moderate read can reach
	s.Thresholds().Set("EURUSD", Thresholds{Buy: 0.70, Sell: 0.30})
	tech := &technical.Analysis{Score: 60, Direction: domain.DirectionBuy}

	out := s.Score(domain.MustPair("EURUSD"), Inputs{Technical: tech})

	// sigmoid(0.6*0.4/0.4) = sigmoid(0.6) ~= 0.646: BUY on defaults, NEUTRAL here
	assert.Greater(t, out.Probability, DefaultThresholds().Buy)
	assert.Equal(t, domain.DirectionNeutral, out.Direction)
	assert.InDelta(t, 0.70, out.Thresholds.Buy, 1e-9)
}

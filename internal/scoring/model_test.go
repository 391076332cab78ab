package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitTree branches on technical_score at 0: negative left, positive right.
func splitTree(left, right float64) *TreeNode {
	return &TreeNode{
		Feature:   5, // technical_score
		Threshold: 0,
		Left:      &TreeNode{Leaf: true, Value: left},
		Right:     &TreeNode{Leaf: true, Value: right},
	}
}

func TestModelPredictFollowsSplit(t *testing.T) {
	m := &Model{LearningRate: 1, Trees: []*TreeNode{splitTree(-1.5, 1.5)}}

	bull := FeatureVector{TechnicalScore: 80}
	bear := FeatureVector{TechnicalScore: -80}

	assert.Greater(t, m.Predict(bull.Slice()), 0.7)
	assert.Less(t, m.Predict(bear.Slice()), 0.3)
}

func TestModelPredictSumsTreesWithLearningRate(t *testing.T) {
	m := &Model{
		Bias:         0.5,
		LearningRate: 0.1,
		Trees: []*TreeNode{
			{Leaf: true, Value: 1},
			{Leaf: true, Value: 1},
		},
	}
	// logit = 0.5 + 0.1 + 0.1 = 0.7
	assert.InDelta(t, sigmoid(0.7), m.Predict(FeatureVector{}.Slice()), 1e-9)
}

func TestModelEmptyReturnsUninformative(t *testing.T) {
	var m *Model
	assert.False(t, m.HasTrees())
	assert.InDelta(t, 0.5, m.Predict(FeatureVector{}.Slice()), 1e-9)
	assert.False(t, (&Model{}).HasTrees())
}

func TestLoadModelRoundTrip(t *testing.T) {
	src := &Model{
		Version:      "2025.07",
		LearningRate: 0.15,
		Bias:         -0.2,
		Features:     FeatureNames(),
		Trees:        []*TreeNode{splitTree(-1, 1)},
	}
	blob, err := src.Blob()
	require.NoError(t, err)

	got, err := LoadModel(blob)
	require.NoError(t, err)
	assert.Equal(t, "2025.07", got.Version)
	require.True(t, got.HasTrees())
	assert.InDelta(t,
		src.Predict(FeatureVector{TechnicalScore: 50}.Slice()),
		got.Predict(FeatureVector{TechnicalScore: 50}.Slice()), 1e-9)
}

func TestLoadModelRejectsBadGeometry(t *testing.T) {
	bad := &Model{Trees: []*TreeNode{{
		Feature:   99,
		Threshold: 0,
		Left:      &TreeNode{Leaf: true},
		Right:     &TreeNode{Leaf: true},
	}}}
	blob, err := bad.Blob()
	require.NoError(t, err)

	_, err = LoadModel(blob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feature index")
}

func TestLoadModelRejectsFeatureMismatch(t *testing.T) {
	bad := &Model{Features: []string{"a", "b"}}
	blob, err := bad.Blob()
	require.NoError(t, err)

	_, err = LoadModel(blob)
	require.Error(t, err)
}

func TestLoadModelRejectsMissingChild(t *testing.T) {
	bad := &Model{Trees: []*TreeNode{{Feature: 0, Threshold: 1}}}
	blob, err := bad.Blob()
	require.NoError(t, err)

	_, err = LoadModel(blob)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing children")
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

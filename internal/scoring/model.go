package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TreeNode is one node of a regression tree. Leaves carry Value; internal
// nodes split on Feature (index into featureNames) at Threshold, with
// values below the threshold descending Left.
type TreeNode struct {
	Leaf      bool      `json:"leaf"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Left      *TreeNode `json:"left,omitempty"`
	Right     *TreeNode `json:"right,omitempty"`
	Value     float64   `json:"value,omitempty"`
}

func (n *TreeNode) eval(features []float64) float64 {
	cur := n
	for cur != nil && !cur.Leaf {
		if cur.Feature < 0 || cur.Feature >= len(features) {
			return 0
		}
		if features[cur.Feature] < cur.Threshold {
			cur = cur.Left
		} else {
			cur = cur.Right
		}
	}
	if cur == nil {
		return 0
	}
	return cur.Value
}

// validate rejects geometry the scorer cannot evaluate.
func (n *TreeNode) validate(featureCount int) error {
	if n == nil {
		return fmt.Errorf("nil node")
	}
	if n.Leaf {
		return nil
	}
	if n.Feature < 0 || n.Feature >= featureCount {
		return fmt.Errorf("feature index %d out of range [0,%d)", n.Feature, featureCount)
	}
	if n.Left == nil || n.Right == nil {
		return fmt.Errorf("internal node missing children")
	}
	if err := n.Left.validate(featureCount); err != nil {
		return err
	}
	return n.Right.validate(featureCount)
}

// Model is a gradient-boosted tree ensemble trained offline and shipped
// as a JSON blob. Predict sums leaf values into a logit.
type Model struct {
	Version      string      `json:"version"`
	TrainedAt    time.Time   `json:"trained_at"`
	Samples      int         `json:"samples"`
	LearningRate float64     `json:"learning_rate"`
	Bias         float64     `json:"bias"`
	Features     []string    `json:"features,omitempty"`
	Trees        []*TreeNode `json:"trees"`
}

// LoadModel decodes and validates a persisted model blob.
func LoadModel(blob []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(m.Features) > 0 && len(m.Features) != len(featureNames) {
		return nil, fmt.Errorf("model expects %d features, scorer provides %d", len(m.Features), len(featureNames))
	}
	for i, t := range m.Trees {
		if err := t.validate(len(featureNames)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	if m.LearningRate <= 0 {
		m.LearningRate = 0.1
	}
	return &m, nil
}

// HasTrees reports whether the model can produce a prediction.
func (m *Model) HasTrees() bool { return m != nil && len(m.Trees) > 0 }

// Predict walks every tree and squashes the accumulated logit into a
// probability. Callers must check HasTrees first; an empty ensemble
// returns the uninformative 0.5.
func (m *Model) Predict(features []float64) float64 {
	if !m.HasTrees() {
		return 0.5
	}
	logit := m.Bias
	for _, t := range m.Trees {
		logit += m.LearningRate * t.eval(features)
	}
	return 1 / (1 + math.Exp(-logit))
}

// Blob re-encodes the model for persistence.
func (m *Model) Blob() ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	return out, nil
}

package models

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// ErrFeatureMismatch the input vector does not match the model's feature count
var ErrFeatureMismatch = errors.New("feature count mismatch")

// BrixPredictor predict the brix of a fruit from its normalized readings
type BrixPredictor interface {
	PredictBrix(features []float64) (float64, error)
}

// StatusPrediction output of the status classifier
type StatusPrediction struct {
	// Status percent of the fruit considered good
	Status int
	R      int
	G      int
	B      int
}

// StatusClassifier predict the status of a fruit from its normalized readings and
// predicted brix
type StatusClassifier interface {
	PredictStatus(features []float64) (StatusPrediction, error)
}

// ========================================================================================

// Artifact kinds
const (
	KindLinear   = "linear"
	KindLogistic = "logistic"
)

// LinearBrixModel brix = intercept + coefficients . features
type LinearBrixModel struct {
	Kind         string    `json:"kind"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
}

// PredictBrix implements BrixPredictor
func (m LinearBrixModel) PredictBrix(features []float64) (float64, error) {
	if len(features) != len(m.Coefficients) {
		return 0, fmt.Errorf(
			"%w: brix model takes %d, got %d", ErrFeatureMismatch, len(m.Coefficients), len(features),
		)
	}
	result := m.Intercept
	for idx, coef := range m.Coefficients {
		result += coef * features[idx]
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("brix prediction is not finite")
	}
	return result, nil
}

// LogisticStatusModel status = round(100 * sigmoid(intercept + weights . features)).
// The indicator color is interpolated from BadColor (0%) to GoodColor (100%).
type LogisticStatusModel struct {
	Kind      string    `json:"kind"`
	Intercept float64   `json:"intercept"`
	Weights   []float64 `json:"weights"`
	BadColor  [3]int    `json:"bad_color"`
	GoodColor [3]int    `json:"good_color"`
}

// PredictStatus implements StatusClassifier
func (m LogisticStatusModel) PredictStatus(features []float64) (StatusPrediction, error) {
	if len(features) != len(m.Weights) {
		return StatusPrediction{}, fmt.Errorf(
			"%w: status model takes %d, got %d", ErrFeatureMismatch, len(m.Weights), len(features),
		)
	}
	z := m.Intercept
	for idx, w := range m.Weights {
		z += w * features[idx]
	}
	if math.IsNaN(z) {
		return StatusPrediction{}, fmt.Errorf("status score is not a number")
	}
	score := 1.0 / (1.0 + math.Exp(-z))
	status := int(math.Round(score * 100))
	mix := func(bad, good int) int {
		return int(math.Round(float64(bad) + (float64(good)-float64(bad))*float64(status)/100.0))
	}
	return StatusPrediction{
		Status: status,
		R:      mix(m.BadColor[0], m.GoodColor[0]),
		G:      mix(m.BadColor[1], m.GoodColor[1]),
		B:      mix(m.BadColor[2], m.GoodColor[2]),
	}, nil
}

// ========================================================================================

// LoadBrixArtifact read a brix model artifact
func LoadBrixArtifact(path string) (BrixPredictor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model LinearBrixModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("parse brix artifact %s: %w", path, err)
	}
	if model.Kind != KindLinear {
		return nil, fmt.Errorf("brix artifact %s has unsupported kind '%s'", path, model.Kind)
	}
	if len(model.Coefficients) == 0 {
		return nil, fmt.Errorf("brix artifact %s has no coefficients", path)
	}
	return model, nil
}

// LoadStatusArtifact read a status classifier artifact
func LoadStatusArtifact(path string) (StatusClassifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model LogisticStatusModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("parse status artifact %s: %w", path, err)
	}
	if model.Kind != KindLogistic {
		return nil, fmt.Errorf("status artifact %s has unsupported kind '%s'", path, model.Kind)
	}
	if len(model.Weights) == 0 {
		return nil, fmt.Errorf("status artifact %s has no weights", path)
	}
	for _, color := range [][3]int{model.BadColor, model.GoodColor} {
		for _, c := range color {
			if c < 0 || c > 255 {
				return nil, fmt.Errorf("status artifact %s has invalid color component %d", path, c)
			}
		}
	}
	return model, nil
}

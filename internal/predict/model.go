package predict

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/skywalker-88/stormgate/internal/features"
)

// Result is the outcome of a model evaluation.
type Result struct {
	IsBenign   bool
	RiskScore  float64
	Confidence float64
	// Contributions holds |scaled(f) * importance(f)| per feature, per
	// spec.md §4.4's feature_contributions.
	Contributions map[string]float64
}

// Neutral is the fallback result returned when evaluation fails; it must
// never block traffic on its own (spec.md §4.4 Failure).
var Neutral = Result{IsBenign: true, RiskScore: 0, Confidence: 1}

// Model scores a feature vector under the active sensitivity profile.
// Implementations must be safe for concurrent use.
type Model interface {
	Predict(fv features.FeatureVector, profile SensitivityProfile) (Result, error)
}

// SensitivityProfile is the {confidence_threshold, risk_score_threshold,
// burst_multiplier} tuple a sensitivity tag selects (spec.md §3's
// "Sensitivity profile"). ConfidenceThreshold and RiskScoreThreshold gate
// is_benign (spec.md §4.4 Scoring semantics); BurstMultiplier carries the
// configured burst_multiplier through for collaborators that scale a
// volumetric threshold by it.
type SensitivityProfile struct {
	ConfidenceThreshold float64
	RiskScoreThreshold  float64 // 0-100 scale, same units as Result.RiskScore
	BurstMultiplier     float64
}

// ProfileForTag resolves a sensitivity tag to its confidence/risk
// thresholds, mirroring the original classifier's SENSITIVITY_THRESHOLDS
// table (original_source/app/services/ml_model.py). burstMultiplier is the
// operator-configured value (spec.md §6 `burst_multiplier`), carried
// through unchanged since the config table treats it as an independent key
// rather than a per-tag constant. Unrecognized tags fall back to medium.
func ProfileForTag(tag string, burstMultiplier float64) SensitivityProfile {
	switch tag {
	case "low":
		return SensitivityProfile{ConfidenceThreshold: 0.85, RiskScoreThreshold: 85, BurstMultiplier: burstMultiplier}
	case "high":
		return SensitivityProfile{ConfidenceThreshold: 0.65, RiskScoreThreshold: 65, BurstMultiplier: burstMultiplier}
	default:
		return SensitivityProfile{ConfidenceThreshold: 0.75, RiskScoreThreshold: 75, BurstMultiplier: burstMultiplier}
	}
}

// coefficient is one feature's linear-model term.
type coefficient struct {
	Weight float64 `json:"weight"`
	Center float64 `json:"center"`
	Scale  float64 `json:"scale"`
}

// linearModelFile is the on-disk JSON shape: {feature: {weight,center,scale}, intercept}.
type linearModelFile struct {
	Features  map[string]coefficient `json:"features"`
	Intercept float64                `json:"intercept"`
}

// LinearModel is a portable stand-in for a trained classifier: a
// standardized weighted sum passed through a logistic link. This is the
// Go-native shape of the "trained model" artifact the detection pipeline
// treats as an opaque external contract.
type LinearModel struct {
	coeffs    map[string]coefficient
	intercept float64
}

// LoadLinearModel reads a coefficient file from path.
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("predict: read model file: %w", err)
	}
	var f linearModelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("predict: parse model file: %w", err)
	}
	if len(f.Features) == 0 {
		return nil, fmt.Errorf("predict: model file %s defines no features", path)
	}
	return &LinearModel{coeffs: f.Features, intercept: f.Intercept}, nil
}

// Predict computes risk_score = (1-P(benign))*100 via a logistic link over
// the standardized, weighted feature sum, then derives is_benign from the
// sensitivity profile's thresholds: confidence ≥ τ_conf ∧ risk_score < τ_risk
// (spec.md §4.4 Scoring semantics).
func (m *LinearModel) Predict(fv features.FeatureVector, profile SensitivityProfile) (Result, error) {
	values := fv.ToMap()

	var z float64
	contributions := make(map[string]float64, len(m.coeffs))
	for name, c := range m.coeffs {
		raw, ok := values[name]
		if !ok {
			continue
		}
		scale := c.Scale
		if scale == 0 {
			scale = 1
		}
		scaled := (raw - c.Center) / scale
		term := scaled * c.Weight
		z += term
		contributions[name] = math.Abs(term)
	}
	z += m.intercept

	pMalicious := sigmoid(z)
	pBenign := 1 - pMalicious
	confidence := math.Max(pBenign, pMalicious)
	riskScore := pMalicious * 100

	return Result{
		IsBenign:      confidence >= profile.ConfidenceThreshold && riskScore < profile.RiskScoreThreshold,
		RiskScore:     riskScore,
		Confidence:    confidence,
		Contributions: contributions,
	}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

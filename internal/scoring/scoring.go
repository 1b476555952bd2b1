// Package scoring implements component F: pure weighted-aggregation
// functions turning KeyResults into Objective scores and Objectives
// into an overall score. Nothing here touches the store or the
// sandbox; callers supply already-loaded entities.
package scoring

import "github.com/zli117/Orbit-sub000/internal/domain"

// KRScore derives a KeyResult's [0,1] score from its measurement type.
// custom_query KRs report their last-cached Score; EvaluateKRs (component E)
// is what keeps that cache current.
func KRScore(kr domain.KeyResult) float64 {
	switch kr.MeasurementType {
	case domain.MeasurementSlider:
		return clamp01(kr.Score)
	case domain.MeasurementCheckboxes:
		if len(kr.CheckboxItems) == 0 {
			return 0
		}
		completed := 0
		for _, item := range kr.CheckboxItems {
			if item.Completed {
				completed++
			}
		}
		return float64(completed) / float64(len(kr.CheckboxItems))
	case domain.MeasurementCustomQuery:
		return clamp01(kr.Score)
	default:
		return 0
	}
}

// ObjectiveScore is Σ(krScore·krWeight) / Σ(krWeight), 0 if total weight is 0.
func ObjectiveScore(krs []domain.KeyResult) float64 {
	var weighted, totalWeight float64
	for _, kr := range krs {
		weighted += KRScore(kr) * kr.Weight
		totalWeight += kr.Weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// WeightedObjective is the minimal shape OverallScore needs, so callers
// don't have to also compute and thread each Objective's KR list here.
type WeightedObjective struct {
	Score  float64
	Weight float64
}

// OverallScore is Σ(objScore·objWeight) / Σ(objWeight), 0 if total weight is 0.
func OverallScore(objectives []WeightedObjective) float64 {
	var weighted, totalWeight float64
	for _, o := range objectives {
		weighted += o.Score * o.Weight
		totalWeight += o.Weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package analysis

import (
	"math"

	"cell_analysis/pkg/config"
	"cell_analysis/pkg/models"
)

// changePercent is the N over N-1 relative change. A zero baseline yields 0
// rather than infinity so a PEG appearing only in window N reads as STABLE.
func changePercent(n1Avg, nAvg float64) float64 {
	if n1Avg == 0 {
		return 0
	}
	return 100 * (nAvg - n1Avg) / n1Avg
}

func classifyTrend(changePct float64, t config.Thresholds) models.Trend {
	switch {
	case math.Abs(changePct) < t.StablePct:
		return models.TrendStable
	case changePct > 0:
		return models.TrendUp
	default:
		return models.TrendDown
	}
}

func classifySignificance(changePct float64, t config.Thresholds) models.Level {
	switch {
	case math.Abs(changePct) >= t.HighPct:
		return models.LevelHigh
	case math.Abs(changePct) >= t.MediumPct:
		return models.LevelMedium
	default:
		return models.LevelLow
	}
}

func classifyConfidence(n1Count, nCount int) float64 {
	if n1Count >= 2 && nCount >= 2 {
		return 0.85
	}
	return 0.5
}

func classifyQuality(n1Count, nCount int) models.Level {
	switch {
	case n1Count >= 3 && nCount >= 3:
		return models.LevelHigh
	case n1Count >= 1 && nCount >= 1:
		return models.LevelMedium
	default:
		return models.LevelLow
	}
}

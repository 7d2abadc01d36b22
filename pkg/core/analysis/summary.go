package analysis

import (
	"cell_analysis/pkg/config"
	"cell_analysis/pkg/models"
)

// summarize folds the record list into SummaryStats. The weighted average
// change reuses each record's weight; a zero weight sum yields 0, and the
// overall trend applies the same thresholds as per-record classification.
func summarize(records []models.ComparisonRecord, t config.Thresholds) models.SummaryStats {
	stats := models.SummaryStats{Total: len(records), OverallTrend: models.TrendStable}

	var weightedSum, weightTotal float64
	for _, r := range records {
		switch r.Trend {
		case models.TrendUp:
			stats.Improved++
		case models.TrendDown:
			stats.Declined++
		default:
			stats.Stable++
		}
		weightedSum += float64(r.Weight) * r.ChangePct
		weightTotal += float64(r.Weight)
	}

	if weightTotal > 0 {
		stats.WeightedAvgChange = weightedSum / weightTotal
	}
	stats.OverallTrend = classifyTrend(stats.WeightedAvgChange, t)
	return stats
}

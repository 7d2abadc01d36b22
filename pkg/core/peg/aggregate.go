// Package peg turns raw samples into per-window aggregates and applies
// user-defined derived-PEG formulas. Identifier capture happens here, before
// the groupwise reduction, because the reduction drops the identifier
// columns: it is a first-class step of the aggregation contract, not an
// emergent property of grouping.
package peg

import (
	"math"
	"sort"
	"strings"

	"cell_analysis/pkg/models"
)

// Aggregate groups raw rows by PEG name and computes per-group statistics.
// The returned identifiers come from the first rows carrying them; fields no
// row provides stay empty.
func Aggregate(raw []models.RawSample, tag models.WindowTag) ([]models.AggregatedPEG, models.AnalysisIdentifiers) {
	ids := captureIdentifiers(raw)

	groups := make(map[string][]float64)
	for _, sample := range raw {
		groups[sample.PEGName] = append(groups[sample.PEGName], sample.Value)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	aggregated := make([]models.AggregatedPEG, 0, len(names))
	for _, name := range names {
		values := groups[name]
		avg := mean(values)
		aggregated = append(aggregated, models.AggregatedPEG{
			PEGName: name,
			Window:  tag,
			Avg:     avg,
			Count:   len(values),
			RSD:     relativeStdDev(values, avg),
		})
	}
	return aggregated, ids
}

// captureIdentifiers reads ne_key, host_name and index_name from the first
// non-empty occurrence of each, then derives cell_id from index_name.
func captureIdentifiers(raw []models.RawSample) models.AnalysisIdentifiers {
	var ids models.AnalysisIdentifiers
	for _, sample := range raw {
		if ids.NEID == "" && sample.NEKey != "" {
			ids.NEID = sample.NEKey
		}
		if ids.SWName == "" && sample.HostName != "" {
			ids.SWName = sample.HostName
		}
		if ids.CellID == "" {
			if sample.CellID != "" {
				ids.CellID = sample.CellID
			} else if sample.IndexName != "" {
				ids.CellID = CellIDFromIndexName(sample.IndexName)
			}
		}
		if ids.NEID != "" && ids.SWName != "" && ids.CellID != "" {
			break
		}
	}
	return ids
}

// CellIDFromIndexName derives a cell id from the trailing digit run of an
// index name split by '_': "PEG_420_2010" yields "2010". When the last
// segment is not all digits but the penultimate one is, the penultimate
// wins; otherwise the result is empty.
func CellIDFromIndexName(indexName string) string {
	parts := strings.Split(indexName, "_")
	if len(parts) == 0 {
		return ""
	}
	if last := parts[len(parts)-1]; allDigits(last) {
		return last
	}
	if len(parts) >= 2 {
		if penultimate := parts[len(parts)-2]; allDigits(penultimate) {
			return penultimate
		}
	}
	return ""
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// relativeStdDev is the sample standard deviation over the mean, in percent.
// Zero when fewer than two samples or the mean is zero.
func relativeStdDev(values []float64, avg float64) float64 {
	if len(values) < 2 || avg == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - avg
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / float64(len(values)-1))
	return 100 * std / avg
}

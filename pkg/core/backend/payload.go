// Package backend shapes a completed analysis into the downstream payload
// and posts it. The post is best-effort: a delivery failure is recorded in
// result metadata, never surfaced as an analysis error.
package backend

import (
	"fmt"

	"cell_analysis/pkg/core/timerange"
	"cell_analysis/pkg/models"
)

// Payload is the external backend document.
type Payload struct {
	NEID           string          `json:"ne_id"`
	CellID         string          `json:"cell_id"`
	SWName         string          `json:"swname"`
	RelVer         string          `json:"rel_ver,omitempty"`
	AnalysisPeriod AnalysisPeriod  `json:"analysis_period"`
	AnalysisID     string          `json:"analysis_id"`
	LLMAnalysis    LLMAnalysis     `json:"llm_analysis"`
	PEGComparisons []PEGComparison `json:"peg_comparisons"`
	ChoiResult     interface{}     `json:"choi_result,omitempty"`
}

// AnalysisPeriod carries the four window boundaries as local-time strings.
type AnalysisPeriod struct {
	NMinus1Start string `json:"n_minus_1_start"`
	NMinus1End   string `json:"n_minus_1_end"`
	NStart       string `json:"n_start"`
	NEnd         string `json:"n_end"`
}

// LLMAnalysis is the payload-side qualitative block. Slices are always
// non-nil so the JSON never contains null where a list belongs.
type LLMAnalysis struct {
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence,omitempty"`
	ModelName       string   `json:"model_name,omitempty"`
}

// PEGComparison flattens one ComparisonRecord.
type PEGComparison struct {
	PEGName        string  `json:"peg_name"`
	Weight         int     `json:"weight"`
	N1Avg          float64 `json:"n1_avg"`
	NAvg           float64 `json:"n_avg"`
	N1RSD          float64 `json:"n1_rsd"`
	NRSD           float64 `json:"n_rsd"`
	ChangeAbsolute float64 `json:"change_absolute"`
	ChangePercent  float64 `json:"change_percent"`
	Trend          string  `json:"trend"`
	Significance   string  `json:"significance"`
	Confidence     float64 `json:"confidence"`
	DataQuality    string  `json:"data_quality"`
	Derived        bool    `json:"derived"`
	CellID         string  `json:"cell_id,omitempty"`
}

// BuildPayload maps an AnalysisResult onto the backend document. Identifier
// values pass through ScalarIdentifier so list- or map-shaped sources reduce
// to plain strings.
func BuildPayload(result *models.AnalysisResult, relVer string, choiResult interface{}) *Payload {
	p := &Payload{
		NEID:       ScalarIdentifier(result.Identifiers.NEID),
		CellID:     ScalarIdentifier(result.Identifiers.CellID),
		SWName:     ScalarIdentifier(result.Identifiers.SWName),
		RelVer:     relVer,
		AnalysisID: result.AnalysisID,
		AnalysisPeriod: AnalysisPeriod{
			NMinus1Start: result.Windows.N1.Start.Format(timerange.CanonicalLayout),
			NMinus1End:   result.Windows.N1.End.Format(timerange.CanonicalLayout),
			NStart:       result.Windows.N.Start.Format(timerange.CanonicalLayout),
			NEnd:         result.Windows.N.End.Format(timerange.CanonicalLayout),
		},
		LLMAnalysis: LLMAnalysis{
			Summary:         result.LLM.Summary,
			Issues:          orEmpty(result.LLM.Issues),
			Recommendations: orEmpty(result.LLM.Recommendations),
			Confidence:      result.LLM.Confidence,
			ModelName:       result.LLM.ModelLabel,
		},
		PEGComparisons: make([]PEGComparison, 0, len(result.Records)),
		ChoiResult:     choiResult,
	}

	for _, r := range result.Records {
		p.PEGComparisons = append(p.PEGComparisons, PEGComparison{
			PEGName:        r.PEGName,
			Weight:         r.Weight,
			N1Avg:          r.N1.Avg,
			NAvg:           r.N.Avg,
			N1RSD:          r.N1.RSD,
			NRSD:           r.N.RSD,
			ChangeAbsolute: r.ChangeAbs,
			ChangePercent:  r.ChangePct,
			Trend:          string(r.Trend),
			Significance:   string(r.Significance),
			Confidence:     r.Confidence,
			DataQuality:    string(r.DataQuality),
			Derived:        r.Derived,
			CellID:         r.CellID,
		})
	}
	return p
}

// ScalarIdentifier reduces a possibly structured identifier to a string:
// lists contribute their first element, maps their "value" or "name" entry,
// everything else its string form.
func ScalarIdentifier(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []interface{}:
		if len(s) == 0 {
			return ""
		}
		return ScalarIdentifier(s[0])
	case []string:
		if len(s) == 0 {
			return ""
		}
		return s[0]
	case map[string]interface{}:
		if inner, ok := s["value"]; ok {
			return ScalarIdentifier(inner)
		}
		if inner, ok := s["name"]; ok {
			return ScalarIdentifier(inner)
		}
		return fmt.Sprintf("%v", s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

package backend

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"cell_analysis/pkg/core/timerange"
	"cell_analysis/pkg/models"
)

func testResult(t *testing.T) *models.AnalysisResult {
	t.Helper()
	parser, err := timerange.NewParser("+09:00")
	if err != nil {
		t.Fatal(err)
	}
	n1, err := parser.Parse("2025-09-04_21:15~2025-09-04_21:30")
	if err != nil {
		t.Fatal(err)
	}
	n, err := parser.Parse("2025-09-05_21:15~2025-09-05_21:30")
	if err != nil {
		t.Fatal(err)
	}
	return &models.AnalysisResult{
		Status:     models.StatusSuccess,
		AnalysisID: "analysis-1",
		Windows:    models.TimeWindows{N1: n1, N: n},
		Identifiers: models.AnalysisIdentifiers{
			NEID: "nvgnb#10000", CellID: "2010", SWName: "host01",
		},
		Records: []models.ComparisonRecord{
			{
				PEGName: "A", Weight: 1,
				N1:        models.AggregatedPEG{Avg: 100, Count: 3, RSD: 1.5},
				N:         models.AggregatedPEG{Avg: 110, Count: 3, RSD: 2.0},
				ChangeAbs: 10, ChangePct: 10,
				Trend: models.TrendUp, Significance: models.LevelMedium,
				Confidence: 0.85, DataQuality: models.LevelHigh,
			},
		},
		LLM: models.LLMAnalysis{
			Summary:         "fine",
			Issues:          []string{},
			Recommendations: []string{"none"},
			Confidence:      0.9,
		},
	}
}

func TestBuildPayload(t *testing.T) {
	p := BuildPayload(testResult(t), "REL22", nil)

	if p.NEID != "nvgnb#10000" || p.CellID != "2010" || p.SWName != "host01" {
		t.Errorf("identifiers: %+v", p)
	}
	if p.RelVer != "REL22" {
		t.Errorf("rel_ver = %q", p.RelVer)
	}
	if p.AnalysisPeriod.NMinus1Start != "2025-09-04 21:15:00" ||
		p.AnalysisPeriod.NEnd != "2025-09-05 21:30:00" {
		t.Errorf("period: %+v", p.AnalysisPeriod)
	}
	if len(p.PEGComparisons) != 1 {
		t.Fatalf("comparisons: %v", p.PEGComparisons)
	}
	cmp := p.PEGComparisons[0]
	if cmp.N1Avg != 100 || cmp.NAvg != 110 || cmp.ChangePercent != 10 || cmp.Trend != "UP" {
		t.Errorf("comparison: %+v", cmp)
	}
}

// Parsing the analysis_period strings back must recover the windows to
// second precision.
func TestPayloadPeriodRoundTrip(t *testing.T) {
	result := testResult(t)
	p := BuildPayload(result, "", nil)

	loc := result.Windows.N1.Start.Location()
	for _, pair := range [][2]interface{}{
		{p.AnalysisPeriod.NMinus1Start, result.Windows.N1.Start},
		{p.AnalysisPeriod.NMinus1End, result.Windows.N1.End},
		{p.AnalysisPeriod.NStart, result.Windows.N.Start},
		{p.AnalysisPeriod.NEnd, result.Windows.N.End},
	} {
		parsed, err := time.ParseInLocation(timerange.CanonicalLayout, pair[0].(string), loc)
		if err != nil {
			t.Fatalf("re-parse %q: %v", pair[0], err)
		}
		if !parsed.Equal(pair[1].(time.Time)) {
			t.Errorf("round trip drifted: %v != %v", parsed, pair[1])
		}
	}
}

func TestPayloadLLMAnalysisNeverNull(t *testing.T) {
	result := testResult(t)
	result.LLM = models.LLMAnalysis{} // nil slices

	data, err := json.Marshal(BuildPayload(result, "", nil))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Contains(text, `"llm_analysis":null`) {
		t.Error("llm_analysis must never be null")
	}
	if !strings.Contains(text, `"issues":[]`) || !strings.Contains(text, `"recommendations":[]`) {
		t.Errorf("empty lists must serialize as [], got %s", text)
	}
}

func TestScalarIdentifier(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"plain", "plain"},
		{[]interface{}{"first", "second"}, "first"},
		{[]string{"a", "b"}, "a"},
		{[]interface{}{}, ""},
		{map[string]interface{}{"value": "v1"}, "v1"},
		{map[string]interface{}{"name": "n1"}, "n1"},
		{map[string]interface{}{"value": []interface{}{"nested"}}, "nested"},
		{nil, ""},
		{42, "42"},
	}
	for _, tc := range cases {
		if got := ScalarIdentifier(tc.in); got != tc.want {
			t.Errorf("ScalarIdentifier(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

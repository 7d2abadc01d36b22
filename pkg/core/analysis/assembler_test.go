package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"cell_analysis/pkg/config"
	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/core/llm"
	"cell_analysis/pkg/core/prompt"
	"cell_analysis/pkg/core/timerange"
	"cell_analysis/pkg/models"
)

// fakeStore serves canned samples per window tag, keyed by window start.
type fakeStore struct {
	n1Rows []models.RawSample
	nRows  []models.RawSample
	n1At   time.Time
	err    error
}

func (f *fakeStore) Fetch(_ context.Context, w models.TimeWindow, _ models.Filter, _ map[string]string) ([]models.RawSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	if w.Start.Equal(f.n1At) {
		return f.n1Rows, nil
	}
	return f.nRows, nil
}

// fakeLLM replays scripted completions in order.
type fakeLLM struct {
	responses []string
	calls     int
	prompts   []string
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, p string) (*llm.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, p)
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &llm.Completion{
		Text:           f.responses[idx],
		Endpoint:       "http://fake",
		EndpointsTried: []string{"http://down", "http://fake"},
	}, nil
}

const validLLMResponse = `{"summary": "cell looks healthy", "issues": [], "recommendations": ["none"], "confidence": 0.9}`

func testConfig(t *testing.T) *config.Settings {
	t.Helper()
	doc := `
metadata:
  version: "v1"
prompts:
  overall: "Overall: {data_preview}"
  enhanced: "Enhanced: {n_minus_1} vs {n}: {data_preview}"
  specific: "Specific {selected_pegs}: {data_preview}"
`
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	return &config.Settings{
		DefaultTZOffset:   "+09:00",
		PromptPreviewRows: 200,
		TemplatePath:      path,
		LLM:               config.LLMSettings{Model: "test-model", CharsPerToken: 3.5},
		Thresholds:        config.Thresholds{StablePct: 5, MediumPct: 10, HighPct: 20},
	}
}

func rows(name, ne, host, index string, values ...float64) []models.RawSample {
	out := make([]models.RawSample, 0, len(values))
	for _, v := range values {
		out = append(out, models.RawSample{
			PEGName: name, Value: v, NEKey: ne, HostName: host, IndexName: index,
		})
	}
	return out
}

func newTestAssembler(t *testing.T, st *fakeStore, completer llm.Completer) *Assembler {
	t.Helper()
	cfg := testConfig(t)
	prompts, err := prompt.NewStore(cfg.TemplatePath)
	require.NoError(t, err)
	parser, err := timerange.NewParser(cfg.DefaultTZOffset)
	require.NoError(t, err)
	return NewAssembler(st, completer, prompts, parser, cfg)
}

func baseRequest() *models.AnalysisRequest {
	return &models.AnalysisRequest{
		NMinus1:    "2025-09-04_21:15~2025-09-04_21:30",
		N:          "2025-09-05_21:15~2025-09-05_21:30",
		EnableMock: true,
	}
}

func n1Start(t *testing.T) time.Time {
	t.Helper()
	parser, err := timerange.NewParser("+09:00")
	require.NoError(t, err)
	w, err := parser.Parse("2025-09-04_21:15~2025-09-04_21:30")
	require.NoError(t, err)
	return w.Start
}

func recordByName(t *testing.T, records []models.ComparisonRecord, name string) models.ComparisonRecord {
	t.Helper()
	for _, r := range records {
		if r.PEGName == name {
			return r
		}
	}
	t.Fatalf("record %q not found in %v", name, records)
	return models.ComparisonRecord{}
}

func TestRunHappyPath(t *testing.T) {
	st := &fakeStore{
		n1At: n1Start(t),
		n1Rows: append(rows("A", "nvgnb#10000", "host01", "PEG_420_2010", 100, 100, 100),
			rows("B", "nvgnb#10000", "host01", "PEG_420_2010", 50, 50, 50)...),
		nRows: append(rows("A", "nvgnb#10000", "host01", "PEG_420_2010", 110, 110, 110),
			rows("B", "nvgnb#10000", "host01", "PEG_420_2010", 50, 50, 50)...),
	}
	completer := &fakeLLM{responses: []string{validLLMResponse}}

	req := baseRequest()
	req.SelectedPEGs = []string{"A", "B"}
	req.PEGDefinitions = map[string]string{"ratio": "A/B"}

	result, err := newTestAssembler(t, st, completer).Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, result.Status)
	require.Len(t, result.Records, 3)

	a := recordByName(t, result.Records, "A")
	require.InDelta(t, 10.0, a.ChangeAbs, 1e-9)
	require.InDelta(t, 10.0, a.ChangePct, 1e-9)
	require.Equal(t, models.TrendUp, a.Trend)
	require.Equal(t, models.LevelMedium, a.Significance)
	require.Equal(t, models.LevelHigh, a.DataQuality)
	require.Equal(t, 0.85, a.Confidence)

	b := recordByName(t, result.Records, "B")
	require.Equal(t, models.TrendStable, b.Trend)
	require.Equal(t, models.LevelLow, b.Significance)

	ratio := recordByName(t, result.Records, "ratio")
	require.True(t, ratio.Derived)
	require.InDelta(t, 2.0, ratio.N1.Avg, 1e-9)
	require.InDelta(t, 2.2, ratio.N.Avg, 1e-9)
	require.InDelta(t, 10.0, ratio.ChangePct, 1e-9)
	require.Equal(t, models.TrendUp, ratio.Trend)

	require.Equal(t, "cell looks healthy", result.LLM.Summary)
	require.Equal(t, result.Summary.Total, len(result.Records))
	require.Equal(t, result.Summary.Total,
		result.Summary.Improved+result.Summary.Declined+result.Summary.Stable)
}

func TestRunIdentifierPrecedence(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "nvgnb#10000", "host01", "PEG_420_2010", 1, 2),
		nRows:  rows("A", "nvgnb#10000", "host01", "PEG_420_2010", 3, 4),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, "nvgnb#10000", result.Identifiers.NEID)
	require.Equal(t, "host01", result.Identifiers.SWName)
	require.Equal(t, "2010", result.Identifiers.CellID)
}

func TestRunIdentifierFallbackToFilters(t *testing.T) {
	st := &fakeStore{n1At: n1Start(t)} // no rows at all
	req := baseRequest()
	req.Filters = models.Filter{NE: "nvgnb#20000", CellIDs: []string{"3000"}, Host: "host02"}

	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, "nvgnb#20000", result.Identifiers.NEID)
	require.Equal(t, "3000", result.Identifiers.CellID)
	require.Equal(t, "host02", result.Identifiers.SWName)
}

func TestRunIdentifierUnknownSentinel(t *testing.T) {
	st := &fakeStore{n1At: n1Start(t)}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, models.IdentifierUnknown, result.Identifiers.NEID)
	require.Equal(t, models.IdentifierUnknown, result.Identifiers.CellID)
	require.Equal(t, models.IdentifierUnknown, result.Identifiers.SWName)
}

func TestRunEmptyComparisonWindow(t *testing.T) {
	st := &fakeStore{
		n1At: n1Start(t),
		n1Rows: append(rows("A", "nvgnb#10000", "host01", "PEG_420_2010", 100, 100),
			rows("B", "nvgnb#10000", "host01", "PEG_420_2010", 50, 50)...),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	for _, r := range result.Records {
		require.Equal(t, 0.0, r.N.Avg)
		require.Equal(t, 0, r.N.Count)
		require.Equal(t, models.LevelLow, r.DataQuality)
		require.Equal(t, 0.5, r.Confidence)
	}
	// Identifiers come from the non-empty window.
	require.Equal(t, "nvgnb#10000", result.Identifiers.NEID)
}

func TestRunAllWindowsEmpty(t *testing.T) {
	st := &fakeStore{n1At: n1Start(t)}
	// The completer would answer with a non-empty summary; it must never get
	// the chance when there is nothing to analyze.
	completer := &fakeLLM{responses: []string{validLLMResponse}}
	result, err := newTestAssembler(t, st, completer).Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, models.StatusSuccess, result.Status)
	require.Empty(t, result.Records)
	require.Equal(t, models.SummaryStats{OverallTrend: models.TrendStable}, result.Summary)
	require.Equal(t, "", result.LLM.Summary)
	require.NotNil(t, result.LLM.Issues)
	require.Zero(t, completer.calls, "llm must not be invoked for an empty comparison")
	require.Equal(t, "no comparison records", result.Metadata["llm_skipped"])
}

func TestRunZeroBaselineIsStable(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 0, 0),
		nRows:  rows("A", "", "", "", 100, 100),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	a := recordByName(t, result.Records, "A")
	require.Equal(t, 0.0, a.ChangePct)
	require.Equal(t, models.TrendStable, a.Trend)
	require.Equal(t, 100.0, a.ChangeAbs)
}

func TestRunFormulaSafety(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1, 2),
		nRows:  rows("A", "", "", "", 3, 4),
	}
	req := baseRequest()
	req.PEGDefinitions = map[string]string{"x": "__import__('os')"}

	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, result.Status)
	require.Len(t, result.Records, 1, "hostile definition must be omitted")

	warnings, ok := result.Metadata["warnings"].([]string)
	require.True(t, ok, "metadata.warnings missing")
	require.NotEmpty(t, warnings)
	require.Contains(t, warnings[0], "derived x:")
}

func TestRunUnknownRefWarning(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1, 2),
		nRows:  rows("A", "", "", "", 3, 4),
	}
	req := baseRequest()
	req.PEGDefinitions = map[string]string{"bad": "A/missing"}

	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), req)
	require.NoError(t, err)

	warnings := result.Metadata["warnings"].([]string)
	require.Contains(t, warnings, "derived bad: unknown ref missing")
}

func TestRunLLMParseRetryThenDegrade(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1, 2),
		nRows:  rows("A", "", "", "", 3, 4),
	}
	completer := &fakeLLM{responses: []string{"no json here at all", "still prose only"}}

	result, err := newTestAssembler(t, st, completer).Run(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, result.Status)
	require.Equal(t, 2, completer.calls, "exactly one stricter retry")
	require.Contains(t, completer.prompts[1], "Return ONLY a JSON object")
	require.Equal(t, true, result.Metadata["llm_parse_failed"])
	require.Equal(t, "", result.LLM.Summary)
	require.NotNil(t, result.LLM.Issues)
	require.Empty(t, result.LLM.Issues)
}

func TestRunLLMParseRetryRecovers(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1, 2),
		nRows:  rows("A", "", "", "", 3, 4),
	}
	completer := &fakeLLM{responses: []string{"prose without structure", validLLMResponse}}

	result, err := newTestAssembler(t, st, completer).Run(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, "cell looks healthy", result.LLM.Summary)
	require.Nil(t, result.Metadata["llm_parse_failed"])
}

func TestRunLLMUnavailableSurfaces(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1, 2),
	}
	completer := &fakeLLM{err: errs.New(errs.KindLLMUnavailable, "all endpoints exhausted")}

	_, err := newTestAssembler(t, st, completer).Run(context.Background(), baseRequest())
	require.True(t, errs.IsKind(err, errs.KindLLMUnavailable))
}

func TestRunStoreFailureSurfaces(t *testing.T) {
	st := &fakeStore{err: errs.New(errs.KindStoreFailure, "connection refused")}
	_, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.True(t, errs.IsKind(err, errs.KindStoreFailure))
}

func TestRunTimeParseFailureSurfaces(t *testing.T) {
	req := baseRequest()
	req.NMinus1 = "definitely not a window"
	_, err := newTestAssembler(t, &fakeStore{}, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), req)
	require.True(t, errs.IsKind(err, errs.KindTimeParse))
}

func TestRunRecordsOrdered(t *testing.T) {
	st := &fakeStore{
		n1At: n1Start(t),
		n1Rows: append(append(rows("zeta", "", "", "", 1), rows("alpha", "", "", "", 1)...),
			rows("mid", "", "", "", 1)...),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, result.Records, 3)
	require.Equal(t, "alpha", result.Records[0].PEGName)
	require.Equal(t, "mid", result.Records[1].PEGName)
	require.Equal(t, "zeta", result.Records[2].PEGName)
}

func TestRunMetadataRecordsEndpoints(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: rows("A", "", "", "", 1),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Equal(t, []string{"http://down", "http://fake"}, result.Metadata["endpoints_tried"])
	require.Equal(t, "v1", result.Metadata["prompt_version"])
}

func TestRunChangeAbsInvariant(t *testing.T) {
	st := &fakeStore{
		n1At:   n1Start(t),
		n1Rows: append(rows("A", "", "", "", 7, 9), rows("B", "", "", "", 4)...),
		nRows:  append(rows("A", "", "", "", 13), rows("C", "", "", "", 2, 2)...),
	}
	result, err := newTestAssembler(t, st, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), baseRequest())
	require.NoError(t, err)

	for _, r := range result.Records {
		require.InDelta(t, r.N.Avg-r.N1.Avg, r.ChangeAbs, 1e-9, "record %s", r.PEGName)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	req := baseRequest()
	req.N = ""
	_, err := newTestAssembler(t, &fakeStore{}, &fakeLLM{responses: []string{validLLMResponse}}).
		Run(context.Background(), req)
	require.True(t, errs.IsKind(err, errs.KindRequestInvalid))
}

func TestCapPromptTokens(t *testing.T) {
	long := strings.Repeat("x", 1000)

	capped, truncated := capPromptTokens(long, 100, 3.5)
	require.True(t, truncated)
	require.LessOrEqual(t, len(capped), 350)
	require.True(t, strings.HasSuffix(capped, "[truncated]"))

	same, truncated := capPromptTokens("short", 100, 3.5)
	require.False(t, truncated)
	require.Equal(t, "short", same)

	same, truncated = capPromptTokens(long, 0, 3.5)
	require.False(t, truncated)
	require.Equal(t, long, same)
}

func TestCapPromptTokensRuneBoundary(t *testing.T) {
	// Three-byte runes so a character-count cut lands mid-rune unless backed up.
	long := strings.Repeat("측", 500)

	capped, truncated := capPromptTokens(long, 100, 3.5)
	require.True(t, truncated)
	require.True(t, utf8.ValidString(capped))
	require.True(t, strings.HasSuffix(capped, "[truncated]"))
}

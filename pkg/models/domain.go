// Package models defines the request, domain and response data structures
// shared by the analysis pipeline. All values live within a single analysis
// invocation; nothing here is persisted by the core.
package models

import "time"

// WindowTag distinguishes the baseline window from the comparison window.
type WindowTag string

const (
	WindowNMinus1 WindowTag = "N-1"
	WindowN       WindowTag = "N"
)

// Trend classifies the direction of a PEG change.
type Trend string

const (
	TrendUp     Trend = "UP"
	TrendDown   Trend = "DOWN"
	TrendStable Trend = "STABLE"
)

// Level is the shared HIGH/MEDIUM/LOW scale used for both significance and
// data quality.
type Level string

const (
	LevelHigh   Level = "HIGH"
	LevelMedium Level = "MEDIUM"
	LevelLow    Level = "LOW"
)

// IdentifierUnknown is the sentinel for identifiers no source could provide.
const IdentifierUnknown = "unknown"

// TimeWindow is a closed time range. Start and End carry the same offset.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Filter restricts which raw samples a fetch returns. Empty slices and empty
// strings mean "no restriction".
type Filter struct {
	NE       string   `json:"ne,omitempty"`
	CellIDs  []string `json:"cellid,omitempty"`
	Host     string   `json:"host,omitempty"`
	PEGNames []string `json:"peg_names,omitempty"`
}

// RawSample is one row returned by the PEG store. Identifier fields may be
// empty per row but are consistent within one analysis.
type RawSample struct {
	Timestamp time.Time
	PEGName   string
	Value     float64
	NEKey     string
	HostName  string
	IndexName string
	CellID    string
}

// AggregatedPEG holds the per-window statistics for one PEG name.
type AggregatedPEG struct {
	PEGName string    `json:"peg_name"`
	Window  WindowTag `json:"window"`
	Avg     float64   `json:"avg"`
	Count   int       `json:"count"`
	RSD     float64   `json:"rsd"` // relative standard deviation, percent
}

// AnalysisIdentifiers are the record-level identifiers captured before the
// groupwise reduction. Each falls back to IdentifierUnknown when no source
// provides it.
type AnalysisIdentifiers struct {
	NEID   string `json:"ne_id"`
	CellID string `json:"cell_id"`
	SWName string `json:"sw_name"`
}

// ComparisonRecord compares one PEG across the two windows.
type ComparisonRecord struct {
	PEGName      string        `json:"peg_name"`
	Weight       int           `json:"weight"`
	N1           AggregatedPEG `json:"n_minus_1"`
	N            AggregatedPEG `json:"n"`
	ChangeAbs    float64       `json:"change_absolute"`
	ChangePct    float64       `json:"change_percent"`
	Trend        Trend         `json:"trend"`
	Significance Level         `json:"significance"`
	Confidence   float64       `json:"confidence"`
	CellID       string        `json:"cell_id,omitempty"`
	DataQuality  Level         `json:"data_quality"`
	Derived      bool          `json:"derived"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// LLMAnalysis is the coerced qualitative interpretation. Fields default to
// empty values, never null.
type LLMAnalysis struct {
	Summary         string            `json:"summary"`
	Issues          []string          `json:"issues"`
	Recommendations []string          `json:"recommendations"`
	PerPEGNotes     map[string]string `json:"per_peg_notes,omitempty"`
	Confidence      float64           `json:"confidence"`
	ModelLabel      string            `json:"model_label,omitempty"`
}

// SummaryStats aggregates all comparison records.
type SummaryStats struct {
	Total             int     `json:"total"`
	Improved          int     `json:"improved"`
	Declined          int     `json:"declined"`
	Stable            int     `json:"stable"`
	WeightedAvgChange float64 `json:"weighted_avg_change"`
	OverallTrend      Trend   `json:"overall_trend"`
}

// TimeWindows pairs the two parsed analysis windows.
type TimeWindows struct {
	N1 TimeWindow `json:"n_minus_1"`
	N  TimeWindow `json:"n"`
}

// AnalysisResult is the full outcome of one pipeline invocation.
type AnalysisResult struct {
	Status      string                 `json:"status"`
	RequestID   string                 `json:"request_id"`
	AnalysisID  string                 `json:"analysis_id"`
	Windows     TimeWindows            `json:"time_windows"`
	Records     []ComparisonRecord     `json:"records"`
	Summary     SummaryStats           `json:"summary"`
	LLM         LLMAnalysis            `json:"llm"`
	Identifiers AnalysisIdentifiers    `json:"identifiers"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

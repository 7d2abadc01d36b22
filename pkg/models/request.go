package models

// AnalysisType selects the prompt variant. Variants are data, not types: the
// value maps straight to a template name in the prompt document.
type AnalysisType string

const (
	AnalysisOverall  AnalysisType = "overall"
	AnalysisEnhanced AnalysisType = "enhanced"
	AnalysisSpecific AnalysisType = "specific"
)

// DBConfig is the per-request relational store connection.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"dbname"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// AnalysisRequest is the validated inbound request. Field names follow the
// external JSON envelope.
type AnalysisRequest struct {
	NMinus1         string            `json:"n_minus_1"`
	N               string            `json:"n"`
	AnalysisType    AnalysisType      `json:"analysis_type"`
	EnableMock      bool              `json:"enable_mock"`
	Table           string            `json:"table"`
	Columns         map[string]string `json:"columns,omitempty"`
	Filters         Filter            `json:"filters"`
	SelectedPEGs    []string          `json:"selected_pegs,omitempty"`
	PEGDefinitions  map[string]string `json:"peg_definitions,omitempty"`
	MaxPromptTokens int               `json:"max_prompt_tokens,omitempty"`
	RelVer          string            `json:"rel_ver,omitempty"`
	DB              *DBConfig         `json:"db,omitempty"`
}

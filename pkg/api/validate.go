// Package api owns the external request and response envelopes: decoding and
// validating inbound analysis requests, and formatting results and errors for
// callers.
package api

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/models"
)

// recognizedFields enumerates the accepted request envelope keys. Anything
// else is ignored with a warning rather than rejected, so clients can evolve
// ahead of the service.
var recognizedFields = map[string]struct{}{
	"n_minus_1":         {},
	"n":                 {},
	"analysis_type":     {},
	"enable_mock":       {},
	"table":             {},
	"columns":           {},
	"filters":           {},
	"selected_pegs":     {},
	"peg_definitions":   {},
	"max_prompt_tokens": {},
	"rel_ver":           {},
	"db":                {},
}

var validAnalysisTypes = map[models.AnalysisType]struct{}{
	models.AnalysisOverall:  {},
	models.AnalysisEnhanced: {},
	models.AnalysisSpecific: {},
}

// tableWhitelist limits the fetch target to known summary tables. Physical
// column names are whitelisted separately by the store.
var tableWhitelist = map[string]struct{}{
	"summary":      {},
	"summary_peg":  {},
	"summary_cell": {},
}

// DecodeRequest parses the raw JSON envelope, applies defaults and validates
// the result. Unknown top-level fields are returned as warnings.
func DecodeRequest(raw []byte) (*models.AnalysisRequest, []string, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, errs.Wrap(errs.KindRequestInvalid, "request is not a JSON object", err)
	}

	var warnings []string
	for field := range generic {
		if _, ok := recognizedFields[field]; !ok {
			warnings = append(warnings, "unknown field ignored: "+field)
			log.Warn().Str("field", field).Msg("unknown request field ignored")
		}
	}

	var req models.AnalysisRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, warnings, errs.Wrap(errs.KindRequestInvalid, "request decoding failed", err)
	}
	if err := Validate(&req); err != nil {
		return nil, warnings, err
	}
	return &req, warnings, nil
}

// Validate applies defaults in place and rejects the request at the first
// violated constraint.
func Validate(req *models.AnalysisRequest) error {
	if req.NMinus1 == "" {
		return errs.New(errs.KindRequestInvalid, "n_minus_1 is required").WithField("n_minus_1")
	}
	if req.N == "" {
		return errs.New(errs.KindRequestInvalid, "n is required").WithField("n")
	}

	if req.AnalysisType == "" {
		req.AnalysisType = models.AnalysisEnhanced
	}
	if _, ok := validAnalysisTypes[req.AnalysisType]; !ok {
		return errs.Newf(errs.KindRequestInvalid, "analysis_type must be one of overall, enhanced, specific; got %q", req.AnalysisType).
			WithField("analysis_type")
	}

	if req.Table == "" {
		req.Table = "summary"
	}
	if _, ok := tableWhitelist[req.Table]; !ok {
		return errs.Newf(errs.KindRequestInvalid, "table %q is not whitelisted", req.Table).
			WithField("table")
	}

	if req.MaxPromptTokens != 0 && req.MaxPromptTokens < 1000 {
		return errs.Newf(errs.KindRequestInvalid, "max_prompt_tokens must be >= 1000, got %d", req.MaxPromptTokens).
			WithField("max_prompt_tokens")
	}

	if !req.EnableMock {
		if req.DB == nil {
			return errs.New(errs.KindRequestInvalid, "db connection is required unless enable_mock is set").
				WithField("db")
		}
		if req.DB.Host == "" {
			return errs.New(errs.KindRequestInvalid, "db.host is required").WithField("db")
		}
		if req.DB.DBName == "" {
			return errs.New(errs.KindRequestInvalid, "db.dbname is required").WithField("db")
		}
		if req.DB.Port == 0 {
			req.DB.Port = 5432
		}
	}
	return nil
}

// Package analysis hosts the pipeline orchestrator: request validation,
// window parsing, parallel fetch and aggregation, derived PEGs, comparison
// classification, prompt assembly and the LLM round-trip.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cell_analysis/pkg/api"
	"cell_analysis/pkg/config"
	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/core/llm"
	"cell_analysis/pkg/core/peg"
	"cell_analysis/pkg/core/prompt"
	"cell_analysis/pkg/core/store"
	"cell_analysis/pkg/core/timerange"
	"cell_analysis/pkg/models"
)

// strictRetryInstruction is appended to the prompt on the one recovery retry
// after an unparseable completion.
const strictRetryInstruction = "\n\nReturn ONLY a JSON object. No prose, no markdown outside the JSON."

// Assembler wires the pipeline stages together. All collaborators arrive via
// the constructor; the assembler holds no mutable state of its own, so one
// instance serves concurrent analyses.
type Assembler struct {
	store   store.PEGStore
	llm     llm.Completer
	prompts *prompt.Store
	parser  *timerange.Parser
	cfg     *config.Settings
}

// NewAssembler builds the orchestrator. pegStore may be nil only when every
// request runs in mock mode; fetches then return no rows.
func NewAssembler(pegStore store.PEGStore, completer llm.Completer, prompts *prompt.Store,
	parser *timerange.Parser, cfg *config.Settings) *Assembler {
	return &Assembler{store: pegStore, llm: completer, prompts: prompts, parser: parser, cfg: cfg}
}

// Run executes one full analysis. The context deadline bounds both fetches
// and the LLM call; on cancellation no partial result is returned.
func (a *Assembler) Run(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	started := time.Now()
	requestID := uuid.NewString()

	if err := api.Validate(req); err != nil {
		return nil, err
	}

	windows, err := a.parseWindows(req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("request_id", requestID).
		Str("n_minus_1", req.NMinus1).Str("n", req.N).
		Str("analysis_type", string(req.AnalysisType)).
		Msg("analysis started")

	filter := req.Filters
	if len(req.SelectedPEGs) > 0 {
		filter.PEGNames = req.SelectedPEGs
	}

	var (
		n1Agg, nAgg []models.AggregatedPEG
		n1IDs, nIDs models.AnalysisIdentifiers
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := a.fetch(gctx, windows.N1, filter, req.Columns)
		if err != nil {
			return err
		}
		n1Agg, n1IDs = peg.Aggregate(raw, models.WindowNMinus1)
		return nil
	})
	g.Go(func() error {
		raw, err := a.fetch(gctx, windows.N, filter, req.Columns)
		if err != nil {
			return err
		}
		nAgg, nIDs = peg.Aggregate(raw, models.WindowN)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := mergeIdentifiers(n1IDs, nIDs)

	d1 := peg.Derive(req.PEGDefinitions, n1Agg, models.WindowNMinus1)
	dn := peg.Derive(req.PEGDefinitions, nAgg, models.WindowN)
	warnings := dedupe(append(append([]string{}, d1.Warnings...), dn.Warnings...))

	records := a.buildRecords(n1Agg, nAgg, d1.PEGs, dn.PEGs, ids, warnings)
	summary := summarize(records, a.cfg.Thresholds)

	metadata := map[string]interface{}{
		"prompt_version": a.prompts.Version(),
		"model":          a.cfg.LLM.Model,
	}
	if req.EnableMock {
		metadata["mock"] = true
	}
	if len(warnings) > 0 {
		metadata["warnings"] = warnings
	}

	// Nothing to analyze means nothing to ask the model: both windows empty
	// yields an empty LLMAnalysis, never model-invented content.
	var llmAnalysis models.LLMAnalysis
	if len(records) == 0 {
		log.Info().Str("request_id", requestID).Msg("no comparison records, skipping llm call")
		metadata["llm_skipped"] = "no comparison records"
		llmAnalysis = coerceLLMAnalysis(nil)
	} else {
		promptText := a.renderPrompt(req, records, summary, ids)
		promptText, capped := capPromptTokens(promptText, req.MaxPromptTokens, a.cfg.LLM.CharsPerToken)
		if capped {
			metadata["prompt_truncated"] = true
		}

		llmAnalysis, err = a.invokeLLM(ctx, promptText, metadata)
		if err != nil {
			return nil, err
		}
	}

	result := &models.AnalysisResult{
		Status:      models.StatusSuccess,
		RequestID:   requestID,
		AnalysisID:  uuid.NewString(),
		Windows:     windows,
		Records:     records,
		Summary:     summary,
		LLM:         llmAnalysis,
		Identifiers: resolveIdentifiers(ids, req.Filters),
		Metadata:    metadata,
	}

	log.Info().Str("request_id", requestID).Str("analysis_id", result.AnalysisID).
		Int("records", len(records)).
		Dur("elapsed", time.Since(started)).
		Msg("analysis completed")
	return result, nil
}

func (a *Assembler) parseWindows(req *models.AnalysisRequest) (models.TimeWindows, error) {
	var windows models.TimeWindows
	n1, err := a.parser.Parse(req.NMinus1)
	if err != nil {
		return windows, withField(err, "n_minus_1")
	}
	n, err := a.parser.Parse(req.N)
	if err != nil {
		return windows, withField(err, "n")
	}
	windows.N1, windows.N = n1, n
	return windows, nil
}

func (a *Assembler) fetch(ctx context.Context, window models.TimeWindow, f models.Filter, columns map[string]string) ([]models.RawSample, error) {
	if a.store == nil {
		return nil, nil
	}
	return a.store.Fetch(ctx, window, f, columns)
}

// buildRecords joins the per-window aggregates by PEG name. A name present in
// only one window gets a zeroed opposite side, which the quality rules then
// grade LOW.
func (a *Assembler) buildRecords(n1Raw, nRaw, n1Derived, nDerived []models.AggregatedPEG,
	ids models.AnalysisIdentifiers, warnings []string) []models.ComparisonRecord {

	type pair struct {
		n1, n   models.AggregatedPEG
		hasN1   bool
		hasN    bool
		derived bool
	}
	pairs := make(map[string]*pair)
	join := func(aggs []models.AggregatedPEG, derived bool) {
		for _, agg := range aggs {
			p, ok := pairs[agg.PEGName]
			if !ok {
				p = &pair{derived: derived}
				pairs[agg.PEGName] = p
			}
			if agg.Window == models.WindowNMinus1 {
				p.n1, p.hasN1 = agg, true
			} else {
				p.n, p.hasN = agg, true
			}
		}
	}
	join(n1Raw, false)
	join(nRaw, false)
	join(n1Derived, true)
	join(nDerived, true)

	records := make([]models.ComparisonRecord, 0, len(pairs))
	for name, p := range pairs {
		if !p.hasN1 {
			p.n1 = models.AggregatedPEG{PEGName: name, Window: models.WindowNMinus1}
		}
		if !p.hasN {
			p.n = models.AggregatedPEG{PEGName: name, Window: models.WindowN}
		}

		changeAbs := p.n.Avg - p.n1.Avg
		changePct := changePercent(p.n1.Avg, p.n.Avg)
		rec := models.ComparisonRecord{
			PEGName:      name,
			Weight:       1,
			N1:           p.n1,
			N:            p.n,
			ChangeAbs:    changeAbs,
			ChangePct:    changePct,
			Trend:        classifyTrend(changePct, a.cfg.Thresholds),
			Significance: classifySignificance(changePct, a.cfg.Thresholds),
			Confidence:   classifyConfidence(p.n1.Count, p.n.Count),
			CellID:       ids.CellID,
			DataQuality:  classifyQuality(p.n1.Count, p.n.Count),
			Derived:      p.derived,
		}
		if p.derived {
			prefix := "derived " + name + ":"
			for _, w := range warnings {
				if strings.HasPrefix(w, prefix) {
					rec.Warnings = append(rec.Warnings, w)
				}
			}
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Weight != records[j].Weight {
			return records[i].Weight > records[j].Weight
		}
		return records[i].PEGName < records[j].PEGName
	})
	return records
}

// renderPrompt materializes the template for the request's analysis type. A
// template failure downgrades to the fallback prompt rather than failing the
// analysis; the preview still rides along so the model sees the data.
func (a *Assembler) renderPrompt(req *models.AnalysisRequest, records []models.ComparisonRecord,
	summary models.SummaryStats, ids models.AnalysisIdentifiers) string {

	preview := renderPreview(records, a.cfg.PromptPreviewRows)
	vars := map[string]string{
		"n_minus_1":     req.NMinus1,
		"n":             req.N,
		"data_preview":  preview,
		"ne_id":         ids.NEID,
		"cell_id":       ids.CellID,
		"total_pegs":    fmt.Sprintf("%d", summary.Total),
		"overall_trend": string(summary.OverallTrend),
		"selected_pegs": strings.Join(req.SelectedPEGs, ", "),
	}

	text, err := a.prompts.Render(string(req.AnalysisType), vars)
	if err != nil {
		log.Warn().Err(err).Str("analysis_type", string(req.AnalysisType)).
			Msg("prompt render failed, using fallback")
		return prompt.Fallback + "\n\n" + preview
	}
	return text
}

// invokeLLM completes the prompt and coerces the response. An unparseable
// completion earns exactly one stricter retry; a second failure degrades to
// an empty LLMAnalysis with llm_parse_failed set, keeping the analysis
// successful. Transport-level exhaustion still surfaces as an error.
func (a *Assembler) invokeLLM(ctx context.Context, promptText string, metadata map[string]interface{}) (models.LLMAnalysis, error) {
	completion, err := a.llm.Complete(ctx, promptText)
	if err != nil {
		return models.LLMAnalysis{}, err
	}
	recordCompletion(metadata, completion)

	obj, parseErr := llm.ExtractJSON(completion.Text)
	if parseErr != nil {
		log.Warn().Err(parseErr).Msg("llm response not parseable, retrying with strict instruction")
		retry, err := a.llm.Complete(ctx, promptText+strictRetryInstruction)
		if err != nil {
			return models.LLMAnalysis{}, err
		}
		recordCompletion(metadata, retry)
		obj, parseErr = llm.ExtractJSON(retry.Text)
	}
	if parseErr != nil {
		log.Warn().Err(parseErr).Msg("llm response unparseable after retry, degrading to empty analysis")
		metadata["llm_parse_failed"] = true
		return coerceLLMAnalysis(nil), nil
	}
	return coerceLLMAnalysis(obj), nil
}

func recordCompletion(metadata map[string]interface{}, c *llm.Completion) {
	if len(c.EndpointsTried) > 0 {
		metadata["endpoints_tried"] = c.EndpointsTried
	}
	if c.Endpoint != "" {
		metadata["llm_endpoint"] = c.Endpoint
	}
	if c.Truncated {
		metadata["prompt_truncated"] = true
	}
}

// mergeIdentifiers prefers the baseline window's identifiers and fills gaps
// from the comparison window.
func mergeIdentifiers(primary, secondary models.AnalysisIdentifiers) models.AnalysisIdentifiers {
	if primary.NEID == "" {
		primary.NEID = secondary.NEID
	}
	if primary.CellID == "" {
		primary.CellID = secondary.CellID
	}
	if primary.SWName == "" {
		primary.SWName = secondary.SWName
	}
	return primary
}

// resolveIdentifiers applies the precedence aggregator over request filters
// over the unknown sentinel.
func resolveIdentifiers(ids models.AnalysisIdentifiers, f models.Filter) models.AnalysisIdentifiers {
	out := ids
	if out.NEID == "" {
		out.NEID = f.NE
	}
	if out.CellID == "" && len(f.CellIDs) > 0 {
		out.CellID = f.CellIDs[0]
	}
	if out.SWName == "" {
		out.SWName = f.Host
	}
	if out.NEID == "" {
		out.NEID = models.IdentifierUnknown
	}
	if out.CellID == "" {
		out.CellID = models.IdentifierUnknown
	}
	if out.SWName == "" {
		out.SWName = models.IdentifierUnknown
	}
	return out
}

// capPromptTokens enforces the request's token budget by character length at
// the configured chars-per-token ratio. The head survives; the cut is marked.
func capPromptTokens(text string, maxTokens int, charsPerToken float64) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	maxChars := int(float64(maxTokens) * charsPerToken)
	if len(text) <= maxChars {
		return text, false
	}
	marker := "\n\n[truncated]"
	if maxChars <= len(marker) {
		return marker, true
	}
	cut := maxChars - len(marker)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + marker, true
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func withField(err error, field string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.WithField(field)
	}
	return err
}

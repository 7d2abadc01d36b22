package peg

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"cell_analysis/pkg/core/errs"
	"cell_analysis/pkg/core/formula"
	"cell_analysis/pkg/models"
)

// DerivedResult is the outcome of evaluating user-defined formulas over one
// window's aggregates. Failed definitions are dropped and reported as
// warnings; they never fail the run.
type DerivedResult struct {
	PEGs     []models.AggregatedPEG
	Warnings []string
}

// Derive evaluates each definition against the window's per-PEG averages.
// Derived values are point estimates over means, so count stays 0 and RSD 0.
// Definitions that fail to parse or reference a PEG absent from the window
// are skipped with a warning; evaluation warnings (division by zero) keep
// the value and carry the warning through.
func Derive(definitions map[string]string, aggregated []models.AggregatedPEG, tag models.WindowTag) DerivedResult {
	if len(definitions) == 0 {
		return DerivedResult{}
	}

	bindings := make(map[string]float64, len(aggregated))
	for _, a := range aggregated {
		bindings[a.PEGName] = a.Avg
	}

	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	var out DerivedResult
	for _, name := range names {
		result, err := formula.Eval(definitions[name], bindings)
		if err != nil {
			warning := fmt.Sprintf("derived %s: %s", name, errs.MessageOf(err))
			out.Warnings = append(out.Warnings, warning)
			log.Warn().Str("derived_peg", name).Str("window", string(tag)).Err(err).
				Msg("derived PEG skipped")
			continue
		}
		for _, w := range result.Warnings {
			out.Warnings = append(out.Warnings, fmt.Sprintf("derived %s: %s", name, w))
		}
		out.PEGs = append(out.PEGs, models.AggregatedPEG{
			PEGName: name,
			Window:  tag,
			Avg:     result.Value,
		})
	}
	return out
}

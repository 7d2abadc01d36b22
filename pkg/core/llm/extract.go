package llm

import (
	"encoding/json"
	"regexp"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"

	"cell_analysis/pkg/core/errs"
)

// Candidate JSON blocks, most explicit first: fenced json, fenced, nested
// object, simple object.
var jsonBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```"),
	regexp.MustCompile(`(?s)(\{[^{}]*\{[^{}]*\}[^{}]*\})`),
	regexp.MustCompile(`(\{[^{}]+\})`),
}

// ExtractJSON pulls the first JSON object out of a completion. Strategies in
// order: fenced/embedded block with strict parsing, whole-text strict
// parsing, json-repair, and finally Hjson as the most lenient reading.
func ExtractJSON(text string) (map[string]interface{}, error) {
	for _, pattern := range jsonBlockPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(match[1]), &obj); err == nil {
				return obj, nil
			}
		}
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		return obj, nil
	}

	if repaired, err := jsonrepair.RepairJSON(text); err == nil {
		if err := json.Unmarshal([]byte(repaired), &obj); err == nil {
			return obj, nil
		}
	}

	if err := hjson.Unmarshal([]byte(text), &obj); err == nil && len(obj) > 0 {
		return obj, nil
	}

	preview := text
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return nil, errs.New(errs.KindLLMBadResponse, "no JSON object found in llm response").
		WithDetail("response_preview", preview)
}

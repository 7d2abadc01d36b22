package analysis

import (
	"fmt"

	"cell_analysis/pkg/models"
)

// coerceLLMAnalysis maps the extracted JSON object onto LLMAnalysis. Every
// field has a zero default so the result never carries nulls, whatever shape
// the model returned.
func coerceLLMAnalysis(obj map[string]interface{}) models.LLMAnalysis {
	out := models.LLMAnalysis{
		Issues:          []string{},
		Recommendations: []string{},
	}
	if obj == nil {
		return out
	}

	out.Summary = stringField(obj, "summary")
	out.Issues = stringListField(obj, "issues")
	out.Recommendations = stringListField(obj, "recommendations")
	out.ModelLabel = stringField(obj, "model_name")

	if v, ok := obj["confidence"]; ok {
		switch c := v.(type) {
		case float64:
			out.Confidence = c
		case int:
			out.Confidence = float64(c)
		}
	}

	if notes, ok := obj["peg_insights"].(map[string]interface{}); ok && len(notes) > 0 {
		out.PerPEGNotes = make(map[string]string, len(notes))
		for name, v := range notes {
			out.PerPEGNotes[name] = asString(v)
		}
	}
	return out
}

func stringField(obj map[string]interface{}, key string) string {
	if v, ok := obj[key]; ok {
		return asString(v)
	}
	return ""
}

func stringListField(obj map[string]interface{}, key string) []string {
	out := []string{}
	list, ok := obj[key].([]interface{})
	if !ok {
		return out
	}
	for _, v := range list {
		if s := asString(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

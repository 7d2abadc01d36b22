package llm

import (
	"testing"

	"cell_analysis/pkg/core/errs"
)

func TestExtractJSONVariants(t *testing.T) {
	cases := []struct {
		name, text string
	}{
		{"fenced json block", "Here you go:\n```json\n{\"summary\": \"fine\"}\n```\nDone."},
		{"fenced block", "```\n{\"summary\": \"fine\"}\n```"},
		{"bare object", `{"summary": "fine"}`},
		{"object in prose", `The analysis result is {"summary": "fine"} as requested.`},
		{"nested object", `{"summary": "fine", "peg_insights": {"A": "up"}}`},
		{"trailing comma repaired", `{"summary": "fine",}`},
		{"single quotes hjson-ish", "{summary: 'fine'}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj, err := ExtractJSON(tc.text)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if obj["summary"] != "fine" {
				t.Errorf("summary = %v", obj["summary"])
			}
		})
	}
}

func TestExtractJSONFailure(t *testing.T) {
	_, err := ExtractJSON("I am sorry, I cannot produce structured output today.")
	if !errs.IsKind(err, errs.KindLLMBadResponse) {
		t.Fatalf("kind = %v, want LLMBadResponse", errs.KindOf(err))
	}
}

func TestExtractJSONPrefersFencedBlock(t *testing.T) {
	text := "Ignore {\"summary\": \"wrong\"} this.\n```json\n{\"summary\": \"right\"}\n```"
	obj, err := ExtractJSON(text)
	if err != nil {
		t.Fatal(err)
	}
	if obj["summary"] != "right" {
		t.Errorf("summary = %v, want the fenced block to win", obj["summary"])
	}
}

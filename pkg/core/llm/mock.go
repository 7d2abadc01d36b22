package llm

// MockResponse is the deterministic completion returned in mock mode. It is
// shaped like a real analysis answer so the downstream JSON extraction and
// coercion paths run unchanged.
const MockResponse = "```json\n" + `{
  "summary": "Mock mode: canned analysis response, not a real LLM result",
  "issues": ["mock data - not an actual finding"],
  "recommendations": ["set enable_mock=false for real analysis"],
  "peg_insights": {},
  "confidence": 0.95,
  "_mock": true
}` + "\n```"

// Package llm is the multi-endpoint client for the OpenAI-compatible
// completion service. Endpoints are tried in order; each endpoint gets
// bounded retries with exponential backoff before the client fails over to
// the next one. Mock mode bypasses the network entirely.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"cell_analysis/pkg/core/errs"
)

// Options enumerates the recognized client knobs.
type Options struct {
	Endpoints      []string      // ordered base URLs, required
	Model          string        // passed verbatim, required
	Temperature    float64       // default 0.2
	MaxTokens      int           // default 4096
	Timeout        time.Duration // per attempt, default 180s
	MaxRetries     int           // per endpoint, default 3
	BackoffBase    float64       // seconds, default 1.0
	Mock           bool
	APIKey         string
	MaxPromptChars int // default 80000
	TruncateBuffer int // default 200
	CharsPerToken  float64 // default 3.5, for token estimation
}

func (o *Options) withDefaults() {
	if o.Temperature == 0 {
		o.Temperature = 0.2
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 4096
	}
	if o.Timeout == 0 {
		o.Timeout = 180 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 1.0
	}
	if o.MaxPromptChars == 0 {
		o.MaxPromptChars = 80000
	}
	if o.TruncateBuffer == 0 {
		o.TruncateBuffer = 200
	}
	if o.CharsPerToken == 0 {
		o.CharsPerToken = 3.5
	}
}

// Completion is one successful LLM round-trip. EndpointsTried includes the
// winning endpoint, in attempt order, for result metadata.
type Completion struct {
	Text           string
	Endpoint       string
	EndpointsTried []string
	Truncated      bool
}

// Completer is the seam the assembler depends on.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// Client implements Completer over HTTP.
type Client struct {
	opts Options
	http *http.Client
}

// NewClient validates the required options and builds a client. The HTTP
// client is shared across requests; per-attempt deadlines come from context.
func NewClient(opts Options) (*Client, error) {
	opts.withDefaults()
	if !opts.Mock && len(opts.Endpoints) == 0 {
		return nil, errs.New(errs.KindRequestInvalid, "llm: at least one endpoint is required").WithField("endpoints")
	}
	if opts.Model == "" {
		return nil, errs.New(errs.KindRequestInvalid, "llm: model is required").WithField("model")
	}
	return &Client{opts: opts, http: &http.Client{}}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content string `json:"content"`
}

// Complete sends the prompt and returns the raw completion text. Upstream
// code owns JSON extraction from the text.
func (c *Client) Complete(ctx context.Context, prompt string) (*Completion, error) {
	if c.opts.Mock {
		return &Completion{Text: MockResponse, Endpoint: "mock"}, nil
	}

	prompt, truncated := c.truncate(prompt)
	log.Info().Int("prompt_chars", len(prompt)).
		Int("estimated_tokens", EstimateTokens(prompt, c.opts.CharsPerToken)).
		Int("endpoints", len(c.opts.Endpoints)).
		Bool("truncated", truncated).
		Msg("llm request starting")

	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "llm: payload marshal failed", err)
	}

	var tried []string
	var lastErr error
	for _, endpoint := range c.opts.Endpoints {
		tried = append(tried, endpoint)
		text, fatal, err := c.tryEndpoint(ctx, endpoint, body)
		if err == nil {
			return &Completion{Text: text, Endpoint: endpoint, EndpointsTried: tried, Truncated: truncated}, nil
		}
		lastErr = err
		if fatal {
			// Non-429 4xx: the request itself is bad; other endpoints
			// would reject it the same way.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindLLMUnavailable, "llm request cancelled", ctx.Err())
		}
		log.Warn().Str("endpoint", endpoint).Err(err).Msg("endpoint exhausted, failing over")
	}

	return nil, errs.Wrap(errs.KindLLMUnavailable,
		fmt.Sprintf("all %d llm endpoints exhausted", len(c.opts.Endpoints)), lastErr).
		WithDetail("endpoints_tried", tried)
}

// tryEndpoint runs up to MaxRetries attempts against one endpoint. The
// second return value marks fatal (non-retryable) failures.
func (c *Client) tryEndpoint(ctx context.Context, endpoint string, body []byte) (string, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return "", false, errs.Wrap(errs.KindLLMUnavailable, "llm request cancelled", err)
			}
		}

		text, fatal, err := c.attempt(ctx, endpoint, body)
		if err == nil {
			return text, false, nil
		}
		if fatal {
			return "", true, err
		}
		lastErr = err
		log.Warn().Str("endpoint", endpoint).Int("attempt", attempt).Err(err).Msg("llm attempt failed")
	}
	return "", false, lastErr
}

func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (string, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", true, errs.Wrap(errs.KindInternal, "llm: request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", false, errs.Wrap(errs.KindLLMUnavailable, "llm network error", err).
			WithDetail("endpoint", endpoint)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return "", false, errs.Wrap(errs.KindLLMUnavailable, "llm response read failed", err).
			WithDetail("endpoint", endpoint)
	}

	switch {
	case res.StatusCode == http.StatusOK:
		// fall through to decode
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return "", false, errs.Newf(errs.KindLLMUnavailable, "llm endpoint returned %d", res.StatusCode).
			WithDetail("endpoint", endpoint).
			WithDetail("status", res.StatusCode)
	default: // remaining 4xx: fatal, no retry
		return "", true, errs.Newf(errs.KindLLMUnavailable, "llm endpoint rejected request with %d", res.StatusCode).
			WithDetail("endpoint", endpoint).
			WithDetail("status", res.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, errs.Wrap(errs.KindLLMBadResponse, "llm response is not valid JSON", err).
			WithDetail("endpoint", endpoint)
	}
	if len(parsed.Choices) > 0 {
		return parsed.Choices[0].Message.Content, false, nil
	}
	if parsed.Content != "" {
		return parsed.Content, false, nil
	}
	return "", false, errs.New(errs.KindLLMBadResponse, "llm response has no choices").
		WithDetail("endpoint", endpoint)
}

func (c *Client) backoff(ctx context.Context, retries int) error {
	base := c.opts.BackoffBase * math.Pow(2, float64(retries-1))
	jitter := rand.Float64() * base * 0.5
	delay := time.Duration((base + jitter) * float64(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// truncate caps the prompt at MaxPromptChars, keeping the head and marking
// the cut explicitly. The cut never lands inside a multibyte rune.
func (c *Client) truncate(prompt string) (string, bool) {
	if len(prompt) <= c.opts.MaxPromptChars {
		return prompt, false
	}
	cut := c.opts.MaxPromptChars - c.opts.TruncateBuffer
	for cut > 0 && !utf8.RuneStart(prompt[cut]) {
		cut--
	}
	return prompt[:cut] + "\n\n[truncated]", true
}

// Ping checks one endpoint's health route with a short deadline.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", res.StatusCode)
	}
	return nil
}

// EstimateTokens approximates the token count of text at the configured
// characters-per-token ratio.
func EstimateTokens(text string, charsPerToken float64) int {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"cell_analysis/pkg/config"
	"cell_analysis/pkg/core/errs"
)

// Client posts payloads to the results backend behind a circuit breaker, so
// a dead backend stops costing a full retry ladder per analysis.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	retries int
}

// NewClient builds the backend poster. An empty URL yields a nil client;
// callers treat nil as "posting disabled".
func NewClient(cfg config.BackendSettings) *Client {
	if cfg.URL == "" {
		return nil
	}
	st := gobreaker.Settings{Name: "backend-post", Timeout: 30 * time.Second}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(st),
		retries: cfg.MaxRetries,
	}
}

// Post delivers the payload. Network errors and 5xx responses are retried up
// to the configured count; 4xx responses are not, the payload itself is
// wrong. Failures come back tagged so the caller can log and move on.
func (c *Client) Post(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "backend payload marshal failed", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.KindInternal, "backend post cancelled", ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, body)
		})
		if err == nil {
			log.Info().Str("url", c.url).Str("analysis_id", payload.AnalysisID).
				Msg("backend payload delivered")
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
		if !retryablePost(err) {
			break
		}
		log.Warn().Int("attempt", attempt+1).Err(err).Msg("backend post failed")
	}
	return errs.Wrap(errs.KindInternal, "backend post exhausted", lastErr)
}

type postError struct {
	status    int
	transient bool
	cause     error
}

func (e *postError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("backend post: %v", e.cause)
	}
	return fmt.Sprintf("backend returned %d", e.status)
}

func retryablePost(err error) bool {
	if pe, ok := err.(*postError); ok {
		return pe.transient
	}
	return true
}

func (c *Client) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &postError{transient: false, cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &postError{transient: true, cause: err}
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode >= 500:
		return &postError{status: res.StatusCode, transient: true}
	default:
		return &postError{status: res.StatusCode, transient: false}
	}
}

// Package transport sends HTTP requests to the remote service with bounded
// concurrency, FIFO admission and retry on rate limiting and network
// failure.
//
// At most Config.MaxConcurrent requests are in flight; further requests wait
// in arrival order. A request that is sleeping before a retry gives up its
// slot so it does not starve the queue.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config holds executor settings.
type Config struct {
	// MaxConcurrent is the number of requests allowed in flight.
	MaxConcurrent int64

	// Policy is the retry delay schedule.
	Policy Policy

	// MaxRetries is used when Do is called with a negative retry count.
	MaxRetries int

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Client performs the requests. Nil means a client with Timeout.
	Client *http.Client

	// Logger for retry activity
	Logger *log.Logger

	// Sleep waits between attempts; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns jitter samples in [0, 1).
	Rand func() float64

	// Now is the clock used to interpret Retry-After dates.
	Now func() time.Time
}

// DefaultConfig returns the stock executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		Policy:        DefaultPolicy(),
		MaxRetries:    3,
		Timeout:       30 * time.Second,
		Logger:        log.New(os.Stderr, "[transport] ", log.LstdFlags),
		Sleep:         sleepContext,
		Rand:          rand.Float64,
		Now:           time.Now,
	}
}

// Request is one logical call. Body is resent verbatim on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a completed exchange.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Attempts is the number of dispatches it took.
	Attempts int
}

// Executor is safe for concurrent use.
type Executor struct {
	config Config
	client *http.Client
	sem    *semaphore.Weighted
}

// NewExecutor fills unset fields of cfg from DefaultConfig.
func NewExecutor(cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Policy.BaseDelay <= 0 {
		cfg.Policy.BaseDelay = def.Policy.BaseDelay
	}
	if cfg.Policy.MaxDelay <= 0 {
		cfg.Policy.MaxDelay = def.Policy.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	if cfg.Rand == nil {
		cfg.Rand = def.Rand
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Executor{
		config: cfg,
		client: client,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Client returns the HTTP client used for dispatch.
func (e *Executor) Client() *http.Client {
	return e.client
}

// Do dispatches req, retrying on 429 and network failure up to maxRetries
// times (negative means the configured default).
//
// A 2xx response is returned with a nil error. Any other final status is
// returned together with a *StatusError. When no response was obtained the
// error wraps ErrOffline; a 429 past the cap yields ErrRateLimited.
func (e *Executor) Do(ctx context.Context, req Request, maxRetries int) (*Response, error) {
	if maxRetries < 0 {
		maxRetries = e.config.MaxRetries
	}

	if _, err := http.NewRequest(req.Method, req.URL, nil); err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestID := uuid.NewString()
	state := RetryState{}

	for {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		resp, netErr := e.dispatch(ctx, req, requestID)
		e.sem.Release(1)

		if netErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		out := Outcome{Err: netErr}
		if resp != nil {
			out.Status = resp.Status
			out.RetryAfter = resp.Header.Get("Retry-After")
		}

		decision, next := Plan(state, out, maxRetries, e.config.Policy, e.config.Now(), e.config.Rand)
		switch decision.Action {
		case ActionRetry:
			e.config.Logger.Printf("%s %s: attempt %d failed (%s), retrying in %v",
				req.Method, req.URL, state.Attempt+1, describe(out), decision.Delay)
			state = next
			if err := e.config.Sleep(ctx, decision.Delay); err != nil {
				return nil, err
			}

		case ActionFail:
			e.config.Logger.Printf("%s %s: giving up after %d attempts: %v",
				req.Method, req.URL, state.Attempt+1, decision.Err)
			return resp, decision.Err

		default:
			resp.Attempts = state.Attempt + 1
			if resp.Status >= 200 && resp.Status < 300 {
				return resp, nil
			}
			return resp, &StatusError{
				Code:    resp.Status,
				Message: errorMessage(resp.Body),
				Body:    resp.Body,
			}
		}
	}
}

// dispatch performs one attempt. A nil response means no response was
// obtained.
func (e *Executor) dispatch(ctx context.Context, req Request, requestID string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", requestID)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   data,
	}, nil
}

func describe(out Outcome) string {
	if out.Status != 0 {
		return fmt.Sprintf("status %d", out.Status)
	}
	if out.Err != nil {
		return out.Err.Error()
	}
	return "no response"
}

// errorMessage pulls a human readable message out of an error body.
// maxErrorMessage bounds the bytes of a plain-text error body kept in errors.
const maxErrorMessage = 200

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		n := maxErrorMessage
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCanceled reports whether err came from the caller's context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

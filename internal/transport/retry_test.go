package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestBackoff_Bounds(t *testing.T) {
	p := DefaultPolicy()

	for retry := 0; retry <= 6; retry++ {
		base := p.BaseDelay << uint(retry)
		if base > p.MaxDelay {
			base = p.MaxDelay
		}
		upper := base + time.Duration(float64(base)*p.Jitter)
		if upper > p.MaxDelay {
			upper = p.MaxDelay
		}

		for _, sample := range []float64{0, 0.5, 0.999999} {
			got := Backoff(retry, p, func() float64 { return sample })
			if got < base || got > upper {
				t.Errorf("Backoff(%d, rnd=%v) = %v, want within [%v, %v]", retry, sample, got, base, upper)
			}
			if got > 30*time.Second {
				t.Errorf("Backoff(%d) = %v exceeds 30s", retry, got)
			}
		}
	}
}

func TestBackoff_LargeRetryClamped(t *testing.T) {
	p := DefaultPolicy()
	for _, retry := range []int{10, 31, 64, 1000} {
		if got := Backoff(retry, p, func() float64 { return 0.9 }); got != p.MaxDelay {
			t.Errorf("Backoff(%d) = %v, want %v", retry, got, p.MaxDelay)
		}
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	p := DefaultPolicy()
	if got := Backoff(2, p, nil); got != 4*time.Second {
		t.Errorf("Backoff(2, nil) = %v, want 4s", got)
	}
}

func TestPlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	noJitter := func() float64 { return 0 }
	p := DefaultPolicy()

	tests := []struct {
		name       string
		attempt    int
		out        Outcome
		wantAction Action
		wantDelay  time.Duration
		wantErr    error
	}{
		{"success is done", 0, Outcome{Status: 200}, ActionDone, 0, nil},
		{"client error is done", 0, Outcome{Status: 400}, ActionDone, 0, nil},
		{"server error is done", 0, Outcome{Status: 503}, ActionDone, 0, nil},
		{"429 honours delta seconds", 0, Outcome{Status: 429, RetryAfter: "7"}, ActionRetry, 7 * time.Second, nil},
		{"429 honours http date", 1, Outcome{Status: 429, RetryAfter: now.Add(3 * time.Second).Format(http.TimeFormat)}, ActionRetry, 3 * time.Second, nil},
		{"429 without header backs off", 2, Outcome{Status: 429}, ActionRetry, 4 * time.Second, nil},
		{"429 with garbage header backs off", 0, Outcome{Status: 429, RetryAfter: "soon"}, ActionRetry, time.Second, nil},
		{"429 past cap fails", 3, Outcome{Status: 429}, ActionFail, 0, ErrRateLimited},
		{"network error backs off", 1, Outcome{Err: errors.New("connection refused")}, ActionRetry, 2 * time.Second, nil},
		{"network error past cap fails", 3, Outcome{Err: errors.New("connection refused")}, ActionFail, 0, ErrOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, next := Plan(RetryState{Attempt: tt.attempt}, tt.out, 3, p, now, noJitter)
			if d.Action != tt.wantAction {
				t.Fatalf("Action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.Delay != tt.wantDelay {
				t.Errorf("Delay = %v, want %v", d.Delay, tt.wantDelay)
			}
			if tt.wantErr != nil && !errors.Is(d.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", d.Err, tt.wantErr)
			}
			if tt.wantAction == ActionRetry && next.Attempt != tt.attempt+1 {
				t.Errorf("next attempt = %d, want %d", next.Attempt, tt.attempt+1)
			}
		})
	}
}

func TestIsTransientAndRejected(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
		rejected  bool
	}{
		{nil, false, false},
		{ErrOffline, true, false},
		{fmt.Errorf("wrapped: %w", ErrOffline), true, false},
		{ErrRateLimited, true, false},
		{&StatusError{Code: 500}, true, false},
		{&StatusError{Code: 503}, true, false},
		{&StatusError{Code: 408}, true, false},
		{&StatusError{Code: 400}, false, true},
		{&StatusError{Code: 404}, false, true},
		{&StatusError{Code: 422}, false, true},
		{errors.New("TypeError: Failed to fetch"), true, false},
		{errors.New("Network request failed"), true, false},
		{ErrUnauthenticated, false, false},
		{errors.New("invalid entity"), false, false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsRejected(tt.err); got != tt.rejected {
				t.Errorf("IsRejected() = %v, want %v", got, tt.rejected)
			}
		})
	}
}

package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy controls the retry delay schedule.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the delay added at random, in [0, 1].
	Jitter float64
}

// DefaultPolicy returns base 1s, cap 30s, 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    0.25,
	}
}

// Backoff returns the delay before retry number retry (0-based):
// min(base*2^retry, max) plus up to Jitter of that, clamped to max.
// rnd returns a value in [0, 1); nil means no jitter.
func Backoff(retry int, p Policy, rnd func() float64) time.Duration {
	if retry < 0 {
		retry = 0
	}

	delay := p.MaxDelay
	if retry < 31 {
		if d := p.BaseDelay << uint(retry); d > 0 && d < p.MaxDelay {
			delay = d
		}
	}

	if rnd != nil && p.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.Jitter * rnd())
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Outcome is the result of a single attempt, as seen by the planner.
type Outcome struct {
	// Status is the HTTP status, or 0 when no response was obtained.
	Status int
	// RetryAfter is the raw Retry-After header of a 429 response.
	RetryAfter string
	// Err is the network error when Status is 0.
	Err error
}

// RetryState carries the retry counter between attempts.
type RetryState struct {
	Attempt int
}

// Action is what the executor should do next.
type Action int

const (
	// ActionDone hands the response (or error) to the caller.
	ActionDone Action = iota
	// ActionRetry waits Delay and dispatches again.
	ActionRetry
	// ActionFail gives up with Err.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the planner's verdict for one outcome.
type Decision struct {
	Action Action
	Delay  time.Duration
	Err    error
}

// Plan decides what follows an attempt. It is pure: the clock and the
// random source are inputs.
//
// 429 responses honour Retry-After (delta-seconds or HTTP date) and fall back
// to Backoff; attempts with no response back off; any other status is final.
// Once the retry counter reaches maxRetries the triggering error is returned.
func Plan(state RetryState, out Outcome, maxRetries int, p Policy, now time.Time, rnd func() float64) (Decision, RetryState) {
	switch {
	case out.Status == http.StatusTooManyRequests:
		if state.Attempt >= maxRetries {
			return Decision{Action: ActionFail, Err: ErrRateLimited}, state
		}
		delay, ok := parseRetryAfter(out.RetryAfter, now)
		if !ok {
			delay = Backoff(state.Attempt, p, rnd)
		}
		return Decision{Action: ActionRetry, Delay: delay}, RetryState{Attempt: state.Attempt + 1}

	case out.Status == 0:
		if state.Attempt >= maxRetries {
			err := ErrOffline
			if out.Err != nil {
				err = fmt.Errorf("%w: %v", ErrOffline, out.Err)
			}
			return Decision{Action: ActionFail, Err: err}, state
		}
		return Decision{Action: ActionRetry, Delay: Backoff(state.Attempt, p, rnd)}, RetryState{Attempt: state.Attempt + 1}

	default:
		return Decision{Action: ActionDone}, state
	}
}

// parseRetryAfter reads a Retry-After value as delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

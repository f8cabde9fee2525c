// Package backoff computes delays between attempts. The worker pool uses it
// both for job retry delays and for backing off a failing store.
package backoff

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Strategy returns the delay before attempt n, where n = 1 is the first retry.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// None retries immediately.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }

// Constant waits the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay with each attempt: Initial * 2^(n-1), capped
// at Max when Max > 0. With Jitter set the result is drawn uniformly from
// [0, delay].
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter does not need crypto rand
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Parse builds a strategy by name: "none" (or empty), "constant" or
// "exponential". Exponential uses full jitter.
func Parse(name string, initial, max time.Duration) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None{}, nil
	case "constant":
		return Constant{Interval: initial}, nil
	case "exponential":
		return Exponential{Initial: initial, Max: max, Jitter: true}, nil
	default:
		return nil, errors.Newf("unknown backoff strategy %q", name)
	}
}

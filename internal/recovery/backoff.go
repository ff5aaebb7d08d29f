package recovery

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Policy selects the backoff curve.
type Policy string

const (
	PolicyFixed       Policy = "fixed"
	PolicyLinear      Policy = "linear"
	PolicyExponential Policy = "exponential"
)

// ParsePolicy accepts the config spelling. Empty means exponential.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyExponential:
		return PolicyExponential, nil
	case PolicyLinear:
		return PolicyLinear, nil
	case PolicyFixed, "constant":
		return PolicyFixed, nil
	}
	return "", fmt.Errorf("unknown backoff policy %q", s)
}

// Backoff describes the delay curve applied before a restart.
type Backoff struct {
	Policy     Policy
	Base       time.Duration
	Max        time.Duration
	Multiplier float64 // exponential only; 0 means 2
}

// Delay returns the wait before the n-th restart (n >= 1). n < 1 is
// treated as 1.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	var f float64
	switch b.Policy {
	case PolicyFixed:
		f = float64(b.Base)
	case PolicyLinear:
		f = float64(b.Base) * float64(n)
	default:
		m := b.Multiplier
		if m <= 0 {
			m = 2
		}
		f = float64(b.Base) * math.Pow(m, float64(n-1))
	}
	// Clamp in float space; the product can exceed int64 (or be +Inf).
	if b.Max > 0 && f >= float64(b.Max) {
		return b.Max
	}
	if f >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

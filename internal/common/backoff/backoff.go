// Package backoff provides the retry delay policy shared by the artifact
// fetcher and the worker respawn path.
package backoff

import (
	"context"
	"time"
)

// Policy computes exponential retry delays. The zero value is unusable; use
// Default or fill all fields.
type Policy struct {
	// Initial delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
}

// Default is the policy used when callers pass a zero Policy.
var Default = Policy{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Factor:  2.0,
}

// normalized returns p with zero fields replaced by Default's.
func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Max <= 0 {
		p.Max = Default.Max
	}
	if p.Factor < 1 {
		p.Factor = Default.Factor
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based). Attempt 0
// and negative values return the initial delay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Sleep blocks for the attempt's delay or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package wait holds the bounded-wait primitives shared by the delegator,
// the session manager and the log tail reader.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a bounded wait ran out of time. ID names what
// was being waited for: a correlation id, a session id or a file path.
type TimeoutError struct {
	Op    string
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: timed out after %d ms", e.Op, e.After.Milliseconds())
	}
	return fmt.Sprintf("%s: no result within %d ms (%s)", e.Op, e.After.Milliseconds(), e.ID)
}

// IsTimeout reports whether err (or anything it wraps) is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Policy describes a poll loop: how long in total and how often to check.
type Policy struct {
	Timeout  time.Duration
	Interval time.Duration
}

// Until polls cond until it reports done, returns an error, ctx ends or the
// policy timeout elapses. The condition is always evaluated at least once.
func Until(ctx context.Context, p Policy, op, id string, cond func() (bool, error)) error {
	deadline := NewDeadline(p.Timeout)
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if deadline.Expired() {
			return &TimeoutError{Op: op, ID: id, After: p.Timeout}
		}
		if err := Sleep(ctx, min(interval, deadline.Remaining())); err != nil {
			return err
		}
	}
}

// Sleep pauses for d or until ctx is done, whichever is first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deadline is a fixed point in time measured on the monotonic clock.
type Deadline struct {
	start time.Time
	total time.Duration
}

func NewDeadline(total time.Duration) Deadline {
	return Deadline{start: time.Now(), total: total}
}

func (d Deadline) Elapsed() time.Duration { return time.Since(d.start) }

func (d Deadline) Remaining() time.Duration {
	if r := d.total - d.Elapsed(); r > 0 {
		return r
	}
	return 0
}

func (d Deadline) Expired() bool { return d.Remaining() == 0 }

// Slice returns the next poll slice: at most max, never past the deadline.
func (d Deadline) Slice(max time.Duration) time.Duration {
	return min(max, d.Remaining())
}

// Backoff is a doubling delay with a cap, used by reconnecting loops.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

func (b *Backoff) Reset() { b.current = 0 }

// Package poll runs a status check repeatedly with a fixed interval and a hard
// attempt ceiling. Authentication and export polling share it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Outcome is the tagged result of a poll
type Outcome int

const (
	Pending Outcome = iota
	Success
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status is what one check reports
type Status[T any] struct {
	Outcome Outcome
	Value   T
	Code    int
	Reason  string
}

// Result is the terminal state of a poll
type Result[T any] struct {
	Status[T]
	Attempts int
}

// Policy bounds a poll loop
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Validate checks the policy can terminate
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Interval)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("poll attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Check inspects the remote state once. A returned error aborts the poll.
type Check[T any] func(ctx context.Context) (Status[T], error)

var errPending = errors.New("pending")

// Until calls check until it reports Success or Failed, the attempt ceiling is
// reached (TimedOut), check returns an error, or ctx is cancelled. It sleeps only
// between attempts, never after the last one.
func Until[T any](ctx context.Context, p Policy, check Check[T]) (Result[T], error) {
	var res Result[T]
	if err := p.Validate(); err != nil {
		return res, err
	}

	backoff := retry.WithMaxRetries(uint64(p.MaxAttempts-1), retry.NewConstant(p.Interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res.Attempts++
		st, err := check(ctx)
		if err != nil {
			return err
		}
		res.Status = st
		if st.Outcome == Pending {
			return retry.RetryableError(errPending)
		}
		return nil
	})

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errPending):
		res.Outcome = TimedOut
		return res, nil
	default:
		return res, err
	}
}

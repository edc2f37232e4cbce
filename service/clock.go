package service

import (
	"context"
	"time"
)

// Clock abstracts time so polling and backoff can be driven by tests
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff describes a capped exponential retry schedule
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Delay returns the wait before the given retry (1 = first retry)
func (b Backoff) Delay(retry int) time.Duration {
	d := b.Initial
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * mult)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// retryRemote runs fn until it succeeds, fails permanently, or the attempt
// budget is spent. Permanent failures come back as RemoteRejectedError or
// NotFoundError, exhausted budgets as TransientRemoteError.
func retryRemote(ctx context.Context, clock Clock, b Backoff, op string, fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := clock.Sleep(ctx, b.Delay(attempt-1)); err != nil {
				break
			}
		}

		made++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class, code := classifyRemote(err)
		if class == classPermanent && ctx.Err() == nil {
			return &RemoteRejectedError{Op: op, Code: code, Err: err}
		}
		if class == classNotFound {
			return &NotFoundError{Kind: "remote file", Key: op}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &TransientRemoteError{Op: op, Attempts: made, Err: lastErr}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultMaxDelay   = 2 * time.Minute
	defaultMultiplier = 2.0
	defaultJitter     = 0.25
)

// Retry runs an operation up to MaxRetries+1 times with exponential backoff.
type Retry struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by +/- this fraction.
	Jitter      float64
	ShouldRetry func(error) bool
	OnRetry     func(attempt int, delay time.Duration, err error)

	rng *rand.Rand
}

// NewRetry builds the policy from processing.max_retries and
// processing.retry_delay.
func NewRetry(maxRetries int, delay time.Duration) *Retry {
	return &Retry{
		MaxRetries:   maxRetries,
		InitialDelay: delay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		Jitter:       defaultJitter,
		ShouldRetry:  IsRetryable,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func (r *Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	attempts := r.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.ShouldRetry != nil && !r.ShouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := r.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// Backoff returns the wait before retry number attempt+1.
func (r *Retry) Backoff(attempt int) time.Duration {
	if r.InitialDelay <= 0 {
		return 0
	}
	multiplier := r.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(r.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter > 0 && r.rng != nil {
		delta := delay * r.Jitter
		delay = delay - delta + r.rng.Float64()*2*delta
	}
	return time.Duration(delay)
}

// Retryable SQLSTATE codes: serialization failure, deadlock, too many
// connections, admin/crash shutdown and cannot-connect-now.
var retryableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// IsRetryable reports whether err is transient: network and connect
// failures, errors pgconn marks safe to retry, and a few server states.
// Everything else, including client-side encode errors and cancellation, is
// final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception.
		return retryableCodes[pgErr.Code] || len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// A connection closed mid-read.
	return errors.Is(err, io.ErrUnexpectedEOF)
}

package shardquery

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// TransientClassifier decides whether an error is worth retrying.
type TransientClassifier func(err error) bool

// DefaultTransientClassifier recognizes the transient error shapes the
// two wired SQL drivers report: Postgres connection-class SQLSTATE
// codes and MySQL's "server has gone away"/lock-wait/deadlock error
// numbers, plus generic network timeouts.
func DefaultTransientClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58": // connection, insufficient resources, operator intervention, system
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 2006, 2013: // lock wait timeout, deadlock, gone away, lost connection
			return true
		}
		return false
	}
	return false
}

// RetryPolicy wraps a unit of work with bounded retries governed by a
// transient-error classifier and a back-off schedule. Two independent
// policies are used: one for opening a connection, one for executing a
// command, per spec §4.2.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Classifier  TransientClassifier
	// UserClassifier, when set, is OR-ed with Classifier: an error is
	// transient if either classifier says so.
	UserClassifier TransientClassifier
}

// DefaultConnectionRetryPolicy governs opening a shard connection.
func DefaultConnectionRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 5,
		Backoff:     exponentialBackoff(100*time.Millisecond, 2*time.Second),
		Classifier:  DefaultTransientClassifier,
	}
}

// DefaultCommandRetryPolicy governs executing a command for a reader.
func DefaultCommandRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		Backoff:     exponentialBackoff(50*time.Millisecond, 1*time.Second),
		Classifier:  DefaultTransientClassifier,
	}
}

func exponentialBackoff(base, ceiling time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base * time.Duration(1<<uint(attempt))
		if d > ceiling || d <= 0 {
			d = ceiling
		}
		return d
	}
}

func (p *RetryPolicy) isTransient(err error) bool {
	if p.Classifier != nil && p.Classifier(err) {
		return true
	}
	if p.UserClassifier != nil && p.UserClassifier(err) {
		return true
	}
	return false
}

// Execute runs work under the retry loop: on a transient error, while
// the budget remains and token is not cancelled, it waits the
// back-off interval (honoring token) and retries; otherwise the error
// is returned as-is (including non-transient errors and cancellation).
// work always receives token: token is the merged derived cancellation
// token (caller, instance, policy, timeout sources), so every blocking
// operation a retry attempt performs observes all four sources, not
// just the caller's own context.
func Execute[T any](token context.Context, p *RetryPolicy, work func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if token.Err() != nil {
			return zero, token.Err()
		}

		result, err := work(token, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if token.Err() != nil {
			return zero, token.Err()
		}
		if attempt == maxAttempts-1 || !p.isTransient(err) {
			return zero, err
		}

		delay := time.Duration(0)
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-token.Done():
				timer.Stop()
				return zero, token.Err()
			}
		}
	}
	return zero, lastErr
}

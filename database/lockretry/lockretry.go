// Package lockretry runs lock-acquiring work in short transactions with a bounded lock_timeout, retrying with
// exponential backoff whenever the timeout expires.
package lockretry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/metrics"
	"gitlab.com/gitlab-org/database-guard/internal"
	"gitlab.com/gitlab-org/database-guard/log"
)

const backoffJitterFactor = 0.33

var (
	// ErrTransactionOpen is returned when Run is called inside a transaction that was not opened by a lock-retry block.
	ErrTransactionOpen = errors.New("lock retries cannot run inside an open transaction: " +
		"transactional migrations already acquire their locks once, disable the migration transaction to use lock retries")
	// ErrSubtransaction is returned when a lock-retry block issues a savepoint.
	ErrSubtransaction = errors.New("subtransactions are not allowed inside a lock-retry block")
)

// Policy configures a lock-retry block.
type Policy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// LockTimeout is the lock_timeout of the first attempt. Every retry multiplies it by BackoffMultiplier, up to
	// MaxLockTimeout.
	LockTimeout       time.Duration
	MaxLockTimeout    time.Duration
	RaiseOnExhaustion bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       50,
		BackoffBase:       50 * time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        time.Minute,
		LockTimeout:       100 * time.Millisecond,
		MaxLockTimeout:    5 * time.Second,
		RaiseOnExhaustion: true,
	}
}

func (p Policy) nextLockTimeout(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * p.BackoffMultiplier)
	if p.MaxLockTimeout > 0 && next > p.MaxLockTimeout {
		return p.MaxLockTimeout
	}
	return next
}

// ExhaustedError is returned when every attempt of a lock-retry block timed out waiting for a lock.
type ExhaustedError struct {
	Attempts    int
	LockTimeout time.Duration
	Err         error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("could not acquire locks after %d attempts (last lock_timeout %s): %v", e.Attempts, e.LockTimeout, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Backoff is the subset of backoff.BackOff used between attempts.
type Backoff interface {
	NextBackOff() time.Duration
	Reset()
}

var (
	// for testing purposes (mocks)
	BackoffConstructor                = newBackoff
	SystemClock        internal.Clock = clock.New()
)

func newBackoff(p Policy) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.Multiplier = p.BackoffMultiplier
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = backoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = SystemClock
	b.Reset()

	return b
}

// Coordinator runs lock-retry blocks against one database.
type Coordinator struct {
	db     datastore.Handler
	policy Policy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the default policy of a Coordinator.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// New returns a Coordinator for db using DefaultPolicy unless overridden.
func New(db datastore.Handler, opts ...Option) *Coordinator {
	c := &Coordinator{db: db, policy: DefaultPolicy()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the default policy of the Coordinator.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// RunOption overrides the policy of a single Run.
type RunOption func(*Policy)

// WithRaiseOnExhaustion overrides whether exhaustion is reported as an error.
func WithRaiseOnExhaustion(raise bool) RunOption {
	return func(p *Policy) {
		p.RaiseOnExhaustion = raise
	}
}

// WithMaxAttempts overrides the number of attempts.
func WithMaxAttempts(n int) RunOption {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

type wrapperKey struct{}

func withWrapper(ctx context.Context, tx datastore.Transactor) context.Context {
	return context.WithValue(datastore.WithTransaction(ctx, tx), wrapperKey{}, tx)
}

// InWrapper reports whether ctx carries a transaction opened by a lock-retry block.
func InWrapper(ctx context.Context) bool {
	tx, ok := datastore.TransactionFromContext(ctx)
	if !ok {
		return false
	}
	w, ok := ctx.Value(wrapperKey{}).(datastore.Transactor)
	return ok && w == tx
}

// Run executes fn in a transaction with a short lock_timeout, retrying on lock timeouts. The context passed to fn
// carries the transaction, and nested calls to Run within it execute fn directly. Run fails with ErrTransactionOpen
// when ctx carries any other transaction.
func (c *Coordinator) Run(ctx context.Context, fn func(ctx context.Context, tx datastore.Transactor) error, opts ...RunOption) error {
	if tx, ok := datastore.TransactionFromContext(ctx); ok {
		if InWrapper(ctx) {
			return fn(ctx, tx)
		}
		return ErrTransactionOpen
	}

	p := c.policy
	for _, o := range opts {
		o(&p)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	l := log.GetLogger(log.WithContext(ctx))
	b := BackoffConstructor(p)
	lockTimeout := p.LockTimeout

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		err := c.attempt(ctx, lockTimeout, fn)
		if err == nil {
			metrics.LockRetryAttempts(attempt, nil)
			return nil
		}
		if !datastore.IsLockNotAvailable(err) {
			metrics.LockRetryAttempts(attempt, err)
			return err
		}
		lastErr = err

		if attempt >= p.MaxAttempts {
			break
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}

		l.WithFields(log.Fields{
			"attempt":         attempt,
			"lock_timeout_ms": lockTimeout.Milliseconds(),
			"backoff_s":       d.Seconds(),
		}).Info("lock timeout expired, retrying")

		if d > 0 {
			select {
			case <-ctx.Done():
				metrics.LockRetryAttempts(attempt, ctx.Err())
				return ctx.Err()
			case <-SystemClock.After(d):
			}
		}
		lockTimeout = p.nextLockTimeout(lockTimeout)
	}

	metrics.LockRetryAttempts(attempt, lastErr)
	metrics.LockRetryExhausted(p.RaiseOnExhaustion)

	exhausted := &ExhaustedError{Attempts: attempt, LockTimeout: lockTimeout, Err: lastErr}
	if p.RaiseOnExhaustion {
		return exhausted
	}
	l.WithError(exhausted).Warn("lock retries exhausted, abandoning block")
	return nil
}

// RunWithoutRetries executes fn in a plain transaction without a lock_timeout. Lock-retry blocks nested within it
// execute fn directly in that transaction.
func (c *Coordinator) RunWithoutRetries(ctx context.Context, fn func(ctx context.Context, tx datastore.Transactor) error) error {
	if tx, ok := datastore.TransactionFromContext(ctx); ok {
		if InWrapper(ctx) {
			return fn(ctx, tx)
		}
		return ErrTransactionOpen
	}
	return datastore.RunInTx(ctx, c.db, func(ctx context.Context, tx datastore.Transactor) error {
		return fn(withWrapper(ctx, tx), tx)
	})
}

func (c *Coordinator) attempt(ctx context.Context, lockTimeout time.Duration, fn func(ctx context.Context, tx datastore.Transactor) error) error {
	return datastore.RunInTx(ctx, c.db, func(ctx context.Context, tx datastore.Transactor) error {
		q := fmt.Sprintf("SET LOCAL lock_timeout TO '%dms'", lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("setting lock timeout: %w", err)
		}

		gtx := &guardedTx{Transactor: tx}
		return fn(withWrapper(ctx, gtx), gtx)
	})
}

var savepointRegex = regexp.MustCompile(`(?i)^\s*(SAVEPOINT|RELEASE|ROLLBACK\s+TO)\b`)

// guardedTx rejects savepoints issued inside a lock-retry block.
type guardedTx struct {
	datastore.Transactor
}

func (tx *guardedTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if savepointRegex.MatchString(query) {
		return nil, ErrSubtransaction
	}
	return tx.Transactor.ExecContext(ctx, query, args...)
}

func (tx *guardedTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if savepointRegex.MatchString(query) {
		return nil, ErrSubtransaction
	}
	return tx.Transactor.QueryContext(ctx, query, args...)
}

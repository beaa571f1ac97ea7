//go:generate mockgen -package mocks -destination mocks/bbm.go . Handler

// Package bbm copies column values in keyset batches, each batch in its own short transaction, while pacing itself
// against a rate limit and WAL archival pressure.
package bbm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"gitlab.com/gitlab-org/database-guard/database/datastore/metrics"
	"gitlab.com/gitlab-org/database-guard/database/lockwrites"
	"gitlab.com/gitlab-org/database-guard/internal"
	"gitlab.com/gitlab-org/database-guard/log"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	"golang.org/x/time/rate"
)

const (
	componentKey        = "component"
	workerName          = "database.bbm.Worker"
	defaultBatchColumn  = "id"
	defaultMaxBatchSize = 1000
	defaultMaxAttempts  = 5
	// batchPercent is the share of the table rows processed per batch when no batch size is forced.
	batchPercent = 5
	// walSegmentThreshold is the number of WAL segments pending archival above which batches are delayed. Each
	// segment is 16MB.
	walSegmentThreshold = 42

	backoffJitterFactor   = 0.33
	retryInitialInterval  = time.Second
	retryMaxInterval      = time.Minute
	walInitialInterval    = 5 * time.Second
	walMaxInterval        = 5 * time.Minute
	tableKey              = "table"
	batchStartKey         = "batch_start"
	batchStopKey          = "batch_stop"
	batchSizeKey          = "batch_size"
	attemptKey            = "attempt"
	rowsUpdatedKey        = "rows_updated"
	pendingWALSegmentsKey = "pending_wal_segments"
)

// ErrMaxAttemptsReached is returned when a batch failed on every attempt.
var ErrMaxAttemptsReached = errors.New("backfill batch failed on every attempt")

// Job describes a backfill of one table.
type Job struct {
	// Table is the table to update, optionally schema-qualified.
	Table string
	// BatchColumn is the integer column batches are keyed on. Defaults to "id".
	BatchColumn string
	// Set is the SET list of the update, for example `"b" = "a"::bigint`.
	Set string
}

func (j Job) batchColumn() string {
	if j.BatchColumn == "" {
		return defaultBatchColumn
	}
	return j.BatchColumn
}

// Batch is a half-open range [Start, Stop) of batch column values. The last batch has no upper bound. A Nulls batch
// covers the rows whose batch column is NULL and ignores the range.
type Batch struct {
	Start int64
	Stop  int64
	Last  bool
	Nulls bool
}

// Result summarizes a finished backfill.
type Result struct {
	Total     int64
	Updated   int64
	Batches   int
	BatchSize int
}

// ProgressFunc is called after every batch with the rows updated so far and the row count taken when the backfill
// started.
type ProgressFunc func(updated, total int64)

// Handler is the set of operations the Worker delegates, so they can be replaced in tests.
type Handler interface {
	ShouldThrottle(context.Context) (bool, error)
	ExecuteBatch(context.Context, Job, Batch) (int64, error)
}

// Worker runs backfills against one database.
type Worker struct {
	db                     datastore.Handler
	wh                     Handler
	logger                 log.Logger
	batchSize              int
	maxBatchSize           int
	maxAttempts            int
	limiter                *rate.Limiter
	walThreshold           int
	isWALThrottlingEnabled bool
	progress               ProgressFunc
}

// WorkerOption provides functional options for NewWorker.
type WorkerOption func(*Worker)

// WithLogger sets the logger.
func WithLogger(l log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithHandler replaces the batch handler. Defaults to the Worker itself.
func WithHandler(h Handler) WorkerOption {
	return func(w *Worker) {
		w.wh = h
	}
}

// WithBatchSize forces the number of rows per batch instead of deriving it from the table size.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		w.batchSize = n
	}
}

// WithMaxBatchSize caps the derived batch size. Defaults to 1000.
func WithMaxBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		w.maxBatchSize = n
	}
}

// WithMaxAttempts sets how many times a batch is tried before the backfill fails. Defaults to 5.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		w.maxAttempts = n
	}
}

// WithRateLimit limits the number of batches per second. Zero or less means unlimited.
func WithRateLimit(perSecond float64) WorkerOption {
	return func(w *Worker) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithWALPressureCheck enables delaying batches while more than threshold WAL segments are pending archival. A
// threshold of zero or less uses the default of 42.
func WithWALPressureCheck(threshold int) WorkerOption {
	return func(w *Worker) {
		w.isWALThrottlingEnabled = true
		w.walThreshold = threshold
	}
}

// WithProgress registers a callback invoked after every batch.
func WithProgress(fn ProgressFunc) WorkerOption {
	return func(w *Worker) {
		w.progress = fn
	}
}

// NewWorker creates a new Worker for db.
func NewWorker(db datastore.Handler, opts ...WorkerOption) *Worker {
	w := &Worker{db: db}
	w.applyDefaults()
	for _, opt := range opts {
		opt(w)
	}
	if w.walThreshold <= 0 {
		w.walThreshold = walSegmentThreshold
	}
	if w.wh == nil {
		w.wh = w
	}
	w.logger = w.logger.WithField(componentKey, workerName)

	return w
}

func (w *Worker) applyDefaults() {
	if w.logger == nil {
		w.logger = log.GetLogger()
	}
	w.maxBatchSize = defaultMaxBatchSize
	w.maxAttempts = defaultMaxAttempts
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

func newBackoff(initInterval, maxInterval time.Duration) Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initInterval
	b.MaxInterval = maxInterval
	b.RandomizationFactor = backoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = SystemClock
	b.Reset()

	return b
}

// BatchSizeFor returns the batch size used for a table of total rows.
func (w *Worker) BatchSizeFor(total int64) int {
	if w.batchSize > 0 {
		return w.batchSize
	}
	n := total * batchPercent / 100
	if n > int64(w.maxBatchSize) {
		n = int64(w.maxBatchSize)
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// Run executes job in batches until every row was visited. Batches already committed stay committed when Run fails
// part way through, and rerunning the job repeats them harmlessly.
func (w *Worker) Run(ctx context.Context, job Job) (*Result, error) {
	if datastore.InTransaction(ctx) {
		return nil, fmt.Errorf("backfilling %s: batches must run outside of a transaction", job.Table)
	}

	l := w.logger.WithFields(log.Fields{
		correlation.FieldName: correlation.ExtractFromContextOrGenerate(ctx),
		tableKey:              job.Table,
	})

	total, nulls, err := w.countRows(ctx, job)
	if err != nil {
		return nil, w.fail(ctx, l, err)
	}
	res := &Result{Total: total, BatchSize: w.BatchSizeFor(total)}
	l = l.WithField(batchSizeKey, res.BatchSize)

	start, ok, err := w.firstValue(ctx, job)
	if err != nil {
		return nil, w.fail(ctx, l, err)
	}
	if !ok && nulls == 0 {
		l.Info("table is empty, nothing to backfill")
		w.report(job, res)
		return res, nil
	}

	l.WithFields(log.Fields{"rows": total, "null_rows": nulls}).Info("starting backfill")
	walBackoff := BackoffConstructor(walInitialInterval, walMaxInterval)
	for ok {
		if err := w.waitForCapacity(ctx, l, walBackoff); err != nil {
			return res, w.fail(ctx, l, err)
		}

		stop, more, err := w.nextValue(ctx, job, start, res.BatchSize)
		if err != nil {
			return res, w.fail(ctx, l, err)
		}
		b := Batch{Start: start, Stop: stop, Last: !more}

		n, err := w.executeWithRetries(ctx, l, job, b)
		if err != nil {
			return res, w.fail(ctx, l, err)
		}
		res.Updated += n
		res.Batches++
		w.report(job, res)

		if b.Last {
			break
		}
		start = stop
	}

	if nulls > 0 {
		if err := w.waitForCapacity(ctx, l, walBackoff); err != nil {
			return res, w.fail(ctx, l, err)
		}
		n, err := w.executeWithRetries(ctx, l, job, Batch{Nulls: true})
		if err != nil {
			return res, w.fail(ctx, l, err)
		}
		res.Updated += n
		res.Batches++
		w.report(job, res)
	}

	l.WithFields(log.Fields{rowsUpdatedKey: res.Updated, "batches": res.Batches}).Info("finished backfill")
	return res, nil
}

func (w *Worker) fail(ctx context.Context, l log.Logger, err error) error {
	l.WithError(err).Error("backfill failed")
	errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
	return err
}

func (w *Worker) report(job Job, res *Result) {
	percent := 100.0
	if res.Total > 0 && res.Updated < res.Total {
		percent = float64(res.Updated) / float64(res.Total) * 100
	}
	metrics.BackfillProgress(job.Table, percent)
	if w.progress != nil {
		w.progress(res.Updated, res.Total)
	}
}

// waitForCapacity blocks until the rate limiter admits the next batch and WAL pressure is low enough.
func (w *Worker) waitForCapacity(ctx context.Context, l log.Logger, b Backoff) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if !w.isWALThrottlingEnabled {
		return nil
	}

	for {
		throttle, err := w.wh.ShouldThrottle(ctx)
		if err != nil {
			return fmt.Errorf("checking WAL pressure: %w", err)
		}
		if !throttle {
			b.Reset()
			return nil
		}

		metrics.WALThrottled()
		d := b.NextBackOff()
		l.WithField("delay_s", d.Seconds()).Info("high WAL pressure, delaying next batch")
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (w *Worker) executeWithRetries(ctx context.Context, l log.Logger, job Job, b Batch) (int64, error) {
	bl := l.WithFields(log.Fields{batchStartKey: b.Start, batchStopKey: b.Stop})
	retry := BackoffConstructor(retryInitialInterval, retryMaxInterval)

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		report := metrics.InstrumentBackfillBatch(job.Table)
		n, err := w.wh.ExecuteBatch(ctx, job, b)
		report(err)
		if err == nil {
			bl.WithFields(log.Fields{attemptKey: attempt, rowsUpdatedKey: n}).Debug("batch done")
			return n, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		bl.WithError(err).WithField(attemptKey, attempt).Warn("batch failed")
		if attempt < w.maxAttempts {
			if err := sleep(ctx, retry.NextBackOff()); err != nil {
				return 0, err
			}
		}
	}

	return 0, fmt.Errorf("%w: %s [%d, %d) after %d attempts: %w", ErrMaxAttemptsReached, job.Table, b.Start, b.Stop, w.maxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-SystemClock.After(d):
		return nil
	}
}

// ShouldThrottle reports whether the number of WAL segments pending archival is above the threshold. It never
// throttles when archiving is disabled.
func (w *Worker) ShouldThrottle(ctx context.Context) (bool, error) {
	pending, err := datastore.PendingWALCount(ctx, w.db)
	if err != nil {
		return false, err
	}
	w.logger.WithField(pendingWALSegmentsKey, pending).Debug("checked WAL pressure")
	if pending == -1 {
		return false, nil
	}
	return pending > w.walThreshold, nil
}

// ExecuteBatch updates the rows of b in a transaction of its own. The transaction bypasses the write lock of the
// table, since backfills of locked tables are issued by the migration that owns them.
func (w *Worker) ExecuteBatch(ctx context.Context, job Job, b Batch) (int64, error) {
	col := datastore.QuoteIdent(job.batchColumn())
	var (
		q    string
		args []any
	)
	switch {
	case b.Nulls:
		q = fmt.Sprintf("UPDATE %s SET %s WHERE %s IS NULL", datastore.QuoteTable(job.Table), job.Set, col)
	default:
		q = fmt.Sprintf("UPDATE %s SET %s WHERE %s >= $1", datastore.QuoteTable(job.Table), job.Set, col)
		args = append(args, b.Start)
		if !b.Last {
			q += fmt.Sprintf(" AND %s < $2", col)
			args = append(args, b.Stop)
		}
	}

	var n int64
	err := datastore.RunInTx(ctx, w.db, func(ctx context.Context, tx datastore.Transactor) error {
		if _, err := tx.ExecContext(ctx, lockwrites.BypassStatement(job.Table)); err != nil {
			return fmt.Errorf("bypassing write lock: %w", err)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// countRows returns the number of rows of the table and how many of them have a NULL batch column.
func (w *Worker) countRows(ctx context.Context, job Job) (int64, int64, error) {
	defer metrics.InstrumentQuery("bbm_count_rows")()

	var n, nulls int64
	q := fmt.Sprintf("SELECT COUNT(*), COUNT(*) - COUNT(%s) FROM %s",
		datastore.QuoteIdent(job.batchColumn()), datastore.QuoteTable(job.Table))
	if err := w.db.QueryRowContext(ctx, q).Scan(&n, &nulls); err != nil {
		return 0, 0, fmt.Errorf("counting rows of %s: %w", job.Table, err)
	}
	return n, nulls, nil
}

func (w *Worker) firstValue(ctx context.Context, job Job) (int64, bool, error) {
	defer metrics.InstrumentQuery("bbm_first_value")()

	col := datastore.QuoteIdent(job.batchColumn())
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s ASC LIMIT 1",
		col, datastore.QuoteTable(job.Table), col, col)

	var v int64
	if err := w.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("finding first batch of %s: %w", job.Table, err)
	}
	return v, true, nil
}

// nextValue returns the batch column value size rows after start, which is the exclusive end of the batch starting
// at start. ok is false when fewer rows remain. When size rows or more share the value start, the end moves to the
// next distinct value so that the batch is never empty.
func (w *Worker) nextValue(ctx context.Context, job Job, start int64, size int) (int64, bool, error) {
	defer metrics.InstrumentQuery("bbm_next_value")()

	col := datastore.QuoteIdent(job.batchColumn())
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= $1 ORDER BY %s ASC OFFSET $2 LIMIT 1",
		col, datastore.QuoteTable(job.Table), col, col)

	var v int64
	if err := w.db.QueryRowContext(ctx, q, start, size).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("finding next batch of %s: %w", job.Table, err)
	}
	if v > start {
		return v, true, nil
	}
	return w.nextDistinctValue(ctx, job, start)
}

func (w *Worker) nextDistinctValue(ctx context.Context, job Job, after int64) (int64, bool, error) {
	defer metrics.InstrumentQuery("bbm_next_distinct_value")()

	col := datastore.QuoteIdent(job.batchColumn())
	q := fmt.Sprintf("SELECT MIN(%s) FROM %s WHERE %s > $1", col, datastore.QuoteTable(job.Table), col)

	var v sql.NullInt64
	if err := w.db.QueryRowContext(ctx, q, after).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("finding next batch of %s: %w", job.Table, err)
	}
	return v.Int64, v.Valid, nil
}

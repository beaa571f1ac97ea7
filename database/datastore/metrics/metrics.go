package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/database-guard/metrics"
)

var (
	queryDurationHist     *prometheus.HistogramVec
	queryTotal            *prometheus.CounterVec
	timeSince             = time.Since // for test purposes only
	lockRetryAttempts     *prometheus.HistogramVec
	lockRetryExhausted    *prometheus.CounterVec
	writeLockActions      *prometheus.CounterVec
	classifierVerdicts    *prometheus.CounterVec
	backfillBatches       *prometheus.CounterVec
	backfillBatchDuration prometheus.Histogram
	backfillProgress      *prometheus.GaugeVec
	walThrottled          prometheus.Counter
	totalMigrations       *prometheus.GaugeVec
)

const (
	subsystem        = "database"
	queryNameLabel   = "name"
	errorLabel       = "error"
	connectionLabel  = "connection"
	actionLabel      = "action"
	verdictLabel     = "verdict"
	tableLabel       = "table"
	raisedLabel      = "raised"
	migrationTypeLbl = "migration_type"

	queryDurationName = "query_duration_seconds"
	queryDurationDesc = "A histogram of latencies for database queries."

	queryTotalName = "queries_total"
	queryTotalDesc = "A counter for database queries."

	lockRetryAttemptsName = "lock_retry_attempts"
	lockRetryAttemptsDesc = "A histogram of the number of attempts needed by lock-retry blocks."

	lockRetryExhaustedName = "lock_retry_exhausted_total"
	lockRetryExhaustedDesc = "A counter for lock-retry blocks that used all their attempts."

	writeLockActionsName = "write_lock_actions_total"
	writeLockActionsDesc = "A counter for write-lock manager actions per connection."

	classifierVerdictsName = "classifier_verdicts_total"
	classifierVerdictsDesc = "A counter for query classifier verdicts."

	backfillBatchesName = "backfill_batches_total"
	backfillBatchesDesc = "A counter for backfill batches, partitioned by outcome."

	backfillBatchDurationName = "backfill_batch_duration_seconds"
	backfillBatchDurationDesc = "A histogram of backfill batch latencies."

	backfillProgressName = "backfill_progress_percent"
	backfillProgressDesc = "Backfill progress percentage (0-100) per table."

	walThrottledName = "backfill_wal_throttled_total"
	walThrottledDesc = "A counter for backfill batches delayed due to WAL archival pressure."

	totalMigrationsName = "migrations_total"
	totalMigrationsDesc = "A gauge for the total number of database migrations (applied + pending)"
	preMigrationType    = "pre_deployment"
	postMigrationType   = "post_deployment"
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	queryDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryDurationName,
			Help:      queryDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{queryNameLabel},
	)

	queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryTotalName,
			Help:      queryTotalDesc,
		},
		[]string{queryNameLabel},
	)

	lockRetryAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      lockRetryAttemptsName,
			Help:      lockRetryAttemptsDesc,
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 30, 40, 50},
		},
		[]string{errorLabel},
	)

	lockRetryExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      lockRetryExhaustedName,
			Help:      lockRetryExhaustedDesc,
		},
		[]string{raisedLabel},
	)

	writeLockActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      writeLockActionsName,
			Help:      writeLockActionsDesc,
		},
		[]string{connectionLabel, actionLabel},
	)

	classifierVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      classifierVerdictsName,
			Help:      classifierVerdictsDesc,
		},
		[]string{verdictLabel},
	)

	backfillBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      backfillBatchesName,
			Help:      backfillBatchesDesc,
		},
		[]string{tableLabel, errorLabel},
	)

	backfillBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      backfillBatchDurationName,
			Help:      backfillBatchDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
	)

	backfillProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      backfillProgressName,
			Help:      backfillProgressDesc,
		},
		[]string{tableLabel},
	)

	walThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      walThrottledName,
			Help:      walThrottledDesc,
		},
	)

	totalMigrations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      totalMigrationsName,
			Help:      totalMigrationsDesc,
		},
		[]string{migrationTypeLbl},
	)

	registerer.MustRegister(queryDurationHist)
	registerer.MustRegister(queryTotal)
	registerer.MustRegister(lockRetryAttempts)
	registerer.MustRegister(lockRetryExhausted)
	registerer.MustRegister(writeLockActions)
	registerer.MustRegister(classifierVerdicts)
	registerer.MustRegister(backfillBatches)
	registerer.MustRegister(backfillBatchDuration)
	registerer.MustRegister(backfillProgress)
	registerer.MustRegister(walThrottled)
	registerer.MustRegister(totalMigrations)
}

// InstrumentQuery returns a function that records the count and duration of the named query.
func InstrumentQuery(name string) func() {
	start := time.Now()
	return func() {
		queryTotal.WithLabelValues(name).Inc()
		queryDurationHist.WithLabelValues(name).Observe(timeSince(start).Seconds())
	}
}

// LockRetryAttempts records the number of attempts a lock-retry block needed and whether it failed.
func LockRetryAttempts(attempts int, err error) {
	lockRetryAttempts.WithLabelValues(strconv.FormatBool(err != nil)).Observe(float64(attempts))
}

// LockRetryExhausted increments the counter for exhausted lock-retry blocks.
func LockRetryExhausted(raised bool) {
	lockRetryExhausted.WithLabelValues(strconv.FormatBool(raised)).Inc()
}

// WriteLockAction increments the counter for a write-lock manager action on a connection.
func WriteLockAction(connection, action string) {
	writeLockActions.WithLabelValues(connection, action).Inc()
}

// ClassifierVerdict increments the counter for a query classifier verdict.
func ClassifierVerdict(verdict string) {
	classifierVerdicts.WithLabelValues(verdict).Inc()
}

// InstrumentBackfillBatch returns a function that records the outcome and duration of a backfill batch.
func InstrumentBackfillBatch(table string) func(error) {
	start := time.Now()
	return func(err error) {
		backfillBatches.WithLabelValues(table, strconv.FormatBool(err != nil)).Inc()
		backfillBatchDuration.Observe(timeSince(start).Seconds())
	}
}

// BackfillProgress sets the completion percentage of a table backfill.
func BackfillProgress(table string, percent float64) {
	backfillProgress.WithLabelValues(table).Set(percent)
}

// WALThrottled increments the counter for batches delayed due to WAL pressure.
func WALThrottled() {
	walThrottled.Inc()
}

// SetTotalMigrationCounts sets the total migration count metrics.
func SetTotalMigrationCounts(preCount, postCount int) {
	totalMigrations.WithLabelValues(preMigrationType).Set(float64(preCount))
	totalMigrations.WithLabelValues(postMigrationType).Set(float64(postCount))
}

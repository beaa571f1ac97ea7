package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/log"
)

// Checker checks every physical database behind the configured connections. It is implemented by *router.Router.
type Checker interface {
	Check(ctx context.Context, timeout time.Duration) ([]*router.ConnectionStatus, error)
}

// Overall statuses reported by ConnectionStatusChecker.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// DBStatus is the body served at /debug/health/db.
type DBStatus struct {
	OverallStatus string                     `json:"overall_status"`
	Connections   []*router.ConnectionStatus `json:"connections,omitempty"`
}

// ConnectionStatusChecker asynchronously checks and stores the status of the databases behind the connection router,
// returning the status when required.
type ConnectionStatusChecker struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	checked  bool
	statuses []*router.ConnectionStatus
	err      error
	logger   log.Logger
}

// NewConnectionStatusChecker returns a checker that runs every interval, bounding each ping by timeout.
func NewConnectionStatusChecker(checker Checker, interval, timeout time.Duration, logger log.Logger) *ConnectionStatusChecker {
	return &ConnectionStatusChecker{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start runs the checks in the background until ctx is done.
func (s *ConnectionStatusChecker) Start(ctx context.Context) {
	go s.updateStatusInBackground(ctx)
}

func (s *ConnectionStatusChecker) updateStatusInBackground(ctx context.Context) {
	s.doChecks(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.doChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *ConnectionStatusChecker) doChecks(ctx context.Context) {
	statuses, err := s.checker.Check(ctx, s.timeout)
	if err != nil {
		s.logger.WithError(err).Warn("database health check failed")
	}

	s.mu.Lock()
	s.checked = true
	s.statuses = statuses
	s.err = err
	s.mu.Unlock()
}

// HealthCheck is a CheckFunc returning the error of the last check. It is healthy until the first check completes.
func (s *ConnectionStatusChecker) HealthCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.checked {
		s.logger.WithFields(log.Fields{"path": "/debug/health"}).Info("database status unknown, not checked yet, returning OK")
		return nil
	}
	return s.err
}

// ServeHTTP reports the status of every database. This will be served at /debug/health/db.
func (s *ConnectionStatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithFields(log.Fields{"path": "/debug/health/db"}).WithError(err).
				Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	encoded, err := json.Marshal(s.getStatus())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(encoded)
	maybeLogWriteErr(err)
}

func (s *ConnectionStatusChecker) getStatus() *DBStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &DBStatus{Connections: s.statuses}
	switch {
	case !s.checked:
		status.OverallStatus = StatusUnknown
	case s.err != nil:
		status.OverallStatus = StatusUnhealthy
	default:
		status.OverallStatus = StatusHealthy
	}
	return status
}

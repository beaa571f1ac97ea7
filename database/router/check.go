package router

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"gitlab.com/gitlab-org/database-guard/database/datastore"
	"golang.org/x/sync/errgroup"
)

// Connection statuses reported by Check.
const (
	StatusOnline      = "online"
	StatusUnreachable = "unreachable"
	StatusReplica     = "in_recovery"
	StatusUnsupported = "unsupported_version"
)

// ConnectionStatus is the result of checking one physical database.
type ConnectionStatus struct {
	Connections []string   `json:"connections"`
	Address     string     `json:"address"`
	Status      string     `json:"status"`
	CheckedAt   *timestamp `json:"checked_at"`
	Error       string     `json:"error,omitempty"`
}

// timestamp is a time.Time that marshals into an ISO8601 timestamp with
// millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0)
	b = append(b, '"')
	b = (*time.Time)(t).UTC().AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}

var timeNow = time.Now // for test purposes only

// Check pings every distinct physical database concurrently and verifies that it is a supported primary. Each ping
// is bounded by timeout. The returned error aggregates every failure.
func (r *Router) Check(ctx context.Context, timeout time.Duration) ([]*ConnectionStatus, error) {
	targets := r.distinct()
	statuses := make([]*ConnectionStatus, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range targets {
		g.Go(func() error {
			statuses[i], errs[i] = r.check(gctx, c, timeout)
			// failures are aggregated below so that every database gets checked
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return statuses, merr.ErrorOrNil()
}

func (r *Router) check(ctx context.Context, c *Connection, timeout time.Duration) (*ConnectionStatus, error) {
	now := timestamp(timeNow())
	st := &ConnectionStatus{
		Address:   c.DB.Address(),
		CheckedAt: &now,
	}
	for _, other := range r.conns {
		if other.DB == c.DB {
			st.Connections = append(st.Connections, other.Name)
		}
	}

	fail := func(status string, err error) (*ConnectionStatus, error) {
		st.Status = status
		st.Error = err.Error()
		return st, fmt.Errorf("%s connection: %w", c.Name, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.DB.PingContext(ctx); err != nil {
		return fail(StatusUnreachable, err)
	}
	supported, err := datastore.IsDBSupported(ctx, c.DB)
	if err != nil {
		return fail(StatusUnreachable, err)
	}
	if !supported {
		return fail(StatusUnsupported, fmt.Errorf("database server version is not supported"))
	}
	inRecovery, err := datastore.IsInRecovery(ctx, c.DB)
	if err != nil {
		return fail(StatusUnreachable, err)
	}
	if inRecovery {
		return fail(StatusReplica, fmt.Errorf("database is in recovery mode, migrations must run against a primary"))
	}

	st.Status = StatusOnline
	return st, nil
}

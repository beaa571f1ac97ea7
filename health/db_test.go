package health

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/database-guard/database/router"
	"gitlab.com/gitlab-org/database-guard/testutil"
)

type fakeChecker struct {
	mu       sync.Mutex
	calls    int
	statuses []*router.ConnectionStatus
	err      error
}

func (c *fakeChecker) Check(context.Context, time.Duration) ([]*router.ConnectionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.statuses, c.err
}

func TestHealthCheck(t *testing.T) {
	testCases := []struct {
		description string
		checker     *fakeChecker
		skipCheck   bool
		expectedErr string
	}{
		{
			description: "all databases online",
			checker: &fakeChecker{statuses: []*router.ConnectionStatus{
				{Connections: []string{"main"}, Address: "main:5432", Status: router.StatusOnline},
			}},
		},
		{
			description: "database unreachable",
			checker: &fakeChecker{
				statuses: []*router.ConnectionStatus{
					{Connections: []string{"ci"}, Address: "ci:5432", Status: router.StatusUnreachable, Error: "connection refused"},
				},
				err: errors.New("ci connection: connection refused"),
			},
			expectedErr: "connection refused",
		},
		{
			description: "not checked yet",
			checker:     &fakeChecker{err: errors.New("never returned")},
			skipCheck:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			s := NewConnectionStatusChecker(tc.checker, time.Second, time.Second, testutil.NewTestLogger(tt))
			if !tc.skipCheck {
				s.doChecks(context.Background())
			}

			err := s.HealthCheck()
			if tc.expectedErr == "" {
				require.NoError(tt, err)
			} else {
				require.ErrorContains(tt, err, tc.expectedErr)
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	online := &router.ConnectionStatus{Connections: []string{"main", "ci"}, Address: "main:5432", Status: router.StatusOnline}

	testCases := []struct {
		description string
		checker     *fakeChecker
		check       bool
		expected    *DBStatus
	}{
		{
			description: "starting up",
			checker:     &fakeChecker{},
			expected:    &DBStatus{OverallStatus: StatusUnknown},
		},
		{
			description: "healthy",
			checker:     &fakeChecker{statuses: []*router.ConnectionStatus{online}},
			check:       true,
			expected:    &DBStatus{OverallStatus: StatusHealthy, Connections: []*router.ConnectionStatus{online}},
		},
		{
			description: "unhealthy",
			checker:     &fakeChecker{statuses: []*router.ConnectionStatus{online}, err: errors.New("geo connection: timeout")},
			check:       true,
			expected:    &DBStatus{OverallStatus: StatusUnhealthy, Connections: []*router.ConnectionStatus{online}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			s := NewConnectionStatusChecker(tc.checker, time.Second, time.Second, testutil.NewTestLogger(tt))
			if tc.check {
				s.doChecks(context.Background())
			}
			require.Equal(tt, tc.expected, s.getStatus())
		})
	}
}

func TestHandler(t *testing.T) {
	checker := &fakeChecker{statuses: []*router.ConnectionStatus{
		{Connections: []string{"main"}, Address: "main:5432", Status: router.StatusOnline},
	}}
	s := NewConnectionStatusChecker(checker, time.Second, time.Second, testutil.NewTestLogger(t))
	s.doChecks(context.Background())

	svr := httptest.NewServer(s)
	defer svr.Close()

	resp, err := http.Get(svr.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		OverallStatus string `json:"overall_status"`
		Connections   []struct {
			Connections []string `json:"connections"`
			Status      string   `json:"status"`
		} `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, StatusHealthy, body.OverallStatus)
	require.Len(t, body.Connections, 1)
	require.Equal(t, []string{"main"}, body.Connections[0].Connections)

	post, err := http.Post(svr.URL, "application/json", nil)
	require.NoError(t, err)
	defer post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestStatusCheckerRace(t *testing.T) {
	checker := &fakeChecker{statuses: []*router.ConnectionStatus{
		{Connections: []string{"main"}, Address: "main:5432", Status: router.StatusOnline},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewConnectionStatusChecker(checker, 10*time.Microsecond, time.Microsecond, testutil.NewTestLogger(t))
	s.Start(ctx)
	svr := httptest.NewServer(s)
	defer svr.Close()

	for range 100 {
		resp, err := http.Get(svr.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())

		_ = s.HealthCheck()

		time.Sleep(time.Duration(rand.IntN(10)) * time.Microsecond)
	}

	checker.mu.Lock()
	defer checker.mu.Unlock()
	require.Positive(t, checker.calls)
}

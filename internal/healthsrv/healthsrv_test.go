package healthsrv

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/store"
)

type fakeConsensus struct {
	leader     bool
	leaderAddr string
}

func (f fakeConsensus) IsLeader() bool     { return f.leader }
func (f fakeConsensus) LeaderAddr() string { return f.leaderAddr }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHealthHandlerAlwaysOK(t *testing.T) {
	s := New(fakeConsensus{}, newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyHandlerNotReadyWithoutLeader(t *testing.T) {
	s := New(fakeConsensus{leader: false, leaderAddr: ""}, newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandlerReadyAsLeader(t *testing.T) {
	s := New(fakeConsensus{leader: true}, newTestStore(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

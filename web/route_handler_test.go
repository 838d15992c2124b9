package web

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeStats struct {
	counts   map[state.JobStatus]int
	err      error
	pingErr  error
	category string
}

func (f *fakeStats) CountByStatus(_ context.Context, category string) (map[state.JobStatus]int, error) {
	f.category = category
	return f.counts, f.err
}

func (f *fakeStats) Ping(context.Context) error { return f.pingErr }

func newTestHandler(stats *fakeStats) *HttpRouteHandler {
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rollqueue_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return NewRouteHandler(stats, reg, "H", "w1", logger)
}

func TestStats(t *testing.T) {
	stats := &fakeStats{counts: map[state.JobStatus]int{state.StatusPending: 3, state.StatusCompleted: 2, state.StatusError: 0, state.StatusInProgress: 1}}
	h := newTestHandler(stats).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "H", resp.Category)
	assert.Equal(t, 3, resp.Counts["pending"])
	assert.Equal(t, 6, resp.Total)
	assert.Equal(t, "H", stats.category)
}

func TestStats_CategoryOverride(t *testing.T) {
	stats := &fakeStats{counts: map[state.JobStatus]int{}}
	h := newTestHandler(stats).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats?category=V", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "V", stats.category)
}

func TestStats_Error(t *testing.T) {
	h := newTestHandler(&fakeStats{err: errors.New("db down")}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(&fakeStats{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newTestHandler(&fakeStats{pingErr: errors.New("refused")}).Handler()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}

func TestMetrics(t *testing.T) {
	h := newTestHandler(&fakeStats{}).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rollqueue_test_total 1")
}

func TestServe_StopsOnCancel(t *testing.T) {
	handler := newTestHandler(&fakeStats{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- handler.serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dunamismax/tileforge/internal/compositor"
	"github.com/dunamismax/tileforge/internal/queue"
	"github.com/dunamismax/tileforge/internal/watchdog"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type stubCompositor struct {
	outcome compositor.Outcome
	err     error
	got     []compositor.Request
}

func (c *stubCompositor) Composite(_ context.Context, req compositor.Request) (compositor.Outcome, error) {
	c.got = append(c.got, req)
	return c.outcome, c.err
}

type stubWatchdog struct {
	report watchdog.Report
	err    error
	calls  int
}

func (w *stubWatchdog) Reconcile(context.Context) (watchdog.Report, error) {
	w.calls++
	return w.report, w.err
}

func newTestServer(comp Compositor, wd Reconciler) *Server {
	return &Server{
		logger:     zerolog.Nop(),
		compositor: comp,
		watchdog:   wd,
		metrics:    NewMetrics(),
		tracer:     otel.Tracer("tileforge/worker"),
	}
}

func compositeTask(t *testing.T, payload queue.CompositePayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(queue.TypeComposite, body)
}

func TestHandleCompositePassesLeaseOwner(t *testing.T) {
	comp := &stubCompositor{outcome: compositor.OutcomeContinued}
	s := newTestServer(comp, &stubWatchdog{})

	err := s.handleComposite(context.Background(), compositeTask(t, queue.CompositePayload{
		JobID:       "job-1",
		LeaseOwner:  "compositor_abc",
		RequestedAt: time.Now().UTC(),
	}))
	require.NoError(t, err)
	require.Len(t, comp.got, 1)
	assert.Equal(t, compositor.Request{JobID: "job-1", LeaseOwner: "compositor_abc"}, comp.got[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(queue.TypeComposite, "continued")))
}

func TestHandleCompositeSkipsRetryOnTerminalFailure(t *testing.T) {
	s := newTestServer(&stubCompositor{outcome: compositor.OutcomeFailed, err: errors.New("decode tile")}, &stubWatchdog{})

	err := s.handleComposite(context.Background(), compositeTask(t, queue.CompositePayload{JobID: "job-1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleCompositeRetriesTransientErrors(t *testing.T) {
	s := newTestServer(&stubCompositor{err: errors.New("registry unavailable")}, &stubWatchdog{})

	err := s.handleComposite(context.Background(), compositeTask(t, queue.CompositePayload{JobID: "job-1"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleCompositeRetriesWhenFailureWasNotRecorded(t *testing.T) {
	cause := errors.Join(errors.New("decode tile"), errors.New("record failure: registry unavailable"))
	s := newTestServer(&stubCompositor{outcome: compositor.OutcomeErrored, err: cause}, &stubWatchdog{})

	err := s.handleComposite(context.Background(), compositeTask(t, queue.CompositePayload{JobID: "job-1"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(queue.TypeComposite, "errored")))
}

func TestHandleCompositeRejectsBadPayload(t *testing.T) {
	comp := &stubCompositor{}
	s := newTestServer(comp, &stubWatchdog{})

	err := s.handleComposite(context.Background(), asynq.NewTask(queue.TypeComposite, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, comp.got)
}

func TestHandleReconcile(t *testing.T) {
	wd := &stubWatchdog{report: watchdog.Report{AdmittedJobs: []string{"job-1"}}}
	s := newTestServer(&stubCompositor{}, wd)

	require.NoError(t, s.handleReconcile(context.Background(), asynq.NewTask(queue.TypeReconcile, nil)))
	assert.Equal(t, 1, wd.calls)

	wd.err = errors.New("admission: boom")
	err := s.handleReconcile(context.Background(), asynq.NewTask(queue.TypeReconcile, []byte(`{"requested_at":"2026-03-01T12:00:00Z"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(queue.TypeReconcile, "partial")))
}

func TestMetricsHandlerServesRegisteredCollectors(t *testing.T) {
	m := NewMetrics()
	compositor.NewMetrics(m.Registry())
	watchdog.NewMetrics(m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tileforge_worker_active_composites")
}

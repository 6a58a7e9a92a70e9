package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(attempts int) *Client {
	return NewClient(Config{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(1).Send(context.Background(), srv.URL, EventJobCompleted, map[string]any{"job_id": "job-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, gotTS)
	assert.Equal(t, EventJobCompleted, gotEvt)
	assert.True(t, Verify("test-secret", gotTS, gotBody, gotSig))
	assert.False(t, Verify("other-secret", gotTS, gotBody, gotSig))
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, testClient(3).Send(context.Background(), srv.URL, EventJobFailed, map[string]any{}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	err := testClient(5).Send(context.Background(), srv.URL, EventJobFailed, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=410")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendWithoutEndpointIsNoop(t *testing.T) {
	assert.NoError(t, testClient(1).Send(context.Background(), "  ", EventJobCompleted, nil))
}

func TestJobNotifierPicksEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		last   JobEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, r.Header.Get(HeaderEvent))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := NewJobNotifier(testClient(1))
	done := domain.Job{ID: "job-1", Status: domain.JobStatusComplete, FinalURL: "https://cdn.example/final.jpg", WebhookURL: srv.URL}
	require.NoError(t, notifier.JobFinished(context.Background(), done))
	mu.Lock()
	assert.Equal(t, "https://cdn.example/final.jpg", last.FinalURL)
	mu.Unlock()

	failed := domain.Job{ID: "job-2", Status: domain.JobStatusFailed, Error: "compositing failed: boom", WebhookURL: srv.URL}
	require.NoError(t, notifier.JobFinished(context.Background(), failed))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "compositing failed: boom", last.Error)
	assert.Equal(t, []string{EventJobCompleted, EventJobFailed}, events)
}

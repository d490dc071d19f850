package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/notifyhub/reminder-engine/internal/api"
	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/metrics"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

type fakeProbe struct {
	err    error
	status map[string]bool
}

func (f *fakeProbe) Ready(context.Context) error { return f.err }
func (f *fakeProbe) Status() map[string]bool     { return f.status }

func newServer(t *testing.T, probe *fakeProbe, b queue.Broker, logger *zap.Logger) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.NotificationCreated(domain.TypeMedicationReminder)

	srv := httptest.NewServer(api.NewRouter(probe, b, reg, logger))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &fakeProbe{}, queue.NewMemoryBroker(), zap.NewNop())

	resp := get(t, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	resp = get(t, srv.URL+"/health", map[string]string{"X-Correlation-ID": "abc-123"})
	assert.Equal(t, "abc-123", resp.Header.Get("X-Correlation-ID"))
}

func TestReady(t *testing.T) {
	probe := &fakeProbe{status: map[string]bool{"scheduler": true, "dispatch": true}}
	srv := newServer(t, probe, queue.NewMemoryBroker(), zap.NewNop())

	var body struct {
		Status  string          `json:"status"`
		Error   string          `json:"error"`
		Workers map[string]bool `json:"workers"`
	}
	resp := get(t, srv.URL+"/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, probe.status, body.Workers)

	probe.err = errors.New("queue broker: dial tcp: connection refused")
	resp = get(t, srv.URL+"/ready", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Contains(t, body.Error, "queue broker")
}

func TestMetricsScrape(t *testing.T) {
	srv := newServer(t, &fakeProbe{}, queue.NewMemoryBroker(), zap.NewNop())

	resp := get(t, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "reminder_notifications_created_total")
}

func TestQueueSnapshots(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	_, err := b.Enqueue(ctx, domain.CategoryDispatch, "dispatch-1", []byte(`{}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, domain.CategoryShift, "shift-1", []byte(`{}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := b.Reserve(ctx, domain.CategoryShift, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.MoveToDeadLetter(ctx, job, domain.DeadLetterRecord{
		ID: "r1", OriginalCategory: domain.CategoryShift, OriginalJobID: job.ID,
		Error: "decode shift: invalid payload", ErrorKind: "validation",
		FailedAt: time.Now().UTC(), AttemptsMade: 1,
	}))

	srv := newServer(t, &fakeProbe{}, b, zap.NewNop())

	var depths map[string]queue.Depth
	resp := get(t, srv.URL+"/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&depths))
	assert.Len(t, depths, len(domain.AllCategories()))
	assert.Equal(t, int64(1), depths["dispatch"].Ready)
	assert.Equal(t, int64(1), depths["dead-letter"].Ready)

	depths = nil
	resp = get(t, srv.URL+"/queues?category=dispatch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&depths))
	assert.Equal(t, map[string]queue.Depth{"dispatch": {Ready: 1}}, depths)

	resp = get(t, srv.URL+"/queues?category=email", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var recs []domain.DeadLetterRecord
	resp = get(t, srv.URL+"/dead-letters?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "shift-1", recs[0].OriginalJobID)

	resp = get(t, srv.URL+"/dead-letters?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestLogger_ProbesAreQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	srv := newServer(t, &fakeProbe{}, queue.NewMemoryBroker(), zap.New(core))

	get(t, srv.URL+"/health", nil)
	assert.Zero(t, logs.Len())

	get(t, srv.URL+"/queues", map[string]string{"X-Correlation-ID": "req-7"})
	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/queues", fields["path"])
	assert.Equal(t, "req-7", fields["correlation_id"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/storage/memory"
)

func seededRuns(t *testing.T) *memory.RunStore {
	t.Helper()
	ctx := context.Background()
	runs := memory.NewRunStore()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, runs.CreateRun(ctx, harvest.Run{
		ID:       "run-1",
		WebmapID: "wm1",
		Status:   harvest.RunStatusRunning,
		Started:  started,
	}))
	require.NoError(t, runs.RecordLayer(ctx, harvest.LayerRecord{
		RunID:        "run-1",
		WebmapID:     "wm1",
		Index:        0,
		Title:        "County Parks",
		Outcome:      harvest.LayerSaved,
		FeatureCount: 5,
	}))
	return runs
}

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := NewServer(memory.NewRunStore(), nil, zap.NewNop())
	rec := serve(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	ok := NewServer(memory.NewRunStore(), map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	}, nil)
	rec := serve(t, ok, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(memory.NewRunStore(), map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	rec = serve(t, down, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestGetRun(t *testing.T) {
	srv := NewServer(seededRuns(t), nil, nil)
	rec := serve(t, srv, "/v1/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got harvest.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.Run.ID)
	assert.Equal(t, "wm1", got.Run.WebmapID)
	require.Len(t, got.Layers, 1)
	assert.Equal(t, "County Parks", got.Layers[0].Title)
	assert.Equal(t, 5, got.Layers[0].FeatureCount)
}

func TestGetRunLayers(t *testing.T) {
	srv := NewServer(seededRuns(t), nil, nil)
	rec := serve(t, srv, "/v1/runs/run-1/layers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Layers []harvest.LayerRecord `json:"layers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Layers, 1)
	assert.Equal(t, harvest.LayerSaved, body.Layers[0].Outcome)
}

func TestGetRunNotFound(t *testing.T) {
	srv := NewServer(seededRuns(t), nil, nil)
	for _, path := range []string{"/v1/runs/missing", "/v1/runs/missing/layers"} {
		rec := serve(t, srv, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.JSONEq(t, `{"error":"run not found"}`, rec.Body.String(), path)
	}
}

type brokenRuns struct{ harvest.RunStore }

func (brokenRuns) GetRun(context.Context, string) (harvest.Run, error) {
	return harvest.Run{}, errors.New("ledger offline")
}

func TestGetRunStoreError(t *testing.T) {
	srv := NewServer(brokenRuns{}, nil, nil)
	rec := serve(t, srv, "/v1/runs/run-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := NewServer(memory.NewRunStore(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsRoute(t *testing.T) {
	srv := NewServer(memory.NewRunStore(), nil, nil)
	rec := serve(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRequestsAreCountedByRoutePattern(t *testing.T) {
	srv := NewServer(seededRuns(t), nil, nil)
	serve(t, srv, "/v1/runs/run-1")

	rec := serve(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `harvester_api_requests_total{code="200",method="GET",route="/v1/runs/{run_id}`)
}

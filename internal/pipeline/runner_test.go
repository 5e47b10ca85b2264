package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/webmap-harvester/internal/arcgis"
	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/hash/sha256"
	"github.com/JakeFAU/webmap-harvester/internal/httpclient"
	pubmemory "github.com/JakeFAU/webmap-harvester/internal/publisher/memory"
	"github.com/JakeFAU/webmap-harvester/internal/storage/memory"
)

type countingPacer struct {
	mu     sync.Mutex
	calls  int
	err    error
	events []string
}

func (p *countingPacer) Wait(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.events = append(p.events, "wait")
	return p.err
}

func (p *countingPacer) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "done")
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct{ id string }

func (g fakeIDGen) NewID() (string, error) { return g.id, nil }

// failingBlobStore fails writes for the listed paths.
type failingBlobStore struct {
	*memory.BlobStore
	fail map[string]bool
}

func (s *failingBlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if s.fail[path] {
		return "", errors.New("disk full")
	}
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records []harvest.LayerRecord
	err     error
}

func (s *fakeRecordStore) StoreLayerRecord(_ context.Context, rec harvest.LayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

// arcgisServer serves a two-layer webmap: a feature service leaf with five
// features and a map service container whose sublayers hold three and zero.
func arcgisServer(t *testing.T, leafBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sharing/rest/content/items/wm1/data", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"operationalLayers": []map[string]any{
			{"title": "County Parks", "url": srv.URL + "/Parks/FeatureServer/0"},
			{"title": "Basemap"},
			{"title": "DNR Layers", "url": srv.URL + "/DNR/MapServer"},
		}})
	})
	mux.HandleFunc("/Parks/FeatureServer/0/query", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(leafBody))
	})
	mux.HandleFunc("/DNR/MapServer", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"layers": []map[string]any{{"id": 0, "name": "Leases"}, {"id": 1, "name": "Wells"}}})
	})
	mux.HandleFunc("/DNR/MapServer/0/query", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(collection("lease", 3)))
	})
	mux.HandleFunc("/DNR/MapServer/1/query", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(collection("well", 0)))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func collection(prefix string, n int) string {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{float64(i), 1})
		f.Properties = geojson.Properties{"name": fmt.Sprintf("%s-%d", prefix, i), "Shape.Area": float64(i)}
		fc.Append(f)
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return string(b)
}

type harness struct {
	runner    *Runner
	blobs     *memory.BlobStore
	runs      *memory.RunStore
	pacer     *countingPacer
	records   *fakeRecordStore
	publisher *pubmemory.Publisher
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, baseURL string, blobs harvest.BlobStore, cfg Config) *harness {
	t.Helper()
	client := httpclient.New(httpclient.Config{MaxAttempts: 3, BackoffInitial: time.Millisecond}, nil)
	resolver, err := arcgis.NewResolver(client, arcgis.ResolverConfig{}, nil)
	require.NoError(t, err)
	downloader := arcgis.NewDownloader(resolver, arcgis.NewFeatureFetcher(client, arcgis.FetchConfig{}, nil), 2, nil)

	mem := memory.NewBlobStore()
	if blobs == nil {
		blobs = mem
	}
	core, logs := observer.New(zapcore.InfoLevel)
	h := &harness{
		blobs:     mem,
		runs:      memory.NewRunStore(),
		pacer:     &countingPacer{},
		records:   &fakeRecordStore{},
		publisher: pubmemory.New(),
		logs:      logs,
	}
	h.runner, err = New(Deps{
		Discoverer: arcgis.NewDiscoverer(client, baseURL, 0, nil),
		Downloader: downloader,
		Runs:       h.runs,
		Blobs:      blobs,
		Records:    h.records,
		Publisher:  h.publisher,
		Pacer:      h.pacer,
		Hasher:     sha256.New(),
		Clock:      fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		IDs:        fakeIDGen{id: "run-1"},
	}, cfg, zap.New(core))
	require.NoError(t, err)
	return h
}

func storedCollection(t *testing.T, blobs *memory.BlobStore, path string) *geojson.FeatureCollection {
	t.Helper()
	data, ok := blobs.Get(path)
	require.True(t, ok, "missing %s", path)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	return fc
}

func TestRun_TwoLayerWebmap(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 5))
	h := newHarness(t, srv.URL, nil, Config{Topic: "layers"})

	res, err := h.runner.Run(context.Background(), "wm1")
	require.NoError(t, err)

	assert.Equal(t, []string{"layer_0_County_Parks.geojson", "layer_1_DNR_Layers.geojson"}, h.blobs.Paths())
	assert.Len(t, storedCollection(t, h.blobs, "layer_0_County_Parks.geojson").Features, 5)
	merged := storedCollection(t, h.blobs, "layer_1_DNR_Layers.geojson")
	require.Len(t, merged.Features, 3)
	for i, f := range merged.Features {
		assert.Equal(t, fmt.Sprintf("lease-%d", i), f.Properties["name"])
	}

	assert.Equal(t, harvest.RunStatusSucceeded, res.Run.Status)
	assert.Equal(t, harvest.RunCounters{LayersDiscovered: 2, LayersSaved: 2, FeaturesWritten: 8}, res.Run.Counters)
	require.Len(t, res.Layers, 2)
	assert.Equal(t, "leaf", res.Layers[0].Kind)
	assert.Equal(t, "container", res.Layers[1].Kind)
	assert.Equal(t, "memory://layer_1_DNR_Layers.geojson", res.Layers[1].OutputURI)
	assert.Contains(t, res.Layers[1].ContentHash, "sha256:")

	assert.Equal(t, 2, h.pacer.calls)
	assert.Equal(t, []string{"wait", "done", "wait", "done"}, h.pacer.events)
	assert.Len(t, h.records.records, 2)
	require.Len(t, h.publisher.Messages(), 2)
	assert.Equal(t, "layers", h.publisher.Messages()[0].Topic)

	stored, err := h.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, harvest.RunStatusSucceeded, stored.Status)
	assert.NotNil(t, stored.Finished)

	saved := h.logs.FilterMessage("layer saved").All()
	require.Len(t, saved, 2)
	fields := saved[0].ContextMap()
	assert.Equal(t, "layer_0_County_Parks.geojson", fields["path"])
	assert.EqualValues(t, 5, fields["features"])
	assert.Equal(t, "FeatureCollection", fields["type"])
	assert.Equal(t, "not specified", fields["crs"])
}

func TestRun_StructuralFailureWritesNothing(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, `{"type":"FeatureCollection"}`)
	h := newHarness(t, srv.URL, nil, Config{})

	res, err := h.runner.Run(context.Background(), "wm1")
	require.NoError(t, err)

	assert.Equal(t, []string{"layer_1_DNR_Layers.geojson"}, h.blobs.Paths())
	require.Len(t, res.Layers, 2)
	assert.Equal(t, harvest.LayerAbsent, res.Layers[0].Outcome)
	assert.Contains(t, res.Layers[0].ErrorText, "features")
	assert.Equal(t, harvest.RunStatusPartial, res.Run.Status)
	assert.Equal(t, 1, res.Run.Counters.LayersAbsent)
}

func TestRun_ZeroFeatureLeafIsEmpty(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 0))
	h := newHarness(t, srv.URL, nil, Config{})

	res, err := h.runner.Run(context.Background(), "wm1")
	require.NoError(t, err)
	assert.Equal(t, []string{"layer_1_DNR_Layers.geojson"}, h.blobs.Paths())
	assert.Equal(t, harvest.LayerEmpty, res.Layers[0].Outcome)
	assert.Equal(t, harvest.RunStatusSucceeded, res.Run.Status)
}

func TestRun_WriteFailureContinues(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 5))
	blobs := &failingBlobStore{
		BlobStore: memory.NewBlobStore(),
		fail:      map[string]bool{"layer_0_County_Parks.geojson": true},
	}
	h := newHarness(t, srv.URL, blobs, Config{})

	res, err := h.runner.Run(context.Background(), "wm1")
	require.Error(t, err)
	assert.ErrorIs(t, err, harvest.ErrIO)
	assert.Contains(t, err.Error(), "layer_0_County_Parks.geojson")

	assert.Equal(t, []string{"layer_1_DNR_Layers.geojson"}, blobs.Paths())
	assert.Equal(t, harvest.LayerWriteFailed, res.Layers[0].Outcome)
	assert.Equal(t, harvest.LayerSaved, res.Layers[1].Outcome)
	assert.Equal(t, 1, res.Run.Counters.WriteFailures)
	assert.Equal(t, harvest.RunStatusPartial, res.Run.Status)
	assert.Equal(t, 2, h.pacer.calls)
}

func TestRun_NormalizesProperties(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 1))
	h := newHarness(t, srv.URL, nil, Config{NormalizeProperties: true})

	_, err := h.runner.Run(context.Background(), "wm1")
	require.NoError(t, err)
	fc := storedCollection(t, h.blobs, "layer_0_County_Parks.geojson")
	assert.Contains(t, fc.Features[0].Properties, "Shape_Area")
	assert.NotContains(t, fc.Features[0].Properties, "Shape.Area")
}

func TestRun_DiscoveryFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sharing/rest/content/items/empty/data" {
			writeJSON(w, map[string]any{"operationalLayers": []map[string]any{{"title": "Basemap"}}})
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		id   string
		want error
	}{
		{"missing", httpclient.ErrNetwork},
		{"empty", ErrNoLayers},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			h := newHarness(t, srv.URL, nil, Config{})
			res, err := h.runner.Run(context.Background(), tt.id)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, harvest.RunStatusFailed, res.Run.Status)
			assert.Zero(t, h.pacer.calls)
			assert.Empty(t, h.blobs.Paths())
		})
	}
}

func TestRun_PacerCancellationStops(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 5))
	h := newHarness(t, srv.URL, nil, Config{})
	h.pacer.err = context.Canceled

	res, err := h.runner.Run(context.Background(), "wm1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, harvest.RunStatusFailed, res.Run.Status)
	assert.Empty(t, res.Layers)
}

func TestRun_RecordAndPublishFailuresAreTolerated(t *testing.T) {
	t.Parallel()
	srv := arcgisServer(t, collection("park", 2))
	h := newHarness(t, srv.URL, nil, Config{Topic: "layers"})
	h.records.err = errors.New("db down")
	h.publisher.FailWith(errors.New("pubsub down"))

	res, err := h.runner.Run(context.Background(), "wm1")
	require.NoError(t, err)
	assert.Equal(t, harvest.RunStatusSucceeded, res.Run.Status)
	assert.Len(t, h.blobs.Paths(), 2)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}

func TestFinalStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, harvest.RunStatusSucceeded, finalStatus(harvest.RunCounters{LayersSaved: 1, LayersEmpty: 1}))
	assert.Equal(t, harvest.RunStatusPartial, finalStatus(harvest.RunCounters{LayersSaved: 1, LayersAbsent: 1}))
	assert.Equal(t, harvest.RunStatusFailed, finalStatus(harvest.RunCounters{LayersAbsent: 2}))
	assert.Equal(t, harvest.RunStatusFailed, finalStatus(harvest.RunCounters{WriteFailures: 1}))
}

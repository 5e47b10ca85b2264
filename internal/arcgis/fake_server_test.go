package arcgis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/httpclient"
)

type fakeRoute struct {
	status int
	body   string
	delay  time.Duration
}

// fakeArcGIS serves canned bodies by request path and records hits.
type fakeArcGIS struct {
	*httptest.Server

	mu      sync.Mutex
	routes  map[string]fakeRoute
	hits    map[string]int
	queries map[string][]string
}

func newFakeArcGIS(t *testing.T) *fakeArcGIS {
	t.Helper()
	f := &fakeArcGIS{
		routes:  map[string]fakeRoute{},
		hits:    map[string]int{},
		queries: map[string][]string{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeArcGIS) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	route, ok := f.routes[r.URL.Path]
	f.hits[r.URL.Path]++
	f.queries[r.URL.Path] = append(f.queries[r.URL.Path], r.URL.RawQuery)
	f.mu.Unlock()

	if route.delay > 0 {
		time.Sleep(route.delay)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if route.status != 0 && route.status != http.StatusOK {
		w.WriteHeader(route.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(route.body))
}

func (f *fakeArcGIS) handle(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = fakeRoute{body: body}
}

func (f *fakeArcGIS) handleRoute(path string, route fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = route
}

func (f *fakeArcGIS) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeArcGIS) lastQuery(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := f.queries[path]
	if len(qs) == 0 {
		return ""
	}
	return qs[len(qs)-1]
}

func newFastClient() *httpclient.Client {
	return httpclient.New(httpclient.Config{
		UserAgent:      "harvester-test",
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
	}, zap.NewNop())
}

// featureBody renders a FeatureCollection of n points named prefix-0..n-1.
func featureBody(prefix string, n int) string {
	features := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		features = append(features, map[string]any{
			"type":     "Feature",
			"geometry": map[string]any{"type": "Point", "coordinates": []float64{float64(i), float64(i)}},
			"properties": map[string]any{
				"name": fmt.Sprintf("%s-%d", prefix, i),
			},
		})
	}
	b, err := json.Marshal(map[string]any{"type": "FeatureCollection", "features": features})
	if err != nil {
		panic(err)
	}
	return string(b)
}

// metadataBody renders map service metadata listing the given layer ids.
func metadataBody(ids ...int) string {
	layers := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		layers = append(layers, map[string]any{"id": id, "name": fmt.Sprintf("layer %d", id)})
	}
	b, err := json.Marshal(map[string]any{"layers": layers})
	if err != nil {
		panic(err)
	}
	return string(b)
}

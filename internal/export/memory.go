package export

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb/geojson"
)

// MemoryExporter is an in-memory Exporter for tests. Each job reports RUNNING
// for a fixed number of polls and then settles on a configured final state.
type MemoryExporter struct {
	mu          sync.Mutex
	runningFor  int
	final       JobState
	next        int
	polls       map[string]int
	submissions map[string]*geojson.FeatureCollection
}

// NewMemoryExporter returns an exporter whose jobs stay RUNNING for
// runningFor polls before reporting final. A negative runningFor never
// settles.
func NewMemoryExporter(runningFor int, final JobState) *MemoryExporter {
	if !final.Terminal() {
		final = JobCompleted
	}
	return &MemoryExporter{
		runningFor:  runningFor,
		final:       final,
		polls:       map[string]int{},
		submissions: map[string]*geojson.FeatureCollection{},
	}
}

// Submit records fc under assetID.
func (e *MemoryExporter) Submit(_ context.Context, assetID string, fc *geojson.FeatureCollection) (JobHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	job := JobHandle{ID: fmt.Sprintf("job-%d", e.next), AssetID: assetID}
	e.submissions[assetID] = fc
	return job, nil
}

// Status advances the job by one poll.
func (e *MemoryExporter) Status(ctx context.Context, job JobHandle) (JobState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submissions[job.AssetID]; !ok {
		return "", fmt.Errorf("unknown job %s", job.ID)
	}
	e.polls[job.ID]++
	if e.runningFor >= 0 && e.polls[job.ID] > e.runningFor {
		return e.final, nil
	}
	return JobRunning, nil
}

// Submitted returns the collection submitted for assetID.
func (e *MemoryExporter) Submitted(assetID string) (*geojson.FeatureCollection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc, ok := e.submissions[assetID]
	return fc, ok
}

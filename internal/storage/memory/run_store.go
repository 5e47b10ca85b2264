package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
)

// RunStore is the in-memory run ledger read by the ops server.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[string]harvest.Run
	layers map[string][]harvest.LayerRecord
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[string]harvest.Run),
		layers: make(map[string][]harvest.LayerRecord),
	}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run harvest.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun sets the status and counters of a run, stamping Finished on
// terminal statuses.
func (s *RunStore) UpdateRun(
	_ context.Context,
	runID string,
	status harvest.RunStatus,
	errText string,
	counters harvest.RunCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.ErrRunNotFound
	}
	run.Status = status
	run.ErrorText = errText
	run.Counters = counters
	if status != harvest.RunStatusRunning && run.Finished == nil {
		now := time.Now().UTC()
		run.Finished = &now
	}
	s.runs[runID] = run
	return nil
}

// RecordLayer appends a layer record to its run.
func (s *RunStore) RecordLayer(_ context.Context, record harvest.LayerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[record.RunID]; !ok {
		return harvest.ErrRunNotFound
	}
	s.layers[record.RunID] = append(s.layers[record.RunID], record)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (harvest.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return harvest.Run{}, harvest.ErrRunNotFound
	}
	return run, nil
}

// ListLayers returns the layer records of a run in recording order.
func (s *RunStore) ListLayers(_ context.Context, runID string) ([]harvest.LayerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, harvest.ErrRunNotFound
	}
	layers := s.layers[runID]
	out := make([]harvest.LayerRecord, len(layers))
	copy(out, layers)
	return out, nil
}

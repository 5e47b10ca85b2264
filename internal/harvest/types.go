package harvest

import (
	"errors"
	"time"
)

// ErrIO marks failures persisting a layer's output.
var ErrIO = errors.New("output persistence failed")

// ErrRunNotFound is returned by RunStore lookups for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// LayerRef identifies a top-level operational layer inside a webmap.
type LayerRef struct {
	Title       string `json:"title"`
	EndpointURL string `json:"url"`
}

// SublayerRef is one child enumerated under a container map service.
type SublayerRef struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	EndpointURL string `json:"url"`
}

// RunStatus represents the lifecycle state of a harvest run.
type RunStatus string

// Run status values.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// LayerOutcome classifies what happened to a single top-level layer.
type LayerOutcome string

// Layer outcomes recorded per top-level layer. LayerEmpty is a valid
// zero-feature response, LayerAbsent means no data could be obtained; neither
// produces an output file.
const (
	LayerSaved       LayerOutcome = "saved"
	LayerEmpty       LayerOutcome = "empty"
	LayerAbsent      LayerOutcome = "absent"
	LayerWriteFailed LayerOutcome = "write_failed"
)

// RunCounters tracks per-run layer statistics.
type RunCounters struct {
	LayersDiscovered int `json:"layers_discovered"`
	LayersSaved      int `json:"layers_saved"`
	LayersEmpty      int `json:"layers_empty"`
	LayersAbsent     int `json:"layers_absent"`
	WriteFailures    int `json:"write_failures"`
	FeaturesWritten  int `json:"features_written"`
}

// Run is the metadata kept for each harvest of one webmap.
type Run struct {
	ID        string      `json:"id"`
	WebmapID  string      `json:"webmap_id"`
	Status    RunStatus   `json:"status"`
	Started   time.Time   `json:"started_at"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Counters  RunCounters `json:"counters"`
}

// LayerRecord is persisted for each processed top-level layer.
type LayerRecord struct {
	RunID        string       `json:"run_id"`
	WebmapID     string       `json:"webmap_id"`
	Index        int          `json:"index"`
	Title        string       `json:"title"`
	EndpointURL  string       `json:"url"`
	Kind         string       `json:"kind"`
	Outcome      LayerOutcome `json:"outcome"`
	FeatureCount int          `json:"feature_count"`
	OutputURI    string       `json:"output_uri,omitempty"`
	ContentHash  string       `json:"content_hash,omitempty"`
	ErrorText    string       `json:"error_text,omitempty"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

// RunResult is returned by the ops API run endpoint.
type RunResult struct {
	Run    Run           `json:"run"`
	Layers []LayerRecord `json:"layers"`
}

// Attributes returns the message attributes used when a record is published.
func (r LayerRecord) Attributes() map[string]string {
	return map[string]string{
		"run_id":    r.RunID,
		"webmap_id": r.WebmapID,
		"outcome":   string(r.Outcome),
	}
}

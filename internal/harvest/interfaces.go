package harvest

import (
	"context"
	"io"
	"time"
)

// RunStore tracks run lifecycle and the layer records of each run.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, errText string, counters RunCounters) error
	RecordLayer(ctx context.Context, record LayerRecord) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListLayers(ctx context.Context, runID string) ([]LayerRecord, error)
}

// LayerRecordStore durably persists layer records (e.g. Postgres).
type LayerRecordStore interface {
	StoreLayerRecord(ctx context.Context, record LayerRecord) error
}

// BlobStore writes an output artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes layer notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Pacer blocks until the next top-level layer may be requested. Done marks
// the end of a layer so the pause runs from its completion.
type Pacer interface {
	Wait(ctx context.Context) error
	Done()
}

// Hasher computes digests of output payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

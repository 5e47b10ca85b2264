package export

import (
	"context"
	"errors"

	"github.com/paulmach/orb/geojson"
)

// JobState is the status reported by the exporter for a submitted job.
type JobState string

// Remote job states.
const (
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether no further polling is needed.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobHandle identifies a submitted export job.
type JobHandle struct {
	ID      string
	AssetID string
}

// ErrNoExporter is returned when export is requested without a configured
// exporter.
var ErrNoExporter = errors.New("no exporter configured")

// Exporter uploads a normalized feature collection as an asset.
type Exporter interface {
	Submit(ctx context.Context, assetID string, fc *geojson.FeatureCollection) (JobHandle, error)
	Status(ctx context.Context, job JobHandle) (JobState, error)
}

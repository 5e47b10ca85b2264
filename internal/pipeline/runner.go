package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/arcgis"
	"github.com/JakeFAU/webmap-harvester/internal/export"
	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/logging"
	"github.com/JakeFAU/webmap-harvester/internal/metrics"
)

// ContentType is used for every layer file.
const ContentType = "application/geo+json"

// ErrNoLayers is returned when a webmap lists no operational layer with a URL.
var ErrNoLayers = errors.New("no layers found in webmap")

// Discoverer lists the operational layers of a webmap.
type Discoverer interface {
	DiscoverLayers(ctx context.Context, webmapID string) ([]harvest.LayerRef, error)
}

// Downloader fetches one top-level layer.
type Downloader interface {
	DownloadLayer(ctx context.Context, endpointURL string) arcgis.Download
}

// Deps are the collaborators of a Runner. Records and Publisher are optional.
type Deps struct {
	Discoverer Discoverer
	Downloader Downloader
	Runs       harvest.RunStore
	Blobs      harvest.BlobStore
	Records    harvest.LayerRecordStore
	Publisher  harvest.Publisher
	Pacer      harvest.Pacer
	Hasher     harvest.Hasher
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
}

// Config controls Runner behavior.
type Config struct {
	// Topic receives a message for every saved layer when set.
	Topic string
	// NormalizeProperties rewrites property names before writing.
	NormalizeProperties bool
}

// Runner executes harvest runs.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case deps.Downloader == nil:
		return nil, errors.New("downloader is required")
	case deps.Runs == nil:
		return nil, errors.New("run store is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Pacer == nil:
		return nil, errors.New("pacer is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run harvests webmapID. Per-layer download failures never abort the run. The
// returned error is non-nil when discovery fails, when the context ends, or
// when any layer file could not be written; write failures match
// harvest.ErrIO and are reported only after every layer was attempted.
func (r *Runner) Run(ctx context.Context, webmapID string) (harvest.RunResult, error) {
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return harvest.RunResult{}, fmt.Errorf("new run id: %w", err)
	}
	run := harvest.Run{
		ID:       runID,
		WebmapID: webmapID,
		Status:   harvest.RunStatusRunning,
		Started:  r.deps.Clock.Now(),
	}
	if err := r.deps.Runs.CreateRun(ctx, run); err != nil {
		return harvest.RunResult{}, fmt.Errorf("create run: %w", err)
	}
	logger := logging.ForRun(r.logger, runID, webmapID)
	logger.Info("harvest started")

	layers, err := r.deps.Discoverer.DiscoverLayers(ctx, webmapID)
	if err == nil && len(layers) == 0 {
		err = ErrNoLayers
	}
	if err != nil {
		logger.Error("webmap discovery failed", zap.Error(err))
		return r.finish(ctx, run, harvest.RunStatusFailed, err.Error(), harvest.RunCounters{}, nil, err)
	}

	counters := harvest.RunCounters{LayersDiscovered: len(layers)}
	records := make([]harvest.LayerRecord, 0, len(layers))
	var writeErrs []error
	for i, layer := range layers {
		if err := r.deps.Pacer.Wait(ctx); err != nil {
			logger.Warn("harvest interrupted", zap.Int("next_index", i), zap.Error(err))
			return r.finish(ctx, run, harvest.RunStatusFailed, err.Error(), counters, records, err)
		}
		record, writeErr := r.processLayer(ctx, logger, run, i, layer, &counters)
		r.deps.Pacer.Done()
		records = append(records, record)
		if writeErr != nil {
			writeErrs = append(writeErrs, writeErr)
		}
		if err := r.deps.Runs.UpdateRun(ctx, runID, harvest.RunStatusRunning, "", counters); err != nil {
			logger.Warn("run progress update failed", zap.Error(err))
		}
	}

	status := finalStatus(counters)
	errText := ""
	joined := errors.Join(writeErrs...)
	if joined != nil {
		errText = joined.Error()
	}
	return r.finish(ctx, run, status, errText, counters, records, joined)
}

func (r *Runner) finish(
	ctx context.Context,
	run harvest.Run,
	status harvest.RunStatus,
	errText string,
	counters harvest.RunCounters,
	records []harvest.LayerRecord,
	runErr error,
) (harvest.RunResult, error) {
	// The run's own context may already be done; the final status still has
	// to land in the ledger.
	storeCtx := context.WithoutCancel(ctx)
	if err := r.deps.Runs.UpdateRun(storeCtx, run.ID, status, errText, counters); err != nil {
		r.logger.Error("final run status update failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	if stored, err := r.deps.Runs.GetRun(storeCtx, run.ID); err == nil {
		run = stored
	} else {
		run.Status = status
		run.ErrorText = errText
		run.Counters = counters
	}
	r.logger.Info("harvest finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("layers_discovered", counters.LayersDiscovered),
		zap.Int("layers_saved", counters.LayersSaved),
		zap.Int("layers_empty", counters.LayersEmpty),
		zap.Int("layers_absent", counters.LayersAbsent),
		zap.Int("write_failures", counters.WriteFailures),
		zap.Int("features_written", counters.FeaturesWritten),
	)
	return harvest.RunResult{Run: run, Layers: records}, runErr
}

// finalStatus is succeeded when every layer produced data or a valid empty
// response, partial when some layers were saved, and failed otherwise.
func finalStatus(c harvest.RunCounters) harvest.RunStatus {
	switch {
	case c.WriteFailures == 0 && c.LayersAbsent == 0:
		return harvest.RunStatusSucceeded
	case c.LayersSaved > 0:
		return harvest.RunStatusPartial
	default:
		return harvest.RunStatusFailed
	}
}

func (r *Runner) processLayer(
	ctx context.Context,
	logger *zap.Logger,
	run harvest.Run,
	index int,
	layer harvest.LayerRef,
	counters *harvest.RunCounters,
) (harvest.LayerRecord, error) {
	layerLogger := logger.With(
		zap.Int("index", index),
		zap.String("title", layer.Title),
		zap.String("url", layer.EndpointURL),
	)
	layerLogger.Info("processing layer")

	dl := r.deps.Downloader.DownloadLayer(ctx, layer.EndpointURL)
	record := harvest.LayerRecord{
		RunID:       run.ID,
		WebmapID:    run.WebmapID,
		Index:       index,
		Title:       layer.Title,
		EndpointURL: layer.EndpointURL,
		Kind:        dl.Kind.String(),
	}

	var writeErr error
	switch {
	case dl.Absent():
		record.Outcome = harvest.LayerAbsent
		if dl.Err != nil {
			record.ErrorText = dl.Err.Error()
		}
		counters.LayersAbsent++
		layerLogger.Info("no features found in layer", zap.Int("failed_sublayers", dl.Failed))
	case len(dl.Collection.Features) == 0:
		record.Outcome = harvest.LayerEmpty
		counters.LayersEmpty++
		layerLogger.Info("layer returned zero features; nothing written")
	default:
		writeErr = r.save(ctx, layerLogger, &record, dl.Collection)
		if writeErr != nil {
			counters.WriteFailures++
		} else {
			counters.LayersSaved++
			counters.FeaturesWritten += record.FeatureCount
		}
	}
	record.RecordedAt = r.deps.Clock.Now()
	metrics.ObserveLayer(string(record.Outcome), record.FeatureCount)

	if err := r.deps.Runs.RecordLayer(ctx, record); err != nil {
		layerLogger.Warn("record layer in run store failed", zap.Error(err))
	}
	if r.deps.Records != nil {
		if err := r.deps.Records.StoreLayerRecord(ctx, record); err != nil {
			layerLogger.Warn("store layer record failed", zap.Error(err))
		}
	}
	if record.Outcome == harvest.LayerSaved {
		r.publish(ctx, layerLogger, record)
	}
	return record, writeErr
}

func (r *Runner) save(
	ctx context.Context,
	logger *zap.Logger,
	record *harvest.LayerRecord,
	fc *geojson.FeatureCollection,
) error {
	path := OutputName(record.Index, record.Title)
	fail := func(err error) error {
		record.Outcome = harvest.LayerWriteFailed
		record.ErrorText = err.Error()
		logger.Error("error saving layer file", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: layer %d (%s) to %s: %w", harvest.ErrIO, record.Index, record.Title, path, err)
	}

	if r.cfg.NormalizeProperties {
		export.NormalizeProperties(fc)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fail(fmt.Errorf("encode collection: %w", err))
	}
	hash, err := r.deps.Hasher.Hash(data)
	if err != nil {
		return fail(fmt.Errorf("hash collection: %w", err))
	}
	uri, err := r.deps.Blobs.PutObject(ctx, path, ContentType, bytes.NewReader(data))
	if err != nil {
		return fail(err)
	}

	record.Outcome = harvest.LayerSaved
	record.FeatureCount = len(fc.Features)
	record.OutputURI = uri
	record.ContentHash = hash
	logger.Info("layer saved",
		zap.String("path", path),
		zap.String("uri", uri),
		zap.Int("features", record.FeatureCount),
		zap.Strings("properties", firstFeatureProperties(fc)),
		zap.String("type", fc.Type),
		zap.Any("crs", crsMember(fc)),
	)
	return nil
}

func (r *Runner) publish(ctx context.Context, logger *zap.Logger, record harvest.LayerRecord) {
	if r.cfg.Topic == "" || r.deps.Publisher == nil {
		return
	}
	id, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, record)
	if err != nil {
		logger.Warn("publish layer notification failed", zap.Error(err))
		return
	}
	logger.Debug("layer notification published", zap.String("message_id", id))
}

func firstFeatureProperties(fc *geojson.FeatureCollection) []string {
	if len(fc.Features) == 0 || fc.Features[0] == nil {
		return nil
	}
	keys := make([]string, 0, len(fc.Features[0].Properties))
	for k := range fc.Features[0].Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func crsMember(fc *geojson.FeatureCollection) any {
	if crs, ok := fc.ExtraMembers["crs"]; ok {
		return crs
	}
	return "not specified"
}

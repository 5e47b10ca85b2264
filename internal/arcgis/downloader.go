package arcgis

import (
	"context"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
	"github.com/JakeFAU/webmap-harvester/internal/metrics"
)

// FeatureSource fetches one leaf endpoint.
type FeatureSource interface {
	FetchFeatures(ctx context.Context, endpointURL string) (*geojson.FeatureCollection, error)
}

// LayerResolver classifies an endpoint.
type LayerResolver interface {
	Resolve(ctx context.Context, endpointURL string) Resolution
}

// Download is the result of downloading one top-level layer.
type Download struct {
	Kind Kind
	// Collection is nil when the layer is absent.
	Collection *geojson.FeatureCollection
	// Sublayers lists what a container enumerated.
	Sublayers []harvest.SublayerRef
	// Failed counts sublayers whose fetch failed.
	Failed int
	// Err is the leaf fetch failure, if any.
	Err error
}

// Absent reports whether the layer produced no collection.
func (d Download) Absent() bool {
	return d.Collection == nil
}

// Downloader merges every leaf under a top-level layer into one collection.
type Downloader struct {
	resolver    LayerResolver
	fetcher     FeatureSource
	concurrency int
	logger      *zap.Logger
}

// NewDownloader builds a Downloader. concurrency bounds parallel sublayer
// fetches inside one container (default 4).
func NewDownloader(resolver LayerResolver, fetcher FeatureSource, concurrency int, logger *zap.Logger) *Downloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{resolver: resolver, fetcher: fetcher, concurrency: concurrency, logger: logger}
}

// DownloadLayer resolves endpointURL and fetches its features. A leaf's result
// is returned as fetched, or absent on failure. A container's sublayers are
// fetched independently and concatenated in enumeration order; the merge is
// absent when it holds no features.
func (d *Downloader) DownloadLayer(ctx context.Context, endpointURL string) Download {
	res := d.resolver.Resolve(ctx, endpointURL)
	if res.Kind != KindContainer {
		fc, err := d.fetcher.FetchFeatures(ctx, endpointURL)
		if err != nil {
			d.logger.Warn("layer fetch failed",
				zap.String("url", endpointURL),
				zap.Error(err),
			)
			return Download{Kind: KindLeaf, Err: err}
		}
		return Download{Kind: KindLeaf, Collection: fc}
	}

	results := make([]*geojson.FeatureCollection, len(res.Sublayers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, sub := range res.Sublayers {
		g.Go(func() error {
			d.logger.Debug("downloading sublayer",
				zap.String("name", sub.Name),
				zap.String("url", sub.EndpointURL),
			)
			fc, err := d.fetcher.FetchFeatures(gctx, sub.EndpointURL)
			if err != nil {
				metrics.ObserveSublayer("failed")
				d.logger.Warn("sublayer fetch failed; skipping",
					zap.String("url", sub.EndpointURL),
					zap.Int("sublayer_id", sub.ID),
					zap.Error(err),
				)
				return nil
			}
			metrics.ObserveSublayer("ok")
			results[i] = fc
			return nil
		})
	}
	// Workers never return errors; a failed sublayer leaves a nil slot.
	_ = g.Wait()

	out := Download{Kind: KindContainer, Sublayers: res.Sublayers}
	merged := geojson.NewFeatureCollection()
	for _, fc := range results {
		if fc == nil {
			out.Failed++
			continue
		}
		merged.Features = append(merged.Features, fc.Features...)
	}
	if len(merged.Features) == 0 {
		d.logger.Info("container yielded no features",
			zap.String("url", endpointURL),
			zap.Int("sublayers", len(res.Sublayers)),
			zap.Int("failed", out.Failed),
		)
		return out
	}
	out.Collection = merged
	return out
}

package arcgis

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
)

// containerMarker is the service-type segment that identifies a multi-layer
// map service URL.
const containerMarker = "MapServer"

// Kind is the classification of a layer endpoint.
type Kind int

// Endpoint kinds.
const (
	KindLeaf Kind = iota
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	default:
		return "leaf"
	}
}

// ClassifyEndpoint applies the URL half of the container heuristic. A
// container candidate only becomes KindContainer once its metadata lists
// sublayers.
func ClassifyEndpoint(endpointURL string) Kind {
	if strings.Contains(endpointURL, containerMarker) {
		return KindContainer
	}
	return KindLeaf
}

// Resolution is the outcome of resolving one endpoint.
type Resolution struct {
	Kind      Kind
	Sublayers []harvest.SublayerRef
}

type serviceMetadata struct {
	Layers []struct {
		ID          *int   `json:"id"`
		Name        string `json:"name"`
		SubLayerIDs []int  `json:"subLayerIds"`
	} `json:"layers"`
}

// ResolverConfig configures metadata lookups.
type ResolverConfig struct {
	// Timeout bounds each metadata request (default 30s).
	Timeout time.Duration
	// CacheSize is the number of service metadata documents kept (default 128).
	CacheSize int
}

// Resolver classifies endpoints and enumerates container sublayers.
type Resolver struct {
	client JSONGetter
	cfg    ResolverConfig
	cache  *lru.Cache[string, *serviceMetadata]
	logger *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(client JSONGetter, cfg ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, *serviceMetadata](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, cfg: cfg, cache: cache, logger: logger}, nil
}

// Resolve returns KindContainer with its sublayers in enumeration order when
// endpointURL carries the map service marker and its metadata lists layers.
// Anything else resolves to KindLeaf. Metadata failures are logged and the
// endpoint falls back to a leaf.
func (r *Resolver) Resolve(ctx context.Context, endpointURL string) Resolution {
	leaf := Resolution{Kind: KindLeaf}
	if ClassifyEndpoint(endpointURL) != KindContainer {
		r.flagUnsupported(endpointURL)
		return leaf
	}

	meta, err := r.metadata(ctx, endpointURL)
	if err != nil {
		r.logger.Warn("service metadata unavailable; treating endpoint as leaf",
			zap.String("url", endpointURL),
			zap.Error(err),
		)
		return leaf
	}
	if len(meta.Layers) == 0 {
		r.logger.Info("map service lists no layers; treating endpoint as leaf",
			zap.String("url", endpointURL),
		)
		return leaf
	}

	refs := make([]harvest.SublayerRef, 0, len(meta.Layers))
	for _, layer := range meta.Layers {
		if layer.ID == nil {
			r.logger.Warn("skipping sublayer without id",
				zap.String("url", endpointURL),
				zap.String("name", layer.Name),
			)
			continue
		}
		child, err := joinPath(endpointURL, strconv.Itoa(*layer.ID))
		if err != nil {
			r.logger.Warn("skipping sublayer with unusable url",
				zap.String("url", endpointURL),
				zap.Int("id", *layer.ID),
				zap.Error(err),
			)
			continue
		}
		if len(layer.SubLayerIDs) > 0 {
			r.logger.Info("group sublayer fetched as leaf",
				zap.String("url", child),
				zap.Ints("sublayer_ids", layer.SubLayerIDs),
			)
		}
		refs = append(refs, harvest.SublayerRef{ID: *layer.ID, Name: layer.Name, EndpointURL: child})
	}
	if len(refs) == 0 {
		return leaf
	}
	return Resolution{Kind: KindContainer, Sublayers: refs}
}

func (r *Resolver) metadata(ctx context.Context, endpointURL string) (*serviceMetadata, error) {
	if meta, ok := r.cache.Get(endpointURL); ok {
		return meta, nil
	}
	var meta serviceMetadata
	query := url.Values{}
	query.Set("f", "json")
	if err := r.client.GetJSON(ctx, endpointURL, query, r.cfg.Timeout, &meta); err != nil {
		return nil, err
	}
	r.cache.Add(endpointURL, &meta)
	return &meta, nil
}

// flagUnsupported warns about service roots the URL heuristic cannot place:
// a FeatureServer root without a layer id holds several layers but is
// queried as a single leaf.
func (r *Resolver) flagUnsupported(endpointURL string) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return
	}
	if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/FeatureServer") {
		r.logger.Warn("feature service root is not a supported layer endpoint; querying as leaf",
			zap.String("url", endpointURL),
		)
	}
}

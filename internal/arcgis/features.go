package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// DefaultMaxRecordCount is the server-side record cap requested per page.
const DefaultMaxRecordCount = 2000

// FetchConfig controls feature queries.
type FetchConfig struct {
	// Timeout bounds each query attempt (default 60s).
	Timeout time.Duration
	// MaxRecordCount is the per-page record cap (default 2000).
	MaxRecordCount int
	// Paginate follows resultOffset pages while the server reports
	// exceededTransferLimit. Off by default: one page per endpoint.
	Paginate bool
	// MaxPages bounds pagination (default 50).
	MaxPages int
}

// FeatureFetcher downloads one concrete layer endpoint as a FeatureCollection.
type FeatureFetcher struct {
	client JSONGetter
	cfg    FetchConfig
	logger *zap.Logger
}

// NewFeatureFetcher builds a FeatureFetcher.
func NewFeatureFetcher(client JSONGetter, cfg FetchConfig, logger *zap.Logger) *FeatureFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRecordCount <= 0 {
		cfg.MaxRecordCount = DefaultMaxRecordCount
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeatureFetcher{client: client, cfg: cfg, logger: logger}
}

// FetchFeatures queries every record of the layer at endpointURL with all
// fields and geometry in GeoJSON. A body without "type" or "features" is a
// *StructureError; transport and decode failures come from the client.
func (f *FeatureFetcher) FetchFeatures(ctx context.Context, endpointURL string) (*geojson.FeatureCollection, error) {
	queryURL, err := joinPath(endpointURL, "query")
	if err != nil {
		return nil, &StructureError{URL: endpointURL, Reason: err.Error()}
	}

	merged, truncated, err := f.fetchPage(ctx, queryURL, 0)
	if err != nil {
		return nil, err
	}
	if !truncated {
		return merged, nil
	}
	if !f.cfg.Paginate {
		f.logger.Warn("layer exceeds the record cap; result truncated",
			zap.String("url", endpointURL),
			zap.Int("max_record_count", f.cfg.MaxRecordCount),
			zap.Int("features", len(merged.Features)),
		)
		return merged, nil
	}

	for page := 1; truncated; page++ {
		if page >= f.cfg.MaxPages {
			f.logger.Warn("page limit reached; result truncated",
				zap.String("url", endpointURL),
				zap.Int("pages", page),
				zap.Int("features", len(merged.Features)),
			)
			break
		}
		var next *geojson.FeatureCollection
		next, truncated, err = f.fetchPage(ctx, queryURL, len(merged.Features))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if len(next.Features) == 0 {
			break
		}
		merged.Features = append(merged.Features, next.Features...)
	}
	return merged, nil
}

func (f *FeatureFetcher) fetchPage(
	ctx context.Context,
	queryURL string,
	offset int,
) (*geojson.FeatureCollection, bool, error) {
	var raw json.RawMessage
	if err := f.client.GetJSON(ctx, queryURL, f.queryParams(offset), f.cfg.Timeout, &raw); err != nil {
		return nil, false, err
	}
	fc, err := decodeCollection(queryURL, raw)
	if err != nil {
		return nil, false, err
	}
	return fc, exceededTransferLimit(fc), nil
}

func (f *FeatureFetcher) queryParams(offset int) url.Values {
	params := url.Values{}
	params.Set("f", "geojson")
	params.Set("where", "1=1")
	params.Set("outFields", "*")
	params.Set("returnGeometry", "true")
	params.Set("maxRecordCount", strconv.Itoa(f.cfg.MaxRecordCount))
	if f.cfg.Paginate {
		params.Set("resultOffset", strconv.Itoa(offset))
		params.Set("resultRecordCount", strconv.Itoa(f.cfg.MaxRecordCount))
	}
	return params
}

// decodeCollection enforces the presence of "type" and "features" before
// handing the body to orb.
func decodeCollection(source string, raw json.RawMessage) (*geojson.FeatureCollection, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, &StructureError{URL: source, Reason: "body is not a JSON object"}
	}
	for _, key := range []string{"type", "features"} {
		if _, ok := members[key]; !ok {
			return nil, &StructureError{URL: source, Reason: fmt.Sprintf("missing %q", key)}
		}
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, &StructureError{URL: source, Reason: err.Error()}
	}
	return fc, nil
}

// exceededTransferLimit reads the flag ArcGIS sets when more records exist,
// either top-level or inside the collection's "properties" member.
func exceededTransferLimit(fc *geojson.FeatureCollection) bool {
	if fc == nil || fc.ExtraMembers == nil {
		return false
	}
	if v, ok := fc.ExtraMembers["exceededTransferLimit"].(bool); ok && v {
		return true
	}
	props, ok := fc.ExtraMembers["properties"].(map[string]interface{})
	if !ok {
		return false
	}
	v, ok := props["exceededTransferLimit"].(bool)
	return ok && v
}

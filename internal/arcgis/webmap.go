package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmap-harvester/internal/harvest"
)

// UnnamedLayer is the title given to operational layers without one.
const UnnamedLayer = "Unnamed Layer"

// DefaultBaseURL is the ArcGIS Online portal.
const DefaultBaseURL = "https://www.arcgis.com"

// ErrEmptyWebmapID is returned when no webmap id is supplied.
var ErrEmptyWebmapID = errors.New("webmap id is empty")

type webmapDocument struct {
	OperationalLayers []struct {
		Title *string `json:"title"`
		URL   string  `json:"url"`
	} `json:"operationalLayers"`
}

// Discoverer resolves webmap ids into their operational layers.
type Discoverer struct {
	client  JSONGetter
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

// NewDiscoverer builds a Discoverer against the portal at baseURL.
func NewDiscoverer(client JSONGetter, baseURL string, timeout time.Duration, logger *zap.Logger) *Discoverer {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{client: client, baseURL: baseURL, timeout: timeout, logger: logger}
}

// DiscoverLayers fetches the webmap definition and returns every operational
// layer that carries a URL, in document order.
func (d *Discoverer) DiscoverLayers(ctx context.Context, webmapID string) ([]harvest.LayerRef, error) {
	webmapID = strings.TrimSpace(webmapID)
	if webmapID == "" {
		return nil, ErrEmptyWebmapID
	}
	if strings.ContainsAny(webmapID, "/?#") {
		return nil, fmt.Errorf("webmap id %q contains reserved characters", webmapID)
	}
	docURL, err := joinPath(d.baseURL, "sharing/rest/content/items/"+webmapID+"/data")
	if err != nil {
		return nil, fmt.Errorf("build webmap url: %w", err)
	}

	var doc webmapDocument
	query := url.Values{}
	query.Set("f", "json")
	if err := d.client.GetJSON(ctx, docURL, query, d.timeout, &doc); err != nil {
		return nil, fmt.Errorf("fetch webmap %s: %w", webmapID, err)
	}

	layers := make([]harvest.LayerRef, 0, len(doc.OperationalLayers))
	skipped := 0
	for _, entry := range doc.OperationalLayers {
		if strings.TrimSpace(entry.URL) == "" {
			skipped++
			continue
		}
		title := UnnamedLayer
		if entry.Title != nil {
			title = *entry.Title
		}
		layers = append(layers, harvest.LayerRef{Title: title, EndpointURL: entry.URL})
	}
	d.logger.Info("webmap discovered",
		zap.String("webmap_id", webmapID),
		zap.Int("layers", len(layers)),
		zap.Int("skipped_without_url", skipped),
	)
	return layers, nil
}

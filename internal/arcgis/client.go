package arcgis

import (
	"context"
	"net/url"
	"time"
)

// JSONGetter is the subset of httpclient.Client used by this package.
type JSONGetter interface {
	GetJSON(ctx context.Context, rawURL string, query url.Values, timeout time.Duration, out any) error
}

package arcgis

import (
	"fmt"
	"net/url"
	"strings"
)

// joinPath appends elem to the path of base, keeping base's query string.
func joinPath(base, elem string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not absolute", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(elem, "/")
	u.RawPath = ""
	return u.String(), nil
}

package export

import (
	"sort"
	"strings"

	"github.com/paulmach/orb/geojson"
)

var keyReplacer = strings.NewReplacer(".", "_", " ", "_")

// NormalizeKey replaces the characters downstream asset systems reject in
// property names ('.' and ' ') with '_'. It is idempotent.
func NormalizeKey(key string) string {
	return keyReplacer.Replace(key)
}

// NormalizeProperties rewrites the property names of every feature in fc in
// place. Keys are processed in sorted order; when two keys normalize to the
// same name, the value of the later key wins.
func NormalizeProperties(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	if fc == nil {
		return nil
	}
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		f.Properties = normalizeMap(f.Properties)
	}
	return fc
}

func normalizeMap(props geojson.Properties) geojson.Properties {
	if len(props) == 0 {
		return props
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(geojson.Properties, len(props))
	for _, k := range keys {
		out[NormalizeKey(k)] = props[k]
	}
	return out
}

package arcgis

import (
	"errors"
	"fmt"
)

// ErrStructure marks a decoded response lacking the required GeoJSON shape.
var ErrStructure = errors.New("structural failure")

// StructureError reports which part of a feature response was missing or invalid.
type StructureError struct {
	URL    string
	Reason string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("invalid GeoJSON from %s: %s", e.URL, e.Reason)
}

// Is matches ErrStructure.
func (e *StructureError) Is(target error) bool { return target == ErrStructure }

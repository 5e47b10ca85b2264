// Package pipeline runs one harvest of a webmap: discover its operational
// layers, download each layer in turn with a pause between layers, and persist
// every non-empty result as a GeoJSON file.
package pipeline

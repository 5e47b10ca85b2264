// Package arcgis discovers and downloads vector layers exposed through ArcGIS
// REST map and feature services. A webmap document lists top-level
// operational layers; each layer endpoint is either a leaf feature service or
// a map service container whose sublayers are fetched and merged into one
// GeoJSON feature collection.
package arcgis

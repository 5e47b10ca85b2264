// Package export prepares harvested layers for an external asset exporter and
// monitors the resulting export jobs until they reach a terminal state.
package export

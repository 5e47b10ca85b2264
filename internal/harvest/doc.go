// Package harvest defines the domain types and collaborator interfaces shared by
// the webmap discovery, download and persistence subsystems.
package harvest

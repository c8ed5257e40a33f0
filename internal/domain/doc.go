// Package domain contains the error vocabulary and failure reasons shared by every connbridge layer.
//
// It has no dependencies on infrastructure concerns (processes, file system,
// logging). Errors declared here are returned by the connector handles, the
// trackers and the replication worker, and can be checked with errors.Is.
package domain

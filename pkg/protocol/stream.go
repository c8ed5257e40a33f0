package protocol

import (
	"encoding/json"
	"strings"
)

// StreamDescriptor identifies one logical stream by name and namespace.
// It is comparable and used directly as a map key.
type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// String returns "namespace.name", or just the name without a namespace.
func (d StreamDescriptor) String() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "." + d.Name
}

// ParseStreamDescriptor is the inverse of String. The namespace ends at the
// first dot.
func ParseStreamDescriptor(s string) StreamDescriptor {
	if ns, name, ok := strings.Cut(s, "."); ok && ns != "" && name != "" {
		return StreamDescriptor{Namespace: ns, Name: name}
	}
	return StreamDescriptor{Name: s}
}

// Less orders descriptors by namespace then name.
func (d StreamDescriptor) Less(o StreamDescriptor) bool {
	if d.Namespace != o.Namespace {
		return d.Namespace < o.Namespace
	}
	return d.Name < o.Name
}

// Catalog lists the streams a source can produce.
type Catalog struct {
	Streams []Stream `json:"streams"`
}

// Stream is one stream of a catalog.
type Stream struct {
	Name                    string          `json:"name"`
	Namespace               string          `json:"namespace,omitempty"`
	JSONSchema              json.RawMessage `json:"json_schema,omitempty"`
	SupportedSyncModes      []string        `json:"supported_sync_modes,omitempty"`
	SourceDefinedCursor     bool            `json:"source_defined_cursor,omitempty"`
	DefaultCursorField      []string        `json:"default_cursor_field,omitempty"`
	SourceDefinedPrimaryKey [][]string      `json:"source_defined_primary_key,omitempty"`
}

// Descriptor returns the descriptor of s.
func (s Stream) Descriptor() StreamDescriptor {
	return StreamDescriptor{Name: s.Name, Namespace: s.Namespace}
}

// ConfiguredCatalog is the catalog as selected for one sync.
type ConfiguredCatalog struct {
	Streams []ConfiguredStream `json:"streams"`
}

// ConfiguredStream is a stream with its chosen sync modes.
type ConfiguredStream struct {
	Stream              Stream     `json:"stream"`
	SyncMode            string     `json:"sync_mode"`
	DestinationSyncMode string     `json:"destination_sync_mode"`
	CursorField         []string   `json:"cursor_field,omitempty"`
	PrimaryKey          [][]string `json:"primary_key,omitempty"`
}

// Descriptors returns the descriptors of every configured stream in order.
func (c ConfiguredCatalog) Descriptors() []StreamDescriptor {
	out := make([]StreamDescriptor, 0, len(c.Streams))
	for _, s := range c.Streams {
		out = append(out, s.Stream.Descriptor())
	}
	return out
}

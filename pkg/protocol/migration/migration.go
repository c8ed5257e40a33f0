package migration

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// Node is a generic JSON object as produced by decoding with UseNumber.
type Node = map[string]interface{}

// Migration upgrades messages from one major version to the next.
type Migration interface {
	// Previous is the version messages are upgraded from.
	Previous() protocol.Version

	// Current is the version messages are upgraded to.
	Current() protocol.Version

	// Upgrade rewrites msg in the Current shape. It may modify msg in place.
	Upgrade(msg Node) (Node, error)
}

// Registry chains migrations by the major version they upgrade from.
type Registry struct {
	byMajor map[int]Migration
	current protocol.Version
}

// NewRegistry builds a registry and checks that the migrations form a chain
// ending at protocol.CurrentVersion.
func NewRegistry(migrations ...Migration) (*Registry, error) {
	r := &Registry{byMajor: make(map[int]Migration, len(migrations)), current: protocol.CurrentVersion}
	for _, m := range migrations {
		from, to := m.Previous().Major, m.Current().Major
		if to != from+1 {
			return nil, fmt.Errorf("migration %s -> %s must advance exactly one major version", m.Previous(), m.Current())
		}
		if _, dup := r.byMajor[from]; dup {
			return nil, fmt.Errorf("duplicate migration from major version %d", from)
		}
		if to > r.current.Major {
			return nil, fmt.Errorf("migration to %s is beyond current version %s", m.Current(), r.current)
		}
		r.byMajor[from] = m
	}
	return r, nil
}

// DefaultRegistry returns the registry with every built-in migration.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(NewV0ToV1())
	if err != nil {
		panic(err)
	}
	return r
}

// Supports reports whether messages declared at v can be brought to the
// current version.
func (r *Registry) Supports(v protocol.Version) bool {
	if v.Major > r.current.Major {
		return false
	}
	for major := v.Major; major < r.current.Major; major++ {
		if _, ok := r.byMajor[major]; !ok {
			return false
		}
	}
	return true
}

// Upgrade decodes raw as a message in version from and migrates it to the
// current version.
func (r *Registry) Upgrade(from protocol.Version, raw []byte) (protocol.Message, error) {
	if !r.Supports(from) {
		return protocol.Message{}, fmt.Errorf("no migration path from protocol %s to %s", from, r.current)
	}

	// Anything within the current major line decodes as is.
	if from.AtLeast(protocol.Version{Major: r.current.Major}) {
		return decode(raw)
	}

	node, err := decodeNode(raw)
	if err != nil {
		return protocol.Message{}, err
	}
	for major := from.Major; major < r.current.Major; major++ {
		m := r.byMajor[major]
		node, err = m.Upgrade(node)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("migrate %s -> %s: %w", m.Previous(), m.Current(), err)
		}
	}

	b, err := json.Marshal(node)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode migrated message: %w", err)
	}
	return decode(b)
}

func decodeNode(raw []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node Node
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("decode message: not an object")
	}
	return node, nil
}

func decode(raw []byte) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

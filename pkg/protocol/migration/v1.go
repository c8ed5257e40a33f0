package migration

import (
	"encoding/json"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// V0ToV1 upgrades 0.x messages to 1.0.0.
//
// Records: every JSON number in the record data becomes its string literal
// (1.0.0 carries numbers as strings and lets the catalog declare the type).
// Catalogs: primitive schemas are replaced with references to the well-known
// types; multi-typed fields become oneOf.
type V0ToV1 struct{}

// NewV0ToV1 returns the 0→1 migration.
func NewV0ToV1() *V0ToV1 {
	return &V0ToV1{}
}

var (
	v0Latest = protocol.MustParseVersion("0.3.0")
	v1       = protocol.MustParseVersion("1.0.0")
)

func (V0ToV1) Previous() protocol.Version { return v0Latest }
func (V0ToV1) Current() protocol.Version  { return v1 }

// Upgrade implements Migration.
func (V0ToV1) Upgrade(msg Node) (Node, error) {
	switch msg["type"] {
	case string(protocol.TypeRecord):
		if record, ok := msg["record"].(Node); ok {
			if data, ok := record["data"]; ok {
				record["data"] = stringifyNumbers(data)
			}
		}
	case string(protocol.TypeCatalog):
		if catalog, ok := msg["catalog"].(Node); ok {
			if streams, ok := catalog["streams"].([]interface{}); ok {
				for _, s := range streams {
					stream, ok := s.(Node)
					if !ok {
						continue
					}
					if schema, ok := stream["json_schema"]; ok {
						stream["json_schema"] = upgradeSchema(schema)
					}
				}
			}
		}
	}
	return msg, nil
}

func stringifyNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case Node:
		for k, child := range t {
			t[k] = stringifyNumbers(child)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = stringifyNumbers(child)
		}
		return t
	default:
		return v
	}
}

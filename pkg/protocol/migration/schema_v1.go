package migration

const wellKnownPrefix = "WellKnownTypes.json#/definitions/"

// Keywords whose value is a single subschema or a list of subschemas.
var (
	mapKeywords    = []string{"properties", "patternProperties"}
	schemaKeywords = []string{"additionalProperties", "items", "additionalItems", "contains", "not"}
	listKeywords   = []string{"oneOf", "anyOf", "allOf"}
	objectKeywords = []string{"properties", "patternProperties", "additionalProperties"}
	arrayKeywords  = []string{"items", "additionalItems", "contains"}
)

// upgradeSchema rewrites a 0.x JSON schema into the 1.0.0 form. Literal
// positions (default, enum, const) are never descended into.
func upgradeSchema(v interface{}) interface{} {
	schema, ok := v.(Node)
	if !ok {
		// Boolean schemas and anything malformed are kept as-is.
		return v
	}
	if _, isRef := schema["$ref"]; isRef {
		return schema
	}

	switch t := schema["type"].(type) {
	case string:
		if ref, ok := primitiveRef(t, schema); ok {
			return Node{"$ref": ref}
		}
	case []interface{}:
		types := nonNullTypes(t)
		switch {
		case len(types) == 0:
		case len(types) == 1:
			schema["type"] = types[0]
			return upgradeSchema(schema)
		case schema["airbyte_type"] != nil:
			// An explicit airbyte_type wins over the declared type list.
			for _, typ := range types {
				if ref, ok := primitiveRef(typ, schema); ok {
					return Node{"$ref": ref}
				}
			}
		default:
			return Node{"oneOf": splitMultiType(types, schema)}
		}
	}

	upgradeChildren(schema)
	return schema
}

func upgradeChildren(schema Node) {
	for _, kw := range mapKeywords {
		if props, ok := schema[kw].(Node); ok {
			for name, sub := range props {
				props[name] = upgradeSchema(sub)
			}
		}
	}
	for _, kw := range schemaKeywords {
		switch sub := schema[kw].(type) {
		case Node:
			schema[kw] = upgradeSchema(sub)
		case []interface{}:
			for i := range sub {
				sub[i] = upgradeSchema(sub[i])
			}
		}
	}
	for _, kw := range listKeywords {
		if subs, ok := schema[kw].([]interface{}); ok {
			for i := range subs {
				subs[i] = upgradeSchema(subs[i])
			}
		}
	}
}

// splitMultiType turns {"type": [a, b], ...} into one subschema per type,
// each carrying only the keywords that apply to it.
func splitMultiType(types []string, schema Node) []interface{} {
	out := make([]interface{}, 0, len(types))
	for _, typ := range types {
		if ref, ok := primitiveRef(typ, schema); ok {
			out = append(out, Node{"$ref": ref})
			continue
		}
		sub := Node{"type": typ}
		var keep []string
		switch typ {
		case "object":
			keep = objectKeywords
		case "array":
			keep = arrayKeywords
		}
		for _, kw := range keep {
			if val, ok := schema[kw]; ok {
				sub[kw] = val
			}
		}
		upgradeChildren(sub)
		out = append(out, sub)
	}
	return out
}

func nonNullTypes(list []interface{}) []string {
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok && s != "null" {
			out = append(out, s)
		}
	}
	return out
}

// primitiveRef returns the well-known type reference for a primitive type,
// taking airbyte_type, format and contentEncoding into account.
func primitiveRef(typ string, schema Node) (string, bool) {
	airbyteType, _ := schema["airbyte_type"].(string)
	format, _ := schema["format"].(string)
	encoding, _ := schema["contentEncoding"].(string)

	switch typ {
	case "string", "number", "integer", "boolean":
	default:
		return "", false
	}

	switch airbyteType {
	case "integer":
		return wellKnownPrefix + "Integer", true
	case "timestamp_with_timezone":
		return wellKnownPrefix + "TimestampWithTimezone", true
	case "timestamp_without_timezone":
		return wellKnownPrefix + "TimestampWithoutTimezone", true
	case "time_with_timezone":
		return wellKnownPrefix + "TimeWithTimezone", true
	case "time_without_timezone":
		return wellKnownPrefix + "TimeWithoutTimezone", true
	}

	switch typ {
	case "number":
		return wellKnownPrefix + "Number", true
	case "integer":
		return wellKnownPrefix + "Integer", true
	case "boolean":
		return wellKnownPrefix + "Boolean", true
	}

	switch {
	case encoding == "base64":
		return wellKnownPrefix + "BinaryData", true
	case format == "date-time":
		return wellKnownPrefix + "TimestampWithTimezone", true
	case format == "time":
		return wellKnownPrefix + "TimeWithTimezone", true
	case format == "date":
		return wellKnownPrefix + "Date", true
	default:
		return wellKnownPrefix + "String", true
	}
}

package protocol

import (
	_ "embed"
)

// EnvelopeSchemaURL is the resource name the envelope schema is registered under.
const EnvelopeSchemaURL = "message.schema.json"

// EnvelopeSchema is the JSON schema every protocol line must satisfy before
// it is deserialized. It only checks the envelope: the discriminator and the
// presence and rough shape of the matching payload.
//
//go:embed message.schema.json
var EnvelopeSchema []byte

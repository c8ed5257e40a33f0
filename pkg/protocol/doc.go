// Package protocol defines the typed messages connectors exchange with the
// orchestrator over their standard streams.
//
// Every line a connector writes is one JSON object carrying a "type"
// discriminator (RECORD, STATE, LOG, TRACE, SPEC, CONNECTION_STATUS, CATALOG,
// CONTROL) and the payload for that type. [Message] is the tagged union;
// exactly one payload pointer is set for a well-formed message.
//
// # Versions
//
// Connectors declare the protocol version they speak in their SPEC message.
// [CurrentVersion] is the shape used internally; older shapes are upgraded by
// the migrators in the migration sub-package. [FallbackVersion] is assumed
// when a connector does not declare a version.
//
// # State
//
// State messages come in three variants (LEGACY, STREAM, GLOBAL). A sync
// only ever uses one variant, fixed by the first state message it sees.
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
package protocol

// Package migration upgrades protocol messages from the version a connector
// declares to protocol.CurrentVersion.
//
// Migrations operate on the generic JSON tree of a message (the shape of an
// older version is not typed). A [Registry] chains one [Migration] per major
// version: a message declared at 0.x is run through the 0→1 migration, and
// so on until the current major version is reached, then decoded into a
// protocol.Message.
package migration

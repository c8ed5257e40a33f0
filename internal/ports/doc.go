// Package ports defines the interfaces (ports) that connect the replication
// worker to infrastructure adapters.
//
// # Port Interfaces
//
//   - [StateRepository]: Persists and loads the output of the last replication
//     attempt of a connection, including the state to resume from
//   - [ConfigUpdater]: Persists connector configuration updates requested by
//     connectors through CONTROL messages
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement them with a JSON file
// store and a bbolt store.
package ports

package ports

import (
	"context"

	"github.com/bft-labs/connbridge/internal/domain"
)

// StateRepository persists replication outputs, one current output per
// connection.
type StateRepository interface {
	// Load retrieves the last saved output of a connection.
	// Returns false and a nil error if nothing was saved yet.
	// Returns an error only for actual read failures.
	Load(ctx context.Context, connectionID string) (domain.ReplicationOutput, bool, error)

	// Save persists the output under its ConnectionID, replacing the previous
	// one. The implementation must not leave a partially written output behind.
	Save(ctx context.Context, output domain.ReplicationOutput) error
}

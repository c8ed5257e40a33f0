package ports

import (
	"context"
	"encoding/json"

	"github.com/bft-labs/connbridge/internal/domain"
)

// ConfigUpdater persists a connector configuration that a connector asked to
// replace with a CONTROL message. Origin is either domain.OriginSource or
// domain.OriginDestination.
type ConfigUpdater interface {
	UpdateConfig(ctx context.Context, connectionID string, origin domain.Origin, config json.RawMessage) error
}

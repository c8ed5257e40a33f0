package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/log"
)

// ConfigFileUpdater implements ports.ConfigUpdater by rewriting the
// connector config files a sync was started with.
type ConfigFileUpdater struct {
	sourcePath      string
	destinationPath string
	logger          log.Logger
}

// NewConfigFileUpdater creates an updater for the given config files. An
// empty path disables updates for that connector.
func NewConfigFileUpdater(sourcePath, destinationPath string, logger log.Logger) *ConfigFileUpdater {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &ConfigFileUpdater{
		sourcePath:      sourcePath,
		destinationPath: destinationPath,
		logger:          logger,
	}
}

// UpdateConfig replaces the config file of origin with config.
func (u *ConfigFileUpdater) UpdateConfig(ctx context.Context, connectionID string, origin domain.Origin, config json.RawMessage) error {
	var path string
	switch origin {
	case domain.OriginSource:
		path = u.sourcePath
	case domain.OriginDestination:
		path = u.destinationPath
	default:
		return fmt.Errorf("no connector config for origin %q", origin)
	}
	if path == "" {
		u.logger.Warn("no config file to update",
			log.String("connection_id", connectionID),
			log.String("origin", string(origin)))
		return nil
	}
	if !json.Valid(config) {
		return fmt.Errorf("updated %s config is not valid JSON", origin)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, config, "", "  "); err != nil {
		return err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s config: %w", origin, err)
	}
	u.logger.Info("connector config file updated",
		log.String("connection_id", connectionID),
		log.String("origin", string(origin)),
		log.String("path", path))
	return nil
}

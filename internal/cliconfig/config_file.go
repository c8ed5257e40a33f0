package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	ConnectionID string `toml:"connection_id"`
	JobID        int64  `toml:"job_id"`
	Attempt      int    `toml:"attempt"`

	SourceCommand      string `toml:"source_command"`
	DestinationCommand string `toml:"destination_command"`

	SourceConfig       string `toml:"source_config"`
	SourceCatalog      string `toml:"source_catalog"`
	SourceState        string `toml:"source_state"`
	DestinationConfig  string `toml:"destination_config"`
	DestinationCatalog string `toml:"destination_catalog"`

	Reset          *bool    `toml:"reset"`
	ResetStreams   []string `toml:"reset_streams"`
	ResetStateType string   `toml:"reset_state_type"`

	StateDir   string `toml:"state_dir"`
	StateStore string `toml:"state_store"`
	WorkDir    string `toml:"work_dir"`
	LogLevel   string `toml:"log_level"`

	HeartbeatThreshold    string `toml:"heartbeat_threshold"`
	HeartbeatPollInterval string `toml:"heartbeat_poll_interval"`
	GracefulShutdown      string `toml:"graceful_shutdown"`
	ForceShutdown         string `toml:"force_shutdown"`
	MaxLineBytes          int    `toml:"max_line_bytes"`
	DetectVersion         *bool  `toml:"detect_version"`

	FailOnHeartbeatLoss  *bool `toml:"fail_on_heartbeat_loss"`
	LogConnectorMessages *bool `toml:"log_connector_messages"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.connbridge/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if home := DefaultHome(); home != "" {
		return filepath.Join(home, "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("connection-id", fc.ConnectionID, &cfg.ConnectionID)
	s.setInt64("job-id", fc.JobID, &cfg.JobID)
	s.setInt("attempt", fc.Attempt, &cfg.Attempt)

	s.setString("source", fc.SourceCommand, &cfg.SourceCommand)
	s.setString("destination", fc.DestinationCommand, &cfg.DestinationCommand)
	s.setString("source-config", fc.SourceConfig, &cfg.SourceConfig)
	s.setString("source-catalog", fc.SourceCatalog, &cfg.SourceCatalog)
	s.setString("source-state", fc.SourceState, &cfg.SourceState)
	s.setString("destination-config", fc.DestinationConfig, &cfg.DestinationConfig)
	s.setString("destination-catalog", fc.DestinationCatalog, &cfg.DestinationCatalog)

	s.setBool("reset", fc.Reset, &cfg.Reset)
	s.setList("reset-streams", fc.ResetStreams, &cfg.ResetStreams)
	s.setString("reset-state-type", fc.ResetStateType, &cfg.ResetStateType)

	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("state-store", fc.StateStore, &cfg.StateStore)
	s.setString("work-dir", fc.WorkDir, &cfg.WorkDir)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("heartbeat-threshold", fc.HeartbeatThreshold, &cfg.HeartbeatThreshold); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-poll", fc.HeartbeatPollInterval, &cfg.HeartbeatPollInterval); err != nil {
		return err
	}
	if err := s.setDuration("graceful-shutdown", fc.GracefulShutdown, &cfg.GracefulShutdown); err != nil {
		return err
	}
	if err := s.setDuration("force-shutdown", fc.ForceShutdown, &cfg.ForceShutdown); err != nil {
		return err
	}

	s.setInt("max-line-bytes", fc.MaxLineBytes, &cfg.MaxLineBytes)
	s.setBool("detect-version", fc.DetectVersion, &cfg.DetectVersion)
	s.setBool("fail-on-heartbeat-loss", fc.FailOnHeartbeatLoss, &cfg.FailOnHeartbeatLoss)
	s.setBool("log-connector-messages", fc.LogConnectorMessages, &cfg.LogConnectorMessages)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

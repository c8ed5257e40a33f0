package cliconfig

import (
	"os"
	"strings"
)

func env(name string) string { return os.Getenv(EnvPrefix + name) }

// ApplyEnvConfig applies configuration from environment variables (CONNBRIDGE_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("connection-id", env("CONNECTION_ID"), &cfg.ConnectionID)
	if err := s.setInt64FromString("job-id", env("JOB_ID"), &cfg.JobID); err != nil {
		return err
	}
	if err := s.setIntFromString("attempt", env("ATTEMPT"), &cfg.Attempt); err != nil {
		return err
	}

	s.setString("source", env("SOURCE_COMMAND"), &cfg.SourceCommand)
	s.setString("destination", env("DESTINATION_COMMAND"), &cfg.DestinationCommand)
	s.setString("source-config", env("SOURCE_CONFIG"), &cfg.SourceConfig)
	s.setString("source-catalog", env("SOURCE_CATALOG"), &cfg.SourceCatalog)
	s.setString("source-state", env("SOURCE_STATE"), &cfg.SourceState)
	s.setString("destination-config", env("DESTINATION_CONFIG"), &cfg.DestinationConfig)
	s.setString("destination-catalog", env("DESTINATION_CATALOG"), &cfg.DestinationCatalog)

	s.setBoolFromString("reset", env("RESET"), &cfg.Reset)
	if v := env("RESET_STREAMS"); v != "" {
		s.setList("reset-streams", strings.Split(v, ","), &cfg.ResetStreams)
	}
	s.setString("reset-state-type", env("RESET_STATE_TYPE"), &cfg.ResetStateType)

	s.setString("state-dir", env("STATE_DIR"), &cfg.StateDir)
	s.setString("state-store", env("STATE_STORE"), &cfg.StateStore)
	s.setString("work-dir", env("WORK_DIR"), &cfg.WorkDir)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("heartbeat-threshold", env("HEARTBEAT_THRESHOLD"), &cfg.HeartbeatThreshold); err != nil {
		return err
	}
	if err := s.setDuration("heartbeat-poll", env("HEARTBEAT_POLL_INTERVAL"), &cfg.HeartbeatPollInterval); err != nil {
		return err
	}
	if err := s.setDuration("graceful-shutdown", env("GRACEFUL_SHUTDOWN"), &cfg.GracefulShutdown); err != nil {
		return err
	}
	if err := s.setDuration("force-shutdown", env("FORCE_SHUTDOWN"), &cfg.ForceShutdown); err != nil {
		return err
	}
	if err := s.setIntFromString("max-line-bytes", env("MAX_LINE_BYTES"), &cfg.MaxLineBytes); err != nil {
		return err
	}

	s.setBoolFromString("detect-version", env("DETECT_VERSION"), &cfg.DetectVersion)
	s.setBoolFromString("fail-on-heartbeat-loss", env("FAIL_ON_HEARTBEAT_LOSS"), &cfg.FailOnHeartbeatLoss)
	s.setBoolFromString("log-connector-messages", env("LOG_CONNECTOR_MESSAGES"), &cfg.LogConnectorMessages)

	return nil
}

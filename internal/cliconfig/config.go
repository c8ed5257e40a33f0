package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

// EnvPrefix prefixes every environment variable read by connbridge.
const EnvPrefix = "CONNBRIDGE_"

// State store kinds.
const (
	StoreFile = "file"
	StoreBolt = "bolt"
)

// Config holds CLI configuration for connbridge.
type Config struct {
	ConnectionID string
	JobID        int64
	Attempt      int

	// Connector commands, split on whitespace.
	SourceCommand      string
	DestinationCommand string

	SourceConfig       string
	SourceCatalog      string
	SourceState        string
	DestinationConfig  string
	DestinationCatalog string

	// Reset runs the sync with an empty source that clears the state of
	// ResetStreams, or of every configured stream.
	Reset          bool
	ResetStreams   []string
	ResetStateType string

	StateDir   string
	StateStore string
	WorkDir    string
	LogLevel   string

	HeartbeatThreshold    time.Duration
	HeartbeatPollInterval time.Duration
	GracefulShutdown      time.Duration
	ForceShutdown         time.Duration
	MaxLineBytes          int
	DetectVersion         bool

	// Runtime flags. They are reloaded from the config file while a sync runs.
	FailOnHeartbeatLoss  bool
	LogConnectorMessages bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ConnectionID:          "default",
		Attempt:               1,
		ResetStateType:        string(protocol.StateLegacy),
		StateStore:            StoreFile,
		StateDir:              "", // Derived from the home directory during Validate
		LogLevel:              "info",
		HeartbeatThreshold:    3 * time.Hour,
		HeartbeatPollInterval: time.Minute,
		GracefulShutdown:      time.Minute,
		ForceShutdown:         time.Minute,
		MaxLineBytes:          100 << 20, // 100MB
		FailOnHeartbeatLoss:   true,
	}
}

// DefaultHome returns ~/.connbridge, or an empty string without a home directory.
func DefaultHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".connbridge")
	}
	return ""
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.ConnectionID == "" {
		return invalid("connection-id is required")
	}
	if strings.ContainsAny(c.ConnectionID, `/\`) {
		return invalid("connection-id must not contain path separators")
	}

	if c.DestinationCommand == "" {
		return invalid("destination command is required")
	}
	if c.SourceCommand == "" && !c.Reset {
		return invalid("source command is required (or --reset)")
	}
	if c.SourceConfig == "" && !c.Reset {
		return invalid("source-config is required")
	}
	if c.SourceCatalog == "" {
		return invalid("source-catalog is required")
	}
	if c.DestinationConfig == "" {
		return invalid("destination-config is required")
	}
	if c.DestinationCatalog == "" {
		return invalid("destination-catalog is required")
	}

	switch protocol.StateType(strings.ToUpper(c.ResetStateType)) {
	case protocol.StateLegacy, protocol.StateStream, protocol.StateGlobal:
		c.ResetStateType = strings.ToUpper(c.ResetStateType)
	default:
		return invalid("reset-state-type must be LEGACY, STREAM or GLOBAL")
	}

	if c.StateDir == "" {
		home := DefaultHome()
		if home == "" {
			return invalid("state-dir is required (no home directory)")
		}
		c.StateDir = filepath.Join(home, "state")
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.StateDir, "jobs")
	}

	switch c.StateStore {
	case StoreFile, StoreBolt:
	default:
		return invalid(fmt.Sprintf("state-store must be %q or %q", StoreFile, StoreBolt))
	}

	if c.HeartbeatThreshold <= 0 {
		return invalid("heartbeat threshold must be positive")
	}
	if c.HeartbeatPollInterval <= 0 {
		return invalid("heartbeat poll interval must be positive")
	}
	if c.GracefulShutdown <= 0 || c.ForceShutdown <= 0 {
		return invalid("shutdown timeouts must be positive")
	}
	if c.MaxLineBytes <= 0 {
		return invalid("max-line-bytes must be positive")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, msg)
}

// JobRoot is the working directory of the current attempt.
func (c *Config) JobRoot() string {
	return filepath.Join(c.WorkDir, c.ConnectionID, strconv.FormatInt(c.JobID, 10), strconv.Itoa(c.Attempt))
}

// SourceArgs splits the source command.
func (c *Config) SourceArgs() []string { return strings.Fields(c.SourceCommand) }

// DestinationArgs splits the destination command.
func (c *Config) DestinationArgs() []string { return strings.Fields(c.DestinationCommand) }

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

// setInt64FromString parses a string to int64 and sets the destination if valid.
func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

// setList sets a string slice if not empty and flag not changed.
func (s *configSetter) setList(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if positive and flag not changed.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

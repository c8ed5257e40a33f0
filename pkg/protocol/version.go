package protocol

// Version information for the protocol module.
const (
	// ModuleVersion is the current version of the protocol module.
	ModuleVersion = "1.0.0"

	// MinCompatibleModuleVersion is the minimum version that is compatible with this version.
	MinCompatibleModuleVersion = "1.0.0"
)

var (
	// CurrentVersion is the protocol version messages are migrated to.
	CurrentVersion = MustParseVersion("1.0.0")

	// FallbackVersion is assumed for connectors that never declare a version.
	FallbackVersion = MustParseVersion("0.2.0")
)

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/connbridge/internal/cliconfig"
	"github.com/bft-labs/connbridge/pkg/log"
)

const longHelp = `Run a source connector and a destination connector as subprocesses and move
their messages between them, tracking what was emitted and what the
destination committed.

Configure via file ($HOME/.connbridge/config.toml), CONNBRIDGE_* environment
variables, or flags. Flags win over the environment, which wins over the file.`

var exampleUsage = strings.TrimSpace(`
  connbridge replicate \
    --source "docker run --rm -i -v $PWD/job:/job airbyte/source-faker:6" \
    --destination "docker run --rm -i -v $PWD/job:/job airbyte/destination-dev-null:0.3" \
    --source-config source.json --source-catalog catalog.json \
    --destination-config destination.json --destination-catalog catalog.json
  connbridge state --connection-id orders-to-warehouse
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// loadConfig layers the config file and the environment under the flags
// that were set explicitly, then validates.
func loadConfig(cmd *cobra.Command, cfg *cliconfig.Config, cfgPath string) (string, map[string]bool, error) {
	cfgFile := cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}

	// Build set of changed flags
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return "", nil, fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(cfg, fc, changed); err != nil {
			return "", nil, err
		}
	} else {
		cfgFile = ""
	}

	if err := cliconfig.ApplyEnvConfig(cfg, changed); err != nil {
		return "", nil, err
	}
	return cfgFile, changed, nil
}

func newLogger(level string) log.Logger {
	return log.NewZerologAdapterWithLogger(log.NewConsoleLogger(os.Stderr, log.ParseLevel(level)))
}

func main() {
	root := &cobra.Command{
		Use:           "connbridge",
		Short:         "Bridge a source connector to a destination connector",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplicateCmd(), newStateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		newLogger("info").Error("connbridge", log.Err(err))
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bft-labs/connbridge/internal/adapters/boltdb"
	"github.com/bft-labs/connbridge/internal/cliconfig"
)

const boltFileName = "connbridge.db"

func boltPath(cfg cliconfig.Config) string {
	return filepath.Join(cfg.StateDir, boltFileName)
}

func newStateCmd() *cobra.Command {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string
	var history bool

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the last replication output of a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := loadConfig(cmd, &cfg, cfgPath); err != nil {
				return err
			}
			if cfg.StateDir == "" {
				cfg.StateDir = filepath.Join(cliconfig.DefaultHome(), "state")
			}
			ctx := cmd.Context()

			var v interface{}
			if history {
				if cfg.StateStore != cliconfig.StoreBolt {
					return fmt.Errorf("--history requires --state-store=%s", cliconfig.StoreBolt)
				}
				store, err := boltdb.New(ctx, boltPath(cfg))
				if err != nil {
					return err
				}
				defer store.Close()
				if v, err = store.History(ctx, cfg.ConnectionID); err != nil {
					return err
				}
			} else {
				repo, closeRepo, err := openRepository(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeRepo()
				output, ok, err := repo.Load(ctx, cfg.ConnectionID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no output saved for connection %q", cfg.ConnectionID)
				}
				v = output
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.connbridge/config.toml)")
	f.StringVar(&cfg.ConnectionID, "connection-id", cfg.ConnectionID, "connection to show")
	f.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for sync outputs (default: $HOME/.connbridge/state)")
	f.StringVar(&cfg.StateStore, "state-store", cfg.StateStore, "output store: file or bolt")
	f.BoolVar(&history, "history", false, "print every saved output (bolt store only)")
	return cmd
}

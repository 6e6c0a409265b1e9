package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docsync/internal/backup"
	"docsync/internal/config"
	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

func newRootCmd(deps runDeps) *cobra.Command {
	root := &cobra.Command{
		Use:   "docsync",
		Short: "Keep edited documents in sync with their files",
		Long: `docsync holds an editable working copy of every open document and keeps it
in sync with the file behind it: conflict-aware saves, auto save, crash
recovery backups and reloads on external changes.

Configuration is read from --config (YAML, TOML or JSON), DOCSYNC_*
environment variables and flags, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "configuration file")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(deps), newBackupsCmd(deps), newVersionCmd())
	return root
}

func newServeCmd(deps runDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [ROOT]",
		Short: "Serve working copies of the files under ROOT",
		Long: `Serve working copies of the files under ROOT until interrupted.

Depending on configuration this also watches ROOT for external changes,
auto saves dirty documents, writes crash recovery backups, broadcasts
working copy events over WebSocket and mounts the documents with FUSE.

On SIGINT or SIGTERM every dirty document is saved before exiting.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) > 0 {
				root = args[0]
			}
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			return serve(cfg, deps)
		},
	}
}

func newBackupsCmd(deps runDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect crash recovery backups",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List resources that have a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBackupStore(cmd, deps)
			if err != nil {
				return err
			}
			defer store.Close()

			resources, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list backups: %w", err)
			}
			for _, resource := range resources {
				fmt.Fprintln(cmd.OutOrStdout(), resource)
			}
			return nil
		},
	}

	discard := &cobra.Command{
		Use:   "discard RESOURCE",
		Short: "Discard the backup of RESOURCE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openBackupStore(cmd, deps)
			if err != nil {
				return err
			}
			defer store.Close()

			resource := pathutil.Clean(args[0])
			if err := store.Discard(cmd.Context(), resource); err != nil {
				return fmt.Errorf("discard backup of %s: %w", resource, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded backup of %s\n", resource)
			return nil
		},
	}

	cmd.AddCommand(list, discard)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionString())
		},
	}
}

// loadConfig merges the config file, environment and the flags of cmd.
// root, when set, overrides the configured workspace root.
func loadConfig(cmd *cobra.Command, root string) (*config.Config, error) {
	v := viper.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	if root != "" {
		v.Set("root", root)
	}
	configFile, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, &cliError{exitCode: 1, msg: err.Error()}
	}

	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		logging.Configure(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	return cfg, nil
}

func openBackupStore(cmd *cobra.Command, deps runDeps) (backup.Store, error) {
	// Backups are keyed by resource; the workspace root is not consulted.
	cfg, err := loadConfig(cmd, ".")
	if err != nil {
		return nil, err
	}
	if cfg.Backup.DSN == "" {
		return nil, &cliError{exitCode: 1, msg: "no backup store configured (set backup.dsn or --backup-dsn)"}
	}
	store, err := deps.newBackupStore(cfg.Backup.DSN)
	if err != nil {
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	return store, nil
}

package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/taskchat/internal/config"
	"github.com/matheus3301/taskchat/internal/daemon"
	"github.com/matheus3301/taskchat/internal/lock"
	"github.com/matheus3301/taskchat/internal/profile"
	"github.com/matheus3301/taskchat/internal/store"
)

var (
	profileFlag string
	configFlag  string
	debug       bool
)

func main() {
	root := &cobra.Command{
		Use:           "taskchatd",
		Short:         "Chat sync daemon for one profile",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().StringVar(&configFlag, "config", profile.ConfigPath(), "config file")
	root.Flags().BoolVar(&debug, "debug", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete the profile's snapshot (daemon must be stopped)",
		Args:  cobra.NoArgs,
		RunE:  reset,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func load() (*config.Config, string, error) {
	cfg, err := config.LoadOrDefault(configFlag)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	name := profileFlag
	if name == "" {
		name = cmp.Or(cfg.DefaultProfile, profile.DefaultName)
	}
	if err := profile.ValidateName(name); err != nil {
		return nil, "", err
	}
	return cfg, name, nil
}

func heldMessage(name string, err error) error {
	var held *lock.HeldError
	if errors.As(err, &held) {
		return fmt.Errorf("daemon already running for profile %q (PID %d)", name, held.Owner.PID)
	}
	return err
}

func run(_ *cobra.Command, _ []string) error {
	cfg, name, err := load()
	if err != nil {
		return err
	}

	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		daemon.Module(daemon.Params{
			Profile: name,
			Config:  cfg,
			Token:   config.Token(),
			Debug:   debug,
		}),
	)
	if err := app.Err(); err != nil {
		return heldMessage(name, err)
	}
	app.Run()
	return nil
}

func reset(_ *cobra.Command, _ []string) error {
	_, name, err := load()
	if err != nil {
		return err
	}
	lk, err := lock.Acquire(profile.LockPath(name))
	if err != nil {
		return heldMessage(name, err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(profile.SnapshotDBPath(name))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Reset(); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	fmt.Printf("snapshot for profile %q cleared\n", name)
	return nil
}

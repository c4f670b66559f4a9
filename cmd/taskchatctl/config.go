package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/matheus3301/taskchat/internal/config"
	"github.com/matheus3301/taskchat/internal/profile"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := profile.ConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := profile.ConfigPath()
			cfg, err := config.Load(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "# %s not found, showing defaults\n", path)
				cfg = config.Default()
			} else if err != nil {
				return err
			}
			if jsonOut {
				outputJSON(cfg)
				return nil
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "# invalid: %v\n", err)
			}
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

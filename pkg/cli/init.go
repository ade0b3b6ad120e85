package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/revenant/revenant/pkg/config"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
)

var configFormats = map[string]string{
	"yaml": "revenant.config.yaml",
	"json": "revenant.config.json",
	"toml": "revenant.config.toml",
}

func (c *CLI) newInitCmd() *cobra.Command {
	var format string
	var force bool
	var apps string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Revenant configuration",
		Long: `Write a default configuration into the root directory and create the
applications and domains directories it points at.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(format, force, apps)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "configuration format (yaml, json, toml)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	cmd.Flags().StringVar(&apps, "apps", "", `startup order to record, separated by ":" or ","`)

	return cmd
}

func (c *CLI) runInit(format string, force bool, apps string) error {
	name, ok := configFormats[format]
	if !ok {
		return fmt.Errorf("%w: unknown format %q", types.ErrInvalidArgument, format)
	}

	root := c.absRoot()
	manager := config.NewManager()

	if existing, err := manager.FindConfig(root); err == nil && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", existing)
	} else if err != nil && !errors.Is(err, config.ErrNoConfig) {
		return err
	}

	cfg := manager.GetDefaultConfig()
	cfg.StartupOrder = types.ParseStartupOrder(apps)

	path := filepath.Join(root, name)
	if c.config.ConfigFile != "" {
		path = c.config.ConfigFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := manager.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	for _, dir := range []string{cfg.AppsDir, cfg.DomainsDir} {
		if err := os.MkdirAll(filepath.Join(filepath.Dir(path), dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	c.printSuccess(fmt.Sprintf("Created %s", path))
	c.printInfo(fmt.Sprintf("Drop applications into %s and domains into %s", cfg.AppsDir, cfg.DomainsDir))
	return nil
}

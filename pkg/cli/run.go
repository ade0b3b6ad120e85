package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/revenant/revenant/pkg/daemon"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newRunCmd() *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"watch"},
		Short:   "Deploy everything in the watched directories and keep watching",
		Long: `Start Revenant in the foreground. Domains are deployed before applications;
applications listed in --apps start first, in that order, and the rest follow
in the order they are found.

Revenant keeps watching until it receives SIGINT or SIGTERM. SIGHUP forces an
immediate rescan.`,
		Example: `  revenant run --apps "3:1:2"
  REVENANT_APPS=db,web revenant run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runForeground(cmd.Context(), c.viper.GetString("apps"), watchConfig)
		},
	}

	cmd.Flags().String("apps", "", `startup order of applications, separated by ":" or ","`)
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "restart when the configuration file changes")

	return cmd
}

func (c *CLI) runForeground(ctx context.Context, apps string, watchConfig bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	path, err := c.configPath()
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	level := c.config.Verbosity
	if level == "" {
		level = string(cfg.Logging.Level)
	}

	d := daemon.NewManager(daemon.Config{
		Root:         c.absRoot(),
		ConfigPath:   path,
		LogFile:      cfg.Logging.File,
		LogLevel:     level,
		StartupOrder: types.ParseStartupOrder(apps),
		WatchConfig:  watchConfig,
	})

	if err := d.StartWithContext(ctx); err != nil {
		return err
	}

	if order := types.ParseStartupOrder(apps); len(order) > 0 {
		c.printInfo(fmt.Sprintf("Startup order: %s", strings.Join(order, " → ")))
	}
	if addr := d.APIAddr(); addr != "" {
		c.printInfo(fmt.Sprintf("Management API on http://%s", addr))
	}
	c.printSuccess(fmt.Sprintf("Watching %s and %s", cfg.AppsDir, cfg.DomainsDir))

	<-d.Done()
	c.printSuccess("Revenant stopped gracefully")
	return nil
}

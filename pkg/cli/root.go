// Package cli provides the command-line interface for Revenant.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/revenant/revenant/pkg/config"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CLI owns the command tree and its output streams.
type CLI struct {
	config   *Config
	viper    *viper.Viper
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration.
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing).
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments.
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support.
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

// Execute runs the revenant command line with os.Args.
func Execute(version string) error {
	return NewCLI(&Config{Root: ".", Version: version}).Execute(os.Args[1:])
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "revenant",
		Short: "Hot deployment for applications and the domains they run in",
		Long: `Revenant watches an applications directory and a domains directory and keeps
what runs in sync with what is on disk.

Drop an archive or an exploded directory in to deploy it, touch its descriptor
to redeploy it and delete its .deployed marker to undeploy it.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("👻 Revenant v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newDaemonCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newListCmd())
	c.rootCmd.AddCommand(c.newDeployCmd())
	c.rootCmd.AddCommand(c.newUndeployCmd())
	c.rootCmd.AddCommand(c.newRedeployCmd())
	c.rootCmd.AddCommand(c.newPackageCmd())
	c.rootCmd.AddCommand(c.newWaitCmd())
	c.rootCmd.AddCommand(c.newLogsCmd())
	c.rootCmd.AddCommand(c.newCleanCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", c.config.ConfigFile, "config file (default: revenant.config.yaml in the root)")
	flags.StringVar(&c.config.Root, "root", c.config.Root, "deployment root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
}

// initializeConfig lets REVENANT_* environment variables stand in for flags
// that were not given on the command line.
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.viper.SetEnvPrefix("REVENANT")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.viper.AutomaticEnv()
	if err := c.viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	c.config.ConfigFile = c.viper.GetString("config")
	c.config.Root = c.viper.GetString("root")
	c.config.Verbosity = c.viper.GetString("verbosity")
	if c.config.Root == "" {
		c.config.Root = "."
	}

	level := c.config.Verbosity
	if level == "" {
		level = string(types.LogLevelWarn)
	}
	c.logger = logger.CreateLoggerWithOutput("", level, c.errorOut)

	if c.config.Verbosity == string(types.LogLevelDebug) {
		if path, err := c.configPath(); err == nil {
			fmt.Fprintln(c.errorOut, "Using config file:", path)
		}
	}
	return nil
}

func (c *CLI) configPath() (string, error) {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile, nil
	}
	return config.NewManager().FindConfig(c.config.Root)
}

func (c *CLI) loadConfig() (*types.RevenantConfig, error) {
	path, err := c.configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (c *CLI) absRoot() string {
	if abs, err := filepath.Abs(c.config.Root); err == nil {
		return abs
	}
	return c.config.Root
}

// Helper functions

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "👻 %s %s\n", color.GreenString("[Revenant]"), message)
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "👻 %s %s\n", color.RedString("[Revenant]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "👻 %s %s\n", color.CyanString("[Revenant]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "👻 %s %s\n", color.YellowString("[Revenant]"), message)
}

func kindFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "kind", "k", "app", "artifact kind (app, domain)")
}

func colorState(state types.LifecycleState) string {
	s := string(state)
	switch state {
	case types.StateDeployed:
		return color.GreenString(s)
	case types.StateFailed:
		return color.RedString(s)
	case types.StateDeploying, types.StateRedeploying, types.StateUndeploying:
		return color.YellowString(s)
	}
	return color.WhiteString(s)
}

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/state"
	"github.com/revenant/revenant/internal/watcher"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every known artifact",
		Long:  `Display the lifecycle state recorded by the running daemon for each application and domain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus()
		},
	}
}

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List artifacts present in the watched directories",
		Long:    `List every archive and exploded directory in the watched directories, in deployment order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList()
		},
	}
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove recorded state",
		Long:  `Remove the state mirror and daemon bookkeeping. Deployed files are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runClean()
		},
	}
}

func (c *CLI) newLogsCmd() *cobra.Command {
	var follow bool
	var lines int

	cmd := &cobra.Command{
		Use:   "logs [artifact]",
		Short: "Show daemon logs",
		Long:  `Display the daemon log, optionally only the lines about one artifact.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return c.runLogs(name, follow, lines)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")

	return cmd
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the watched directories",
		Long:  `Check that the configuration file is valid and every exploded artifact has a usable descriptor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate()
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of Revenant",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "👻 Revenant v%s\n", c.config.Version)
		},
	}
}

// Implementation functions

func (c *CLI) runStatus() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	states, err := state.ReadDir(cfg.StateDir, c.logger)
	if err != nil {
		return fmt.Errorf("failed to read states: %w", err)
	}
	if len(states) == 0 {
		c.printInfo("No artifacts recorded yet")
		return nil
	}

	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := states[keys[i]], states[keys[j]]
		if a.Kind != b.Kind {
			// domains first, matching deployment order
			return a.Kind == types.KindDomain
		}
		return a.Name < b.Name
	})

	live := false
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tSTATE\tDOMAIN\tDEPLOYS\tFAILURES\tLAST CHANGE")
	fmt.Fprintln(w, "----\t----\t-----\t------\t-------\t--------\t-----------")

	for _, key := range keys {
		s := states[key]
		if state.IsLive(s) {
			live = true
		}

		domain := s.Domain
		if domain == "" {
			domain = "-"
		}
		last := "-"
		if !s.LastTransition.IsZero() {
			last = s.LastTransition.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.Kind,
			s.Name,
			colorState(s.State),
			domain,
			s.DeployCount,
			s.FailureCount,
			last,
		)
	}
	w.Flush()

	for _, key := range keys {
		if s := states[key]; s.State == types.StateFailed && s.LastError != "" {
			fmt.Fprintf(c.output, "  %s %s: %s\n", color.RedString("✗"), s.Name, s.LastError)
		}
	}

	if !live {
		c.printWarning("No live daemon is updating these states")
	}
	return nil
}

func (c *CLI) runList() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tSOURCE\tDEPLOYED")
	fmt.Fprintln(w, "----\t----\t------\t--------")

	for _, kind := range types.ProcessingOrder {
		snap, err := watcher.Scan(cfg.WatchDir(kind), kind)
		if err != nil {
			c.printWarning(err.Error())
			continue
		}

		for _, name := range watcher.OrderNames(snap.Names(), cfg.StartupOrder) {
			source := "directory"
			if _, ok := snap.Archives[name]; ok {
				source = "archive"
			}
			deployed := color.RedString("✗")
			if snap.Anchors[name] {
				deployed = color.GreenString("✓")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, name, source, deployed)
		}
		for name, scanErr := range snap.Errors {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", kind, name, color.RedString("unreadable"), scanErr)
		}
	}

	return w.Flush()
}

func (c *CLI) runClean() error {
	if pid, ok := c.daemonPID(); ok {
		return fmt.Errorf("daemon is running (pid %d); stop it first", pid)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if err := os.RemoveAll(cfg.StateDir); err != nil {
		return fmt.Errorf("failed to remove state directory: %w", err)
	}
	os.Remove(filepath.Join(c.absRoot(), ".revenant", "daemon.pid"))

	c.printSuccess("Cleaned recorded state")
	return nil
}

func (c *CLI) logFile() string {
	if cfg, err := c.loadConfig(); err == nil && cfg.Logging.File != "" {
		return cfg.Logging.File
	}
	return filepath.Join(c.absRoot(), ".revenant", "daemon.log")
}

func (c *CLI) runLogs(name string, follow bool, lines int) error {
	logFile := c.logFile()

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		c.printWarning("No logs found. Run 'revenant daemon start' to start logging.")
		return nil
	}

	if follow {
		return c.followLogFile(logFile, lines)
	}

	content, err := readLastNLines(logFile, lines, artifactFilter(name))
	if err != nil {
		return err
	}
	if name != "" {
		c.printInfo(fmt.Sprintf("Showing logs for %s", name))
	}
	fmt.Fprint(c.output, content)
	return nil
}

func (c *CLI) followLogFile(logFile string, lines int) error {
	cmd := exec.Command("tail", "-f", "-n", fmt.Sprintf("%d", lines), logFile)
	cmd.Stdout = c.output
	cmd.Stderr = c.errorOut

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}()

	return cmd.Run()
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// artifactFilter matches log lines scoped to name, or every line if name is empty.
func artifactFilter(name string) func(string) bool {
	if name == "" {
		return nil
	}
	tag := "[" + name + "]"
	return func(line string) bool {
		return strings.Contains(ansiEscape.ReplaceAllString(line, ""), tag)
	}
}

func readLastNLines(filename string, n int, keep func(string) bool) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if keep != nil && !keep(line) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if len(lines) == 0 {
		return "", nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (c *CLI) runValidate() error {
	cfg, err := c.loadConfig()
	if err != nil {
		c.printError(fmt.Sprintf("Configuration is invalid: %v", err))
		return err
	}

	var problems, warnings []string
	present := make(map[types.ArtifactKind]map[string]bool)

	for _, kind := range types.ProcessingOrder {
		present[kind] = make(map[string]bool)
		dir := cfg.WatchDir(kind)

		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("%s directory %s does not exist yet", kind, dir))
			continue
		}
		snap, err := watcher.Scan(dir, kind)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}

		for name, scanErr := range snap.Errors {
			problems = append(problems, fmt.Sprintf("%s %s: %v", kind, name, scanErr))
		}
		for name := range snap.Archives {
			present[kind][name] = true
		}
		for name, entry := range snap.Exploded {
			present[kind][name] = true
			if _, shadowed := snap.Archives[name]; shadowed {
				continue
			}
			if _, err := artifact.LoadDescriptor(entry.Path, kind); err != nil {
				problems = append(problems, fmt.Sprintf("%s %s: %v", kind, name, err))
			}
		}
	}

	if snap, err := watcher.Scan(cfg.AppsDir, types.KindApplication); err == nil {
		for name, entry := range snap.Exploded {
			d, err := artifact.LoadDescriptor(entry.Path, types.KindApplication)
			if err != nil || d.Domain == types.DefaultDomain {
				continue
			}
			if !present[types.KindDomain][d.Domain] {
				warnings = append(warnings, fmt.Sprintf("application %s needs domain %s, which is not in %s", name, d.Domain, cfg.DomainsDir))
			}
		}
	}

	for _, name := range cfg.StartupOrder {
		if !present[types.KindApplication][name] {
			warnings = append(warnings, fmt.Sprintf("startupOrder names %s, which is not in %s", name, cfg.AppsDir))
		}
	}

	sort.Strings(problems)
	sort.Strings(warnings)

	if len(problems) > 0 {
		c.printError("Found problems:")
		for _, p := range problems {
			fmt.Fprintf(c.output, "  ✗ %s\n", p)
		}
	}
	if len(warnings) > 0 {
		c.printWarning("Warnings:")
		for _, w := range warnings {
			fmt.Fprintf(c.output, "  ⚠ %s\n", w)
		}
	}

	if len(problems) == 0 {
		c.printSuccess("Configuration is valid")
		return nil
	}
	return fmt.Errorf("found %d problem(s)", len(problems))
}

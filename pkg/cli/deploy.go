package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
)

// The commands below only touch the watched directories. A running daemon
// picks the change up on its next pass.

func (c *CLI) newDeployCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "deploy <archive|directory>",
		Short: "Copy an artifact into the watched directory",
		Long: `Copy an archive or exploded directory into the watched directory for its kind.
The copy is staged under a hidden name and renamed into place, so the daemon
never sees a half written artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDeploy(kind, args[0])
		},
	}
	kindFlag(cmd, &kind)
	return cmd
}

func (c *CLI) newUndeployCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "undeploy <name>",
		Short: "Ask the daemon to undeploy an artifact",
		Long: `Delete the .deployed marker of an artifact. The daemon undeploys it and removes
its files on the next pass. Undeploying a domain takes its applications with it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runUndeploy(kind, args[0])
		},
	}
	kindFlag(cmd, &kind)
	return cmd
}

func (c *CLI) newRedeployCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "redeploy <name>",
		Short: "Ask the daemon to redeploy an artifact",
		Long: `Touch the archive or descriptor of an artifact so the daemon sees a new
version. This also retries an artifact that previously failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRedeploy(kind, args[0])
		},
	}
	kindFlag(cmd, &kind)
	return cmd
}

func (c *CLI) newPackageCmd() *cobra.Command {
	var kind string
	var output string

	cmd := &cobra.Command{
		Use:   "package <directory>",
		Short: "Pack an exploded artifact into an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPackage(kind, args[0], output)
		},
	}
	kindFlag(cmd, &kind)
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: <name>.zip)")
	return cmd
}

func (c *CLI) watchDir(kindName string) (types.ArtifactKind, string, error) {
	kind, err := types.ParseArtifactKind(kindName)
	if err != nil {
		return "", "", err
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", "", err
	}
	return kind, cfg.WatchDir(kind), nil
}

func (c *CLI) runDeploy(kindName, location string) error {
	kind, dir, err := c.watchDir(kindName)
	if err != nil {
		return err
	}

	src, err := filepath.Abs(location)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, location)
	}

	name := filepath.Base(src)
	if !info.IsDir() {
		if !artifact.IsArchive(name) {
			return fmt.Errorf("%w: %s is neither a directory nor a .zip archive", types.ErrInvalidArgument, location)
		}
		name = artifact.NameFromArchive(name)
	} else if _, err := artifact.LoadDescriptor(src, kind); err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}

	if filepath.Dir(src) == filepath.Clean(dir) {
		c.printInfo(fmt.Sprintf("%s is already in %s", name, dir))
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	target, err := artifact.CopyInto(src, dir)
	if err != nil {
		return err
	}

	c.printSuccess(fmt.Sprintf("Copied %s %s to %s", kind, name, target))
	return nil
}

func (c *CLI) runUndeploy(kindName, name string) error {
	kind, dir, err := c.watchDir(kindName)
	if err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}
	if kind == types.KindDomain && name == types.DefaultDomain {
		return fmt.Errorf("%w: the default domain cannot be undeployed", types.ErrInvalidArgument)
	}
	if !artifact.HasAnchor(dir, name) {
		return fmt.Errorf("%w: %s %s is not deployed", types.ErrNotFound, kind, name)
	}

	if err := artifact.RemoveAnchor(dir, name); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Requested undeployment of %s %s", kind, name))
	return nil
}

func (c *CLI) runRedeploy(kindName, name string) error {
	kind, dir, err := c.watchDir(kindName)
	if err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}

	// The archive wins over an exploded directory of the same name
	candidates := []string{
		filepath.Join(dir, name+".zip"),
		artifact.DescriptorPath(filepath.Join(dir, name), kind),
	}
	now := time.Now()
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Chtimes(path, now, now); err != nil {
			return err
		}
		c.printSuccess(fmt.Sprintf("Requested redeployment of %s %s", kind, name))
		return nil
	}

	return fmt.Errorf("%w: %s %s is not in %s", types.ErrNotFound, kind, name, dir)
}

func (c *CLI) runPackage(kindName, srcDir, output string) error {
	kind, err := types.ParseArtifactKind(kindName)
	if err != nil {
		return err
	}
	src, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	if _, err := artifact.LoadDescriptor(src, kind); err != nil {
		return err
	}

	if output == "" {
		output = filepath.Base(src) + ".zip"
	}
	if !strings.HasSuffix(strings.ToLower(output), ".zip") {
		return fmt.Errorf("%w: archive name must end in .zip", types.ErrInvalidArgument)
	}

	if err := artifact.Pack(src, output); err != nil {
		return err
	}
	c.printSuccess(fmt.Sprintf("Packed %s into %s", filepath.Base(src), output))
	return nil
}

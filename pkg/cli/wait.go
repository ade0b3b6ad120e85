package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/revenant/revenant/internal/state"
	"github.com/revenant/revenant/internal/watcher"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newWaitCmd() *cobra.Command {
	var kind string
	var timeout int
	var status string
	var pollInterval int

	cmd := &cobra.Command{
		Use:   "wait [name...]",
		Short: "Wait for artifacts to reach a state",
		Long: `Wait for one or more artifacts to reach a lifecycle state. Without names,
every artifact in the watched directory of the kind is waited for.
This command is useful in CI/CD pipelines after dropping an archive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWait(cmd.Context(), kind, args, status, timeout, pollInterval)
		},
	}

	kindFlag(cmd, &kind)
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 300, "timeout in seconds")
	cmd.Flags().StringVarP(&status, "state", "s", string(types.StateDeployed), "state to wait for (deployed, failed, undeployed)")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 1000, "polling interval in milliseconds")

	return cmd
}

// WaitResult represents the result of waiting for one artifact.
type WaitResult struct {
	Name     string
	State    types.LifecycleState
	Duration time.Duration
	Success  bool
	TimedOut bool
	Error    string
}

func (c *CLI) runWait(ctx context.Context, kindName string, names []string, status string, timeoutSec, pollMillis int) error {
	want := types.LifecycleState(status)
	switch want {
	case types.StateDeployed, types.StateFailed, types.StateUndeployed:
	default:
		return fmt.Errorf("%w: cannot wait for state %q", types.ErrInvalidArgument, status)
	}

	kind, err := types.ParseArtifactKind(kindName)
	if err != nil {
		return err
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		snap, err := watcher.Scan(cfg.WatchDir(kind), kind)
		if err != nil {
			return err
		}
		names = watcher.OrderNames(snap.Names(), cfg.StartupOrder)
		if len(names) == 0 {
			return fmt.Errorf("no %s artifacts found to wait for", kind)
		}
	}

	c.printInfo(fmt.Sprintf("Waiting for %d %s(s) to reach state '%s'", len(names), kind, want))

	if ctx == nil {
		ctx = context.Background()
	}
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}
	if pollMillis <= 0 {
		pollMillis = 1000
	}

	results := waitForArtifacts(ctx, c.logger, cfg.StateDir, kind, names, want, time.Duration(pollMillis)*time.Millisecond)
	return c.displayWaitResults(results, want)
}

// waitForArtifacts polls the state mirror until every name reached want. An
// artifact that fails after the wait began ends its wait early when waiting
// for deployed.
func waitForArtifacts(ctx context.Context, log logger.Logger, stateDir string, kind types.ArtifactKind, names []string, want types.LifecycleState, poll time.Duration) []WaitResult {
	start := time.Now()
	results := make([]WaitResult, len(names))
	for i, name := range names {
		results[i] = WaitResult{Name: name}
	}
	done := make(map[string]bool, len(names))

	check := func() bool {
		all := true
		for i := range results {
			r := &results[i]
			if done[r.Name] {
				continue
			}

			current := readState(log, stateDir, types.ArtifactRef{Kind: kind, Name: r.Name})
			if current == nil {
				all = false
				continue
			}
			r.State = current.State

			switch {
			case current.State == want:
				r.Success = true
			case want == types.StateDeployed && current.State == types.StateFailed && !current.LastTransition.Before(start):
				r.Error = current.LastError
			default:
				all = false
				continue
			}
			r.Duration = time.Since(start)
			done[r.Name] = true
		}
		return all
	}

	if check() {
		return results
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for i := range results {
				if !done[results[i].Name] {
					results[i].TimedOut = true
					results[i].Duration = time.Since(start)
				}
			}
			return results
		case <-ticker.C:
			if check() {
				return results
			}
		}
	}
}

func readState(log logger.Logger, stateDir string, ref types.ArtifactRef) *types.ArtifactStatus {
	states, err := state.ReadDir(stateDir, log)
	if err != nil {
		return nil
	}
	return states[ref.Key()]
}

func (c *CLI) displayWaitResults(results []WaitResult, want types.LifecycleState) error {
	succeeded, timedOut, failed := 0, 0, 0

	for _, r := range results {
		var outcome string
		switch {
		case r.Success:
			outcome = "OK"
			succeeded++
		case r.TimedOut:
			last := string(r.State)
			if last == "" {
				last = "unknown"
			}
			outcome = fmt.Sprintf("TIMEOUT (last state: %s)", last)
			timedOut++
		default:
			outcome = fmt.Sprintf("FAILED: %s", r.Error)
			failed++
		}
		fmt.Fprintf(c.output, "  %-20s %-40s %v\n", r.Name, outcome, r.Duration.Round(10*time.Millisecond))
	}

	c.printInfo(fmt.Sprintf("Summary: %d reached %s, %d timed out, %d failed", succeeded, want, timedOut, failed))
	if succeeded != len(results) {
		return fmt.Errorf("not all artifacts reached state %s", want)
	}
	return nil
}

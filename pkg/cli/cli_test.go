package cli_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/state"
	"github.com/revenant/revenant/pkg/cli"
	"github.com/revenant/revenant/pkg/daemon"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

const testConfig = `version: "1.0"
apps: apps
domains: domains
pollInterval: 50
notifications:
  enabled: false
`

func setupProject(t *testing.T, apps ...string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "revenant.config.yaml"), []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "domains"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range apps {
		writeApp(t, filepath.Join(root, "apps", name), "")
	}
	return root
}

func writeApp(t *testing.T, dir, domain string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "name: " + filepath.Base(dir) + "\n"
	if domain != "" {
		content += "domain: " + domain + "\n"
	}
	if err := os.WriteFile(artifact.DescriptorPath(dir, types.KindApplication), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func runCLI(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(&cli.Config{Root: root, Version: "1.2.3"}, &out, &errOut)
	err := c.Execute(args)
	return out.String() + errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "Revenant v1.2.3") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, root string)
		shouldError bool
		contains    string
	}{
		{
			name:     "valid project",
			setup:    func(t *testing.T, root string) {},
			contains: "Configuration is valid",
		},
		{
			name: "descriptor names another artifact",
			setup: func(t *testing.T, root string) {
				dir := filepath.Join(root, "apps", "broken")
				os.MkdirAll(dir, 0755)
				os.WriteFile(artifact.DescriptorPath(dir, types.KindApplication), []byte("name: other\n"), 0644)
			},
			shouldError: true,
			contains:    "broken",
		},
		{
			name: "missing descriptor",
			setup: func(t *testing.T, root string) {
				os.MkdirAll(filepath.Join(root, "apps", "empty"), 0755)
			},
			shouldError: true,
			contains:    "empty",
		},
		{
			name: "application needs an absent domain",
			setup: func(t *testing.T, root string) {
				writeApp(t, filepath.Join(root, "apps", "orders"), "billing")
			},
			contains: "needs domain billing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := setupProject(t, "web")
			tt.setup(t, root)

			out, err := runCLI(t, root, "validate")
			if tt.shouldError && err == nil {
				t.Error("expected validation error")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.contains) {
				t.Errorf("expected output to contain %q, got:\n%s", tt.contains, out)
			}
		})
	}
}

func TestValidateCommand_NoConfig(t *testing.T) {
	if _, err := runCLI(t, t.TempDir(), "validate"); err == nil {
		t.Error("expected an error without a configuration file")
	}
}

func TestListCommand(t *testing.T) {
	root := setupProject(t, "web", "api")
	if err := os.WriteFile(filepath.Join(root, "apps", "batch.zip"), []byte("zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := artifact.WriteAnchor(filepath.Join(root, "apps"), "web"); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, root, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	for _, want := range []string{"web", "api", "batch", "archive", "directory"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	root := setupProject(t)
	sm := state.NewStateManager(filepath.Join(root, ".revenant", "state"), logger.CreateLoggerWithOutput("", "error", nil))

	web := types.ArtifactRef{Kind: types.KindApplication, Name: "web", Domain: types.DefaultDomain}
	if err := sm.RecordTransition(web, types.StateDeployed, nil); err != nil {
		t.Fatal(err)
	}
	api := types.ArtifactRef{Kind: types.KindApplication, Name: "api", Domain: types.DefaultDomain}
	if err := sm.RecordTransition(api, types.StateFailed, errors.New("port already in use")); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, root, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	for _, want := range []string{"web", "deployed", "api", "failed", "port already in use"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "No live daemon") {
		t.Error("states written by this process should count as live")
	}
}

func TestStatusCommand_Empty(t *testing.T) {
	out, err := runCLI(t, setupProject(t), "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No artifacts recorded yet") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestDeployCommand(t *testing.T) {
	root := setupProject(t)
	src := filepath.Join(t.TempDir(), "web")
	writeApp(t, src, "")

	if _, err := runCLI(t, root, "deploy", src); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if _, err := os.Stat(artifact.DescriptorPath(filepath.Join(root, "apps", "web"), types.KindApplication)); err != nil {
		t.Errorf("artifact was not copied: %v", err)
	}

	t.Run("rejects unknown files", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "notes.txt")
		os.WriteFile(file, []byte("x"), 0644)

		_, err := runCLI(t, root, "deploy", file)
		if !errors.Is(err, types.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := runCLI(t, root, "deploy", filepath.Join(root, "nope"))
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUndeployCommand(t *testing.T) {
	root := setupProject(t, "web")
	appsDir := filepath.Join(root, "apps")

	_, err := runCLI(t, root, "undeploy", "web")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before deployment, got %v", err)
	}

	if err := artifact.WriteAnchor(appsDir, "web"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, root, "undeploy", "web"); err != nil {
		t.Fatalf("undeploy failed: %v", err)
	}
	if artifact.HasAnchor(appsDir, "web") {
		t.Error("anchor should have been removed")
	}

	_, err = runCLI(t, root, "undeploy", "--kind", "domain", types.DefaultDomain)
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for the default domain, got %v", err)
	}

	_, err = runCLI(t, root, "undeploy", "--kind", "widget", "web")
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for an unknown kind, got %v", err)
	}
}

func TestRedeployCommand(t *testing.T) {
	root := setupProject(t, "web")
	descriptor := artifact.DescriptorPath(filepath.Join(root, "apps", "web"), types.KindApplication)

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(descriptor, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, root, "redeploy", "web"); err != nil {
		t.Fatalf("redeploy failed: %v", err)
	}
	info, err := os.Stat(descriptor)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().After(old.Add(time.Minute)) {
		t.Errorf("descriptor was not touched: %v", info.ModTime())
	}

	_, err = runCLI(t, root, "redeploy", "ghost")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPackageCommand(t *testing.T) {
	src := filepath.Join(t.TempDir(), "web")
	writeApp(t, src, "")
	os.WriteFile(filepath.Join(src, "index.html"), []byte("<h1>hi</h1>"), 0644)

	output := filepath.Join(t.TempDir(), "web.zip")
	if _, err := runCLI(t, t.TempDir(), "package", src, "-o", output); err != nil {
		t.Fatalf("package failed: %v", err)
	}

	r, err := zip.OpenReader(output)
	if err != nil {
		t.Fatalf("archive is not readable: %v", err)
	}
	defer r.Close()

	found := map[string]bool{}
	for _, f := range r.File {
		found[filepath.ToSlash(f.Name)] = true
	}
	for _, want := range []string{"application.yaml", "index.html"} {
		if !found[want] {
			t.Errorf("archive is missing %s, has %v", want, found)
		}
	}

	_, err = runCLI(t, t.TempDir(), "package", src, "-o", filepath.Join(t.TempDir(), "web.tar"))
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a non-zip output, got %v", err)
	}
}

func TestWaitCommand(t *testing.T) {
	root := setupProject(t, "web")
	sm := state.NewStateManager(filepath.Join(root, ".revenant", "state"), logger.CreateLoggerWithOutput("", "error", nil))
	if err := sm.RecordTransition(types.ArtifactRef{Kind: types.KindApplication, Name: "web"}, types.StateDeployed, nil); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, root, "wait", "web", "-t", "2", "--poll-interval", "20")
	if err != nil {
		t.Fatalf("wait failed: %v\n%s", err, out)
	}

	out, err = runCLI(t, root, "wait", "ghost", "-t", "1", "--poll-interval", "20")
	if err == nil {
		t.Fatal("expected wait for an unknown artifact to time out")
	}
	if !strings.Contains(out, "TIMEOUT") {
		t.Errorf("expected a timeout line, got:\n%s", out)
	}

	if _, err := runCLI(t, root, "wait", "web", "-s", "zombie"); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for an unknown state, got %v", err)
	}
}

func TestCleanCommand(t *testing.T) {
	root := setupProject(t)
	stateDir := filepath.Join(root, ".revenant", "state")
	os.MkdirAll(stateDir, 0755)
	os.WriteFile(filepath.Join(stateDir, "application-web.state"), []byte("{}"), 0644)

	if _, err := runCLI(t, root, "clean"); err != nil {
		t.Fatalf("clean failed: %v", err)
	}
	if _, err := os.Stat(stateDir); !os.IsNotExist(err) {
		t.Error("state directory should be gone")
	}
}

func TestEnvironmentOverridesRoot(t *testing.T) {
	root := setupProject(t, "from-env")
	t.Setenv("REVENANT_ROOT", root)

	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(cli.NewConfig(), &out, &errOut)
	if err := c.Execute([]string{"list"}); err != nil {
		t.Fatalf("list failed: %v\n%s", err, errOut.String())
	}
	if !strings.Contains(out.String(), "from-env") {
		t.Errorf("REVENANT_ROOT was not honoured:\n%s", out.String())
	}
}

func TestDaemonCommands_NotRunning(t *testing.T) {
	root := setupProject(t)

	out, err := runCLI(t, root, "daemon", "status")
	if err != nil {
		t.Fatalf("daemon status failed: %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("unexpected output: %q", out)
	}

	_, err = runCLI(t, root, "daemon", "stop")
	if !errors.Is(err, daemon.ErrDaemonNotRunning) {
		t.Errorf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestRunCommand_StopsOnCancel(t *testing.T) {
	root := setupProject(t, "web")
	appsDir := filepath.Join(root, "apps")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(&cli.Config{Root: root}, &out, &errOut)

	done := make(chan error, 1)
	go func() {
		done <- c.ExecuteContext(ctx, []string{"run", "--apps", "web"})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !artifact.HasAnchor(appsDir, "web") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("web was never deployed\n%s", errOut.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	if !strings.Contains(out.String(), "stopped gracefully") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

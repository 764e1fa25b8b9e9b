package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-tbviewer/pkg/config"
	"github.com/paulschiretz/pgl-tbviewer/pkg/lockfile"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
)

// TestHelperProcess stands in for the viewer. It exits 0 only if the mirrored
// event file named by WANT_FILE exists below the --logdir it was given.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) < 2 || args[0] != "--logdir" {
		os.Exit(2)
	}
	if _, err := os.Stat(filepath.Join(args[1], os.Getenv("WANT_FILE"))); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })
	return &logBuf
}

// makeRuns creates <tmp>/runs/exp1/events.out.tfevents.1 and returns <tmp>/runs.
func makeRuns(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "runs")
	if err := os.MkdirAll(filepath.Join(src, "exp1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "exp1", "events.out.tfevents.1"), []byte("event"), 0644); err != nil {
		t.Fatal(err)
	}
	// Not an event file; must not be mirrored.
	if err := os.WriteFile(filepath.Join(src, "exp1", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	return src
}

func baseFlags(t *testing.T, src string) map[string]interface{} {
	return map[string]interface{}{
		"uris":          []string{src},
		"sync-interval": 0.0,
		"config":        filepath.Join(t.TempDir(), "absent.yaml"),
	}
}

func TestRunView_MirrorsThenRunsViewer(t *testing.T) {
	captureLog(t)
	src := makeRuns(t)

	var logdir string
	commandContext := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		logdir = arg[1]
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"WANT_FILE=" + filepath.Join("runs", "exp1", "events.out.tfevents.1"),
		}
		return cmd
	}

	if err := runView(context.Background(), baseFlags(t, src), commandContext); err != nil {
		t.Fatalf("runView failed: %v", err)
	}
	if logdir == "" {
		t.Fatal("viewer was not started")
	}
	if _, err := os.Stat(logdir); !os.IsNotExist(err) {
		t.Errorf("expected temporary cache dir %s to be removed, got %v", logdir, err)
	}
}

func TestRunView_ViewerFailureIsReturned(t *testing.T) {
	captureLog(t)
	src := makeRuns(t)

	commandContext := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1", "WANT_FILE=missing"}
		return cmd
	}

	err := runView(context.Background(), baseFlags(t, src), commandContext)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 4 {
		t.Fatalf("expected exit code 4 from the viewer, got %v", err)
	}
}

func TestRunView_InitialSyncFailureSkipsViewer(t *testing.T) {
	captureLog(t)
	started := false
	commandContext := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		started = true
		return exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
	}

	flags := baseFlags(t, "nope://bucket/runs")
	err := runView(context.Background(), flags, commandContext)
	if err == nil || !strings.Contains(err.Error(), "initial sync failed") {
		t.Fatalf("expected initial sync error, got %v", err)
	}
	if started {
		t.Error("viewer must not start when the first pass fails")
	}
}

func TestRunView_RequiresSources(t *testing.T) {
	captureLog(t)
	flags := map[string]interface{}{"config": filepath.Join(t.TempDir(), "absent.yaml")}
	if err := runView(context.Background(), flags, nil); err == nil {
		t.Fatal("expected an error without sources")
	}
}

func TestRunSync_SinglePass(t *testing.T) {
	logBuf := captureLog(t)
	src := makeRuns(t)
	cacheDir := filepath.Join(t.TempDir(), "mirror")

	flags := baseFlags(t, src)
	flags["cache-dir"] = cacheDir
	flags["metrics"] = true

	if err := RunSync(context.Background(), flags); err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cacheDir, "runs", "exp1", "events.out.tfevents.1"))
	if err != nil || string(data) != "event" {
		t.Fatalf("event file not mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "runs", "exp1", "notes.txt")); !os.IsNotExist(err) {
		t.Error("non-event file must not be mirrored")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, lockfile.FileName)); !os.IsNotExist(err) {
		t.Error("expected the lock to be released")
	}
	out := logBuf.String()
	if !strings.Contains(out, "msg=SUM") || !strings.Contains(out, `msg="Download cache"`) {
		t.Errorf("expected summary lines with -metrics, got: %s", out)
	}
}

func TestRunSync_QuietHidesInfo(t *testing.T) {
	logBuf := captureLog(t)
	flags := baseFlags(t, makeRuns(t))
	flags["cache-dir"] = filepath.Join(t.TempDir(), "mirror")
	flags["metrics"] = true
	flags["quiet"] = true

	if err := RunSync(context.Background(), flags); err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if out := logBuf.String(); strings.Contains(out, "level=INFO") {
		t.Errorf("expected no info output with -quiet, got: %s", out)
	}
}

func TestRunSync_RequiresCacheDir(t *testing.T) {
	captureLog(t)
	err := RunSync(context.Background(), baseFlags(t, makeRuns(t)))
	if err == nil || !strings.Contains(err.Error(), "-cache-dir") {
		t.Fatalf("expected a missing -cache-dir error, got %v", err)
	}
}

func TestRunInit_WritesAndPreserves(t *testing.T) {
	captureLog(t)
	path := filepath.Join(t.TempDir(), "tb.yaml")

	first := map[string]interface{}{
		"config": path,
		"uris":   []string{"s3://bucket/runs"},
		"marker": "events",
	}
	if err := RunInit(context.Background(), first); err != nil {
		t.Fatalf("first init failed: %v", err)
	}

	second := map[string]interface{}{
		"config":        path,
		"sync-interval": 5.0,
	}
	if err := RunInit(context.Background(), second); err != nil {
		t.Fatalf("second init failed: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0] != "s3://bucket/runs" || cfg.Sync.Marker != "events" {
		t.Errorf("settings from the first init were lost: %+v", cfg)
	}
	if cfg.SyncIntervalSeconds != 5 {
		t.Errorf("expected interval 5, got %v", cfg.SyncIntervalSeconds)
	}
}

func TestConfirmFunc_Force(t *testing.T) {
	if !confirmFunc(true)("Delete?") {
		t.Error("force must answer yes")
	}
}

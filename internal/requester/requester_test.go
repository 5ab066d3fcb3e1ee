package requester

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/scheduler"
	"github.com/pursuingf/pigeon/internal/shellquote"
)

func startWorker(t *testing.T, cacheRoot string) func() {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "pigeon.toml")
	content := fmt.Sprintf("cache_root = %q\nnamespace = \"default\"\nworker_max_jobs = 4\nworker_poll_interval = 0.02\n", cacheRoot)
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	sched, err := scheduler.New(cfgPath, logging.NewDiscard())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		sched.Run()
		close(done)
	}()
	// Give the scheduler time to write its first heartbeat.
	time.Sleep(100 * time.Millisecond)
	return func() {
		sched.Stop()
		<-done
	}
}

func TestExecute_EchoHappyPath(t *testing.T) {
	cacheRoot := t.TempDir()
	stop := startWorker(t, cacheRoot)
	defer stop()

	ns := layout.New(cacheRoot, "default")
	cfg := config.Configuration{RemoteEnv: map[string]string{}}

	var stdout, stderr bytes.Buffer
	wait := 2.0
	opts := Options{
		Command: []string{"/bin/sh", "-c", "echo hi"},
		Mode:    shellquote.ModeArgv,
		WaitWorker: &wait,
	}

	code := Execute(ns, cfg, opts, strings.NewReader(""), &stdout, &stderr, logging.NewDiscard())
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "hi") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestExecute_NoWorkerTimesOutWithExit4(t *testing.T) {
	cacheRoot := t.TempDir()
	ns := layout.New(cacheRoot, "default")
	if err := ns.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	cfg := config.Configuration{RemoteEnv: map[string]string{}}

	var stdout, stderr bytes.Buffer
	wait := 0.2
	opts := Options{
		Command:    []string{"echo", "hi"},
		Mode:       shellquote.ModeShellSnippet,
		WaitWorker: &wait,
	}

	start := time.Now()
	code := Execute(ns, cfg, opts, strings.NewReader(""), &stdout, &stderr, logging.NewDiscard())
	elapsed := time.Since(start)

	if code != ExitNoWorker {
		t.Fatalf("exit code = %d, want %d", code, ExitNoWorker)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("took too long to time out: %v", elapsed)
	}
	if !strings.Contains(stderr.String(), "no active worker") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestExecute_AmbiguousOperatorRejectedInArgvMode(t *testing.T) {
	cacheRoot := t.TempDir()
	ns := layout.New(cacheRoot, "default")
	cfg := config.Configuration{}

	var stdout, stderr bytes.Buffer
	opts := Options{
		Command: []string{"echo", "hi", "&&", "ls"},
		Mode:    shellquote.ModeArgv,
	}
	code := Execute(ns, cfg, opts, strings.NewReader(""), &stdout, &stderr, logging.NewDiscard())
	if code != ExitUsage {
		t.Fatalf("exit code = %d, want %d", code, ExitUsage)
	}
}

func TestExecute_NonZeroExitPropagated(t *testing.T) {
	cacheRoot := t.TempDir()
	stop := startWorker(t, cacheRoot)
	defer stop()

	ns := layout.New(cacheRoot, "default")
	cfg := config.Configuration{RemoteEnv: map[string]string{}}

	var stdout, stderr bytes.Buffer
	wait := 2.0
	opts := Options{
		Command:    []string{"/bin/sh", "-c", "exit 7"},
		Mode:       shellquote.ModeArgv,
		WaitWorker: &wait,
	}
	code := Execute(ns, cfg, opts, strings.NewReader(""), &stdout, &stderr, logging.NewDiscard())
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

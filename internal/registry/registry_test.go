package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pursuingf/pigeon/internal/layout"
)

func testNamespace(t *testing.T) layout.Namespace {
	t.Helper()
	ns := layout.New(t.TempDir(), "default")
	if err := ns.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return ns
}

func TestWriteAndDiscover_RouteMatch(t *testing.T) {
	ns := testNamespace(t)

	if err := WriteHeartbeat(ns, Heartbeat{WorkerID: "host-1", Host: "host", PID: 1, Route: "cpu-a"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteHeartbeat(ns, Heartbeat{WorkerID: "host-2", Host: "host", PID: 2}); err != nil {
		t.Fatal(err)
	}

	workers, err := DiscoverActiveWorkers(ns, "cpu-a", time.Now(), DefaultStaleAfter)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "host-1" {
		t.Fatalf("expected only host-1 for route cpu-a, got %+v", workers)
	}

	nullRouteWorkers, err := DiscoverActiveWorkers(ns, "", time.Now(), DefaultStaleAfter)
	if err != nil {
		t.Fatal(err)
	}
	if len(nullRouteWorkers) != 1 || nullRouteWorkers[0].WorkerID != "host-2" {
		t.Fatalf("expected only host-2 for null route, got %+v", nullRouteWorkers)
	}
}

func TestDiscover_Staleness(t *testing.T) {
	ns := testNamespace(t)
	if err := WriteHeartbeat(ns, Heartbeat{WorkerID: "host-1", Host: "host", PID: 1}); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(10 * time.Second)
	workers, err := DiscoverActiveWorkers(ns, "", future, DefaultStaleAfter)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected stale worker to be excluded, got %+v", workers)
	}
}

func TestDiscover_SkipsUnparsableFiles(t *testing.T) {
	ns := testNamespace(t)
	if err := WriteHeartbeat(ns, Heartbeat{WorkerID: "host-1", Host: "host", PID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ns.WorkersDir, "garbage.json"), []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	workers, err := DiscoverActiveWorkers(ns, "", time.Now(), DefaultStaleAfter)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected unparsable file to be skipped, got %+v", workers)
	}
}

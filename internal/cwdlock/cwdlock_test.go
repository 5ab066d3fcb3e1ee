package cwdlock

import (
	"sync"
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

func TestAcquire_SamePathSerializes(t *testing.T) {
	ns := testNamespace(t)
	cwd := "/home/user/project"

	first, err := Acquire(ns, cwd)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var second *Lock
	done := make(chan struct{})
	go func() {
		var err error
		second, err = Acquire(ns, cwd)
		if err != nil {
			t.Error(err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked while the first lock is held")
	case <-time.After(100 * time.Millisecond):
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock first: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not unblock after first unlocked")
	}
	if err := second.Unlock(); err != nil {
		t.Fatalf("unlock second: %v", err)
	}
}

func TestAcquire_DifferentCWDsDoNotContend(t *testing.T) {
	ns := testNamespace(t)
	var wg sync.WaitGroup
	for _, cwd := range []string{"/a", "/b", "/c"} {
		cwd := cwd
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(ns, cwd)
			if err != nil {
				t.Error(err)
				return
			}
			defer l.Unlock()
		}()
	}
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("distinct cwd locks should not contend")
	}
}

func TestPath_DeterministicPerCWD(t *testing.T) {
	ns := testNamespace(t)
	p1 := Path(ns, "/same/path")
	p2 := Path(ns, "/same/path")
	if p1 != p2 {
		t.Fatalf("expected deterministic path, got %q vs %q", p1, p2)
	}
	if Path(ns, "/other") == p1 {
		t.Fatal("expected different cwd to produce different path")
	}
}

// Package registry implements the worker registry of spec.md §4.3: writing
// a worker's heartbeat file and discovering active workers by scanning
// workers_dir, filtering on staleness and route. The on-disk shape and the
// atomic-write-then-rename discipline mirror the teacher's
// internal/ptyworker/registry.go heartbeat/registry entry.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pursuingf/pigeon/internal/codec"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/pigeonid"
)

// DefaultStaleAfter is the default heartbeat staleness window of spec.md §3.
const DefaultStaleAfter = 3 * time.Second

// MinHeartbeatInterval is WORKER_HEARTBEAT_INTERVAL from spec.md §4.3.
const MinHeartbeatInterval = 1 * time.Second

// Heartbeat is the per-worker liveness record of spec.md §3.
type Heartbeat struct {
	WorkerID  string  `json:"worker_id"`
	Host      string  `json:"host"`
	PID       int     `json:"pid"`
	Route     string  `json:"route,omitempty"`
	StartedAt string  `json:"started_at"`
	UpdatedAt string  `json:"updated_at"`
	UpdatedTS float64 `json:"updated_ts"`
}

// WriteHeartbeat atomically (re)writes a worker's heartbeat file with the
// current wall-clock updated_ts.
func WriteHeartbeat(ns layout.Namespace, hb Heartbeat) error {
	now := time.Now().UTC()
	hb.UpdatedAt = now.Format("2006-01-02T15:04:05.000000Z07:00")
	hb.UpdatedTS = float64(now.UnixNano()) / 1e9
	path := ns.WorkerHeartbeatPath(hb.WorkerID)
	return codec.WriteJSONAtomic(path, hb)
}

// RemoveHeartbeat idempotently unlinks a worker's heartbeat file on
// shutdown (spec.md §4.3).
func RemoveHeartbeat(ns layout.Namespace, workerID string) error {
	err := os.Remove(ns.WorkerHeartbeatPath(workerID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DiscoverActiveWorkers scans workers_dir for heartbeats that parse, are
// fresh relative to now/staleAfter, and whose route matches reqRoute, per
// spec.md §4.3 and the invariants of §8.5/§8.6. Results are sorted by
// filename (the same order os.ReadDir already returns, kept explicit here
// since this is a documented contract, not an implementation detail).
func DiscoverActiveWorkers(ns layout.Namespace, reqRoute string, now time.Time, staleAfter time.Duration) ([]Heartbeat, error) {
	entries, err := os.ReadDir(ns.WorkersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reqRoute = pigeonid.NormalizeRoute(reqRoute)
	nowSecs := float64(now.UnixNano()) / 1e9

	var out []Heartbeat
	for _, name := range names {
		var hb Heartbeat
		if err := codec.ReadJSON(filepath.Join(ns.WorkersDir, name), &hb); err != nil {
			continue
		}
		if hb.UpdatedTS == 0 {
			continue
		}
		if nowSecs-hb.UpdatedTS > staleAfter.Seconds() {
			continue
		}
		if !pigeonid.RoutesMatch(hb.Route, reqRoute) {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

// HasFreshWorker reports whether at least one active worker matches
// reqRoute, used by the requester's wait-for-worker gate (spec.md §4.4
// steps 3 and 8c).
func HasFreshWorker(ns layout.Namespace, reqRoute string, staleAfter time.Duration) (bool, error) {
	workers, err := DiscoverActiveWorkers(ns, reqRoute, time.Now(), staleAfter)
	if err != nil {
		return false, err
	}
	return len(workers) > 0, nil
}

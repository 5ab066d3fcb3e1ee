// Package scheduler implements the worker scheduler of spec.md §4.5:
// heartbeat loop, config reload, pending-session discovery with route
// matching, and a bounded pool of concurrent session runners. The
// done-channel shutdown and Start/Stop shape are adapted from the
// teacher's Daemon (internal/daemon/daemon.go): a done channel closed by
// Stop, a blocking Start that runs the main loop until that channel
// closes, and a logger threaded through both.
package scheduler

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/pigeonid"
	"github.com/pursuingf/pigeon/internal/registry"
	"github.com/pursuingf/pigeon/internal/runner"
	"github.com/pursuingf/pigeon/internal/session"
)

// Scheduler drives one worker process's main loop (spec.md §4.5).
type Scheduler struct {
	ConfigPath string
	cfg        config.Configuration
	ns         layout.Namespace
	workerID   string
	identity   runner.Identity
	logger     *logging.Logger

	done    chan struct{}
	stopped chan struct{}

	mu           sync.Mutex
	inFlight     int
	lastHeartbeat time.Time
	lastReloadErr string
}

// New resolves the initial configuration and namespace and derives the
// worker identity, per spec.md §4.5 "Init".
func New(configPath string, logger *logging.Logger) (*Scheduler, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ns := layout.New(cfg.CacheRoot, cfg.Namespace)
	if err := ns.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure namespace dirs: %w", err)
	}
	host, _ := os.Hostname()
	pid := os.Getpid()
	workerID := pigeonid.WorkerID(host, pid)

	logger.SetDebug(cfg.WorkerDebug)

	return &Scheduler{
		ConfigPath: configPath,
		cfg:        cfg,
		ns:         ns,
		workerID:   workerID,
		identity:   runner.Identity{Host: host, PID: pid},
		logger:     logger,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs := s.cfg.WorkerPollSecs
	if secs < 0.01 {
		secs = 0.01
	}
	return time.Duration(secs * float64(time.Second))
}

func (s *Scheduler) maxJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.WorkerMaxJobs
}

func (s *Scheduler) workerRoute() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.WorkerRoute
}

// Run blocks until Stop is called, executing the main loop of spec.md
// §4.5: reload config every second, refresh heartbeat when due, reap
// completed runners (implicit via a WaitGroup here), claim and submit
// pending sessions while capacity remains, then sleep poll_interval.
func (s *Scheduler) Run() error {
	defer close(s.stopped)

	if err := s.writeHeartbeat(true); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	defer func() {
		if err := registry.RemoveHeartbeat(s.ns, s.workerID); err != nil {
			s.logger.Errorf("remove heartbeat: %v", err)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	lastReload := time.Now()
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		if time.Since(lastReload) >= time.Second {
			s.reloadConfig()
			lastReload = time.Now()
		}

		if err := s.writeHeartbeat(false); err != nil {
			s.logger.Errorf("write heartbeat: %v", err)
		}

		s.submitPending(&wg)

		select {
		case <-s.done:
			return nil
		case <-time.After(s.pollInterval()):
		}
	}
}

// Stop requests graceful shutdown; Run returns once the current iteration
// finishes and in-flight runners complete (spec.md §4.5 "Shutdown").
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	<-s.stopped
}

func (s *Scheduler) reloadConfig() {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		if s.lastReloadErr != err.Error() {
			s.logger.Errorf("config reload failed: %v", err)
			s.lastReloadErr = err.Error()
		}
		return
	}
	s.lastReloadErr = ""

	s.mu.Lock()
	routeChanged := config.NormalizeRoute(cfg.WorkerRoute) != config.NormalizeRoute(s.cfg.WorkerRoute)
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.SetDebug(cfg.WorkerDebug)

	if routeChanged {
		if err := s.writeHeartbeat(true); err != nil {
			s.logger.Errorf("forced heartbeat after route change: %v", err)
		}
	}
}

func (s *Scheduler) heartbeatInterval() time.Duration {
	if iv := s.pollInterval(); iv > registry.MinHeartbeatInterval {
		return iv
	}
	return registry.MinHeartbeatInterval
}

func (s *Scheduler) writeHeartbeat(force bool) error {
	interval := s.heartbeatInterval()
	s.mu.Lock()
	due := force || time.Since(s.lastHeartbeat) >= interval
	s.mu.Unlock()
	if !due {
		return nil
	}

	hb := registry.Heartbeat{
		WorkerID: s.workerID,
		Host:     s.identity.Host,
		PID:      s.identity.PID,
		Route:    s.workerRoute(),
	}
	s.mu.Lock()
	if s.lastHeartbeat.IsZero() {
		hb.StartedAt = session.Now()
	}
	s.mu.Unlock()

	if err := registry.WriteHeartbeat(s.ns, hb); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	return nil
}

// submitPending implements spec.md §4.5 steps 3–4: scan sessions_dir
// ascending for pending, route-matching requests, claim, and submit a
// runner while capacity remains.
func (s *Scheduler) submitPending(wg *sync.WaitGroup) {
	capacity := s.maxJobs() - s.currentInFlight()
	if capacity <= 0 {
		return
	}

	ids, err := session.ListSessionIDs(s.ns)
	if err != nil {
		s.logger.Errorf("list sessions: %v", err)
		return
	}
	sort.Strings(ids)

	route := s.workerRoute()
	for _, id := range ids {
		if capacity <= 0 {
			return
		}
		paths := session.SessionPaths(s.ns, id)
		st, err := session.ReadStatus(paths)
		if err != nil {
			continue
		}
		if st.State != session.StatePending {
			continue
		}
		req, err := session.ReadRequest(paths)
		if err != nil {
			continue
		}
		if !pigeonid.RoutesMatch(req.Route, route) {
			continue
		}

		if err := session.Claim(paths, s.identity.Host, s.identity.PID); err != nil {
			continue
		}
		traceID := uuid.NewString()
		s.logger.Infof("trace=%s claimed session %s route=%q", traceID, id, route)
		capacity--
		s.addInFlight(1)
		wg.Add(1)
		go func(sessionID, traceID string) {
			defer wg.Done()
			defer s.addInFlight(-1)
			runner.RunClaimed(s.ns, sessionID, s.identity, s.logger)
			s.logger.Infof("trace=%s finished session %s", traceID, sessionID)
		}(id, traceID)
	}
}

func (s *Scheduler) currentInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) addInFlight(delta int) {
	s.mu.Lock()
	s.inFlight += delta
	s.mu.Unlock()
}

// Package requester implements the requester driver of spec.md §4.4:
// build and create a session request, wait for a worker, pump stdin and
// forward signals as control records, and drive the output loop that
// resolves the process's own exit code from the session's stream and
// status. The poll-driven output loop and signal-handler plumbing borrow
// the stdin-pump/output-loop/SIGWINCH shape from
// ehrlich-b-wingthing/cmd/wt/egg.go, adapted from a gRPC stream to tailing
// the on-disk stream.jsonl/status.json files.
package requester

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pursuingf/pigeon/internal/codec"
	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/pigeonid"
	"github.com/pursuingf/pigeon/internal/registry"
	"github.com/pursuingf/pigeon/internal/requesterio"
	"github.com/pursuingf/pigeon/internal/session"
	"github.com/pursuingf/pigeon/internal/shellquote"
)

// Exit codes of spec.md §6.
const (
	ExitUsage    = 2
	ExitNoWorker = 4
)

// PollInterval is the requester's polling tick (spec.md §4.4 steps 3, 8).
const PollInterval = 50 * time.Millisecond

// WorkerPresencePollInterval is the wait-for-worker gate's tick (spec.md
// §4.4 step 3).
const WorkerPresencePollInterval = 50 * time.Millisecond

// DrainExtraTicks is the number of extra polling intervals the output
// loop keeps tailing after a terminal status, to catch late writes
// (spec.md §4.4 step 8d).
const DrainExtraTicks = 3

// terminalEnvKeys is the fixed allowlist of spec.md §4.4.1 "Terminal env
// patch".
var terminalEnvKeys = []string{
	"TERM", "COLORTERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION",
	"LANG", "LC_ALL", "LC_CTYPE", "LS_COLORS", "NO_COLOR", "FORCE_COLOR",
}

// Options are the inputs of spec.md §4.4 "Inputs (from collaborators)".
type Options struct {
	Command    []string
	Mode       shellquote.Mode
	Route      string
	WaitWorker *float64
	Verbose    bool
	CWD        string
}

// Execute runs one full requester session and returns the process exit
// code of spec.md §6. stdin/stdout/stderr are the local terminal streams;
// passing non-TTY readers/writers is supported for testing.
func Execute(ns layout.Namespace, cfg config.Configuration, opts Options, stdin io.Reader, stdout, stderr io.Writer, log *logging.Logger) int {
	if opts.Mode == shellquote.ModeArgv {
		if err := shellquote.ValidateArgv(opts.Command); err != nil {
			fmt.Fprintln(stderr, err)
			return ExitUsage
		}
	}

	route := config.NormalizeRoute(firstNonEmpty(opts.Route, cfg.RequestRoute))
	waitSecs := config.WaitWorkerSeconds(opts.WaitWorker)

	if !waitForWorker(ns, route, waitSecs) {
		fmt.Fprintf(stderr, "pigeon: no active worker available for route %q after %.1fs\n", route, waitSecs)
		return ExitNoWorker
	}

	argv, err := shellquote.Normalize(
		opts.Mode, opts.Command, cfg.InteractiveCmd, cfg.SourceBashrc,
		envMap(os.Environ()), cfg.RemoteEnv,
		os.Getenv("NO_COLOR") != "", requesterio.StdoutIsTerminal(),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitUsage
	}

	sessionID, err := pigeonid.NewSessionID()
	if err != nil {
		fmt.Fprintf(stderr, "pigeon: generate session id: %v\n", err)
		return 1
	}

	req := buildRequest(sessionID, argv, route, opts, cfg)
	paths, err := session.Create(ns, req)
	if err != nil {
		fmt.Fprintf(stderr, "pigeon: create session: %v\n", err)
		return 1
	}
	traceID := uuid.NewString()
	log.Infof("trace=%s created session %s route=%q", traceID, sessionID, route)

	raw, err := requesterio.AcquireRaw()
	if err != nil {
		log.Errorf("acquire raw terminal: %v", err)
		raw = &requesterio.RawTerminal{}
	}
	defer raw.Restore()

	stopInterrupt := requesterio.WatchInterrupt(func() {
		if err := session.AppendControl(paths, session.ControlRecord{
			Type: session.RecordTypeSignal, TS: session.Now(), Signal: 2,
		}); err != nil {
			log.Errorf("append signal control %s: %v", paths.Dir, err)
		}
	})
	defer stopInterrupt()

	stopResize := requesterio.WatchResize(func(size requesterio.Size) {
		if err := session.AppendControl(paths, session.ControlRecord{
			Type: session.RecordTypeResize, TS: session.Now(), Cols: size.Cols, Rows: size.Rows,
		}); err != nil {
			log.Errorf("append resize control %s: %v", paths.Dir, err)
		}
	})
	defer stopResize()

	stdinDone := make(chan struct{})
	go pumpStdin(paths, stdin, stdinDone, log)

	return outputLoop(ns, paths, route, waitSecs, opts.Verbose, stdout, stderr, log)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

func waitForWorker(ns layout.Namespace, route string, waitSecs float64) bool {
	deadline := time.Now().Add(time.Duration(waitSecs * float64(time.Second)))
	for {
		ok, _ := registry.HasFreshWorker(ns, route, registry.DefaultStaleAfter)
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(WorkerPresencePollInterval)
	}
}

func buildRequest(sessionID string, argv []string, route string, opts Options, cfg config.Configuration) session.Request {
	cwd := opts.CWD
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	host, _ := os.Hostname()
	username := cfg.RequesterUser
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	env := map[string]string{}
	for k, v := range cfg.RemoteEnv {
		env[k] = v
	}
	var unset []string
	for _, key := range terminalEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		} else if key == "NO_COLOR" || key == "FORCE_COLOR" {
			unset = append(unset, key)
		}
	}

	var size *session.TerminalSize
	if requesterio.StdoutIsTerminal() {
		s := requesterio.CurrentSize()
		size = &session.TerminalSize{Cols: s.Cols, Rows: s.Rows}
	}

	return session.Request{
		SessionID: sessionID,
		Command:   argv,
		CWD:       cwd,
		Route:     route,
		CreatedAt: session.Now(),
		Requester: session.Requester{Host: host, PID: os.Getpid(), User: username},
		Env:       env,
		UnsetEnv:  unset,
		Terminal: session.Terminal{
			StdinIsATTY:  requesterio.StdinIsTerminal(),
			StdoutIsATTY: requesterio.StdoutIsTerminal(),
			Size:         size,
		},
	}
}

// pumpStdin implements spec.md §4.4 step 6: read up to 1024 bytes at a
// time, append stdin records with strictly increasing seq, then a single
// stdin_eof on EOF.
func pumpStdin(paths session.Paths, stdin io.Reader, done chan<- struct{}, log *logging.Logger) {
	defer close(done)
	buf := make([]byte, 1024)
	seq := 0
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if appendErr := session.AppendStdin(paths, session.StdinRecord{
				Type: session.RecordTypeStdin, Seq: seq, TS: session.Now(),
				DataB64: codec.EncodeBytes(buf[:n]),
			}); appendErr != nil {
				log.Errorf("append stdin %s: %v", paths.Dir, appendErr)
			}
			seq++
		}
		if err != nil {
			if appendErr := session.AppendStdin(paths, session.StdinRecord{
				Type: session.RecordTypeStdinEOF, Seq: seq, TS: session.Now(),
			}); appendErr != nil {
				log.Errorf("append stdin_eof %s: %v", paths.Dir, appendErr)
			}
			return
		}
	}
}

// outputLoop implements spec.md §4.4 step 8: tail stream and status,
// arming a no-worker deadline while pending, then draining after a
// terminal status.
func outputLoop(ns layout.Namespace, paths session.Paths, route string, waitSecs float64, verbose bool, stdout, stderr io.Writer, log *logging.Logger) int {
	var streamOffset int64
	var lastState session.State
	var pendingDeadline time.Time
	exitCode := -1
	haveExitCode := false
	drainTicksLeft := -1

	for {
		off, recs, err := session.TailStream(paths, streamOffset)
		if err != nil {
			log.Errorf("tail stream %s: %v", paths.Dir, err)
		} else {
			streamOffset = off
			for _, rec := range recs {
				switch rec.Type {
				case session.RecordTypeOutput:
					data, decErr := codec.DecodeBytes(rec.DataB64)
					if decErr != nil {
						continue
					}
					switch rec.Channel {
					case session.ChannelStderr:
						stderr.Write(data)
					default:
						stdout.Write(data)
					}
				case session.RecordTypeEvent:
					if rec.Event == session.EventExit && rec.ExitCode != nil {
						exitCode = *rec.ExitCode
						haveExitCode = true
					}
				}
			}
		}

		st, err := session.ReadStatus(paths)
		if err == nil {
			if verbose && st.State != lastState {
				fmt.Fprintf(stderr, "pigeon: session %s state -> %s\n", paths.Dir, st.State)
			}
			lastState = st.State

			if st.State == session.StatePending {
				fresh, _ := registry.HasFreshWorker(ns, route, registry.DefaultStaleAfter)
				if fresh {
					pendingDeadline = time.Time{}
				} else if pendingDeadline.IsZero() {
					pendingDeadline = time.Now().Add(time.Duration(waitSecs * float64(time.Second)))
				} else if time.Now().After(pendingDeadline) {
					fmt.Fprintf(stderr, "pigeon: no active worker available for route %q\n", route)
					return ExitNoWorker
				}
			} else {
				pendingDeadline = time.Time{}
			}

			if st.State.Terminal() {
				if drainTicksLeft < 0 {
					drainTicksLeft = DrainExtraTicks
				} else {
					drainTicksLeft--
				}
				if drainTicksLeft <= 0 {
					if haveExitCode {
						return exitCode
					}
					return 1
				}
			}
		}

		time.Sleep(PollInterval)
	}
}

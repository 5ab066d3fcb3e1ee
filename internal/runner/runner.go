// Package runner implements the per-session state machine of spec.md §4.6:
// claim, lock, spawn under a PTY (or pipes on fallback), forward stdin and
// control records while producing output records, then write the terminal
// event and final status. The step ordering and error-to-failed-status
// conversion follow the teacher's Session lifecycle in
// internal/pty/session.go, generalized from an attach/detach terminal
// multiplexer session to a one-shot, file-driven remote command.
package runner

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/pursuingf/pigeon/internal/codec"
	"github.com/pursuingf/pigeon/internal/cwdlock"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/logging"
	"github.com/pursuingf/pigeon/internal/session"
	"github.com/pursuingf/pigeon/internal/shellquote"
	"github.com/pursuingf/pigeon/internal/termio"
)

// PollInterval is the forward-loop tick of spec.md §4.6 step 7.
const PollInterval = 50 * time.Millisecond

// Identity is the worker host/pid pair recorded on claim and in status.
type Identity struct {
	Host string
	PID  int
}

// Run claims one session and executes it end-to-end, never returning an error
// to the caller: every failure from step 3 onward is converted into a
// worker_error stream event plus a failed status (spec.md §4.6 step 10,
// §7 "the runner never propagates its exceptions to the scheduler").
func Run(ns layout.Namespace, sessionID string, identity Identity, log *logging.Logger) {
	paths := session.SessionPaths(ns, sessionID)

	if err := claimOrAbandon(paths, identity, log); err != nil {
		return
	}

	req, err := session.ReadRequest(paths)
	if err != nil {
		fail(paths, log, fmt.Errorf("ChildSpawn: read request: %w", err))
		return
	}

	lock, err := cwdlock.Acquire(ns, req.CWD)
	if err != nil {
		fail(paths, log, fmt.Errorf("ChildSpawn: acquire cwd lock: %w", err))
		return
	}
	defer lock.Unlock()

	execute(paths, req, identity, log)
}

// RunClaimed executes a session the caller has already claimed (the
// scheduler's claim-then-submit path of spec.md §4.5 step 4): it skips
// straight to acquiring the cwd lock and running the session.
func RunClaimed(ns layout.Namespace, sessionID string, identity Identity, log *logging.Logger) {
	paths := session.SessionPaths(ns, sessionID)
	req, err := session.ReadRequest(paths)
	if err != nil {
		fail(paths, log, fmt.Errorf("ChildSpawn: read request: %w", err))
		return
	}

	lock, err := cwdlock.Acquire(ns, req.CWD)
	if err != nil {
		fail(paths, log, fmt.Errorf("ChildSpawn: acquire cwd lock: %w", err))
		return
	}
	defer lock.Unlock()

	execute(paths, req, identity, log)
}

func claimOrAbandon(paths session.Paths, identity Identity, log *logging.Logger) error {
	if err := session.Claim(paths, identity.Host, identity.PID); err != nil {
		if err == session.ErrClaimed {
			log.Debugf("abandoning session %s: already claimed", paths.Dir)
			return err
		}
		log.Errorf("claim %s: %v", paths.Dir, err)
		return err
	}
	return nil
}

func execute(paths session.Paths, req session.Request, identity Identity, log *logging.Logger) {
	defer func() {
		if r := recover(); r != nil {
			fail(paths, log, fmt.Errorf("Panic: %v", r))
		}
	}()

	if len(req.Command) == 0 {
		fail(paths, log, fmt.Errorf("ChildSpawn: request has empty command"))
		return
	}

	env := buildEnv(req)

	now := session.Now()
	if _, err := session.UpdateStatus(paths, func(s *session.Status) {
		s.State = session.StateRunning
		s.StartedAt = now
		s.Worker = session.WorkerIdentity{Host: identity.Host, PID: identity.PID}
	}); err != nil {
		fail(paths, log, fmt.Errorf("ChildSpawn: set running: %w", err))
		return
	}
	if err := session.AppendStream(paths, session.StreamRecord{
		Type: session.RecordTypeEvent, Event: session.EventStarted, TS: now,
	}); err != nil {
		log.Errorf("append started event %s: %v", paths.Dir, err)
	}

	var size *termio.WinSize
	if req.Terminal.Size != nil {
		size = &termio.WinSize{Cols: clamp(req.Terminal.Size.Cols), Rows: clamp(req.Terminal.Size.Rows)}
	}

	argv := req.Command
	tio, err := termio.StartPTY(argv, req.CWD, env, size)
	if err != nil {
		if appendErr := session.AppendStream(paths, session.StreamRecord{
			Type: session.RecordTypeEvent, Event: session.EventPTYFallbackToPipe, TS: session.Now(),
		}); appendErr != nil {
			log.Errorf("append pty_fallback_to_pipes %s: %v", paths.Dir, appendErr)
		}
		downgraded := shellquote.DowngradeInteractiveFlags(argv)
		pipesIO, pipeErr := termio.StartPipes(downgraded, req.CWD, env)
		if pipeErr != nil {
			fail(paths, log, fmt.Errorf("ChildSpawn: spawn with pipes after pty failure (%v): %w", err, pipeErr))
			return
		}
		forwardAndFinish(paths, pipesIO, log)
		return
	}
	forwardAndFinish(paths, tio, log)
}

func clamp(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// buildEnv implements spec.md §4.6 step 4: worker process env, overlaid
// with request.env, then unset_env removed.
func buildEnv(req session.Request) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range req.Env {
		merged[k] = v
	}
	for _, name := range req.UnsetEnv {
		delete(merged, name)
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// forwardAndFinish runs the forward loop of spec.md §4.6 step 7 to
// completion, then writes the exit event and final status (steps 8–9).
func forwardAndFinish(paths session.Paths, tio termio.TerminalIO, log *logging.Logger) {
	defer tio.Close()

	var stdinOffset, controlOffset int64
	seq := 0
	nextSeq := func() *int { v := seq; seq++; return &v }

	stdinDone := false
	channels := tio.Channels()
	channelEOF := make(map[string]bool, len(channels))

	exitCh := make(chan termio.ExitResult, 1)
	go func() {
		res, err := tio.Wait()
		if err != nil {
			log.Errorf("wait %s: %v", paths.Dir, err)
		}
		exitCh <- res
	}()

	var result *termio.ExitResult
	childExited := false
	for {
		if !stdinDone {
			off, recs, err := session.TailStdin(paths, stdinOffset)
			if err != nil {
				log.Errorf("tail stdin %s: %v", paths.Dir, err)
			} else {
				stdinOffset = off
				for _, rec := range recs {
					switch rec.Type {
					case session.RecordTypeStdin:
						data, decErr := codec.DecodeBytes(rec.DataB64)
						if decErr != nil {
							continue
						}
						if err := tio.WriteStdin(data); err != nil {
							log.Debugf("write stdin %s: %v", paths.Dir, err)
						}
					case session.RecordTypeStdinEOF:
						if err := tio.SendEOF(); err != nil {
							log.Debugf("send eof %s: %v", paths.Dir, err)
						}
						stdinDone = true
					}
				}
			}
		}

		off, recs, err := session.TailControl(paths, controlOffset)
		if err != nil {
			log.Errorf("tail control %s: %v", paths.Dir, err)
		} else {
			controlOffset = off
			for _, rec := range recs {
				switch rec.Type {
				case session.RecordTypeSignal:
					if err := tio.Signal(syscall.Signal(rec.Signal)); err != nil {
						log.Debugf("signal %s: %v", paths.Dir, err)
					}
				case session.RecordTypeResize:
					if err := tio.Resize(termio.WinSize{Cols: clamp(rec.Cols), Rows: clamp(rec.Rows)}); err != nil {
						log.Debugf("resize %s: %v", paths.Dir, err)
					}
				}
			}
		}

		allEOF := true
		readTimeout := PollInterval
		if childExited {
			// Child is already gone; drain whatever is buffered without
			// blocking a full tick per channel.
			readTimeout = time.Millisecond
		}
		for _, ch := range channels {
			if channelEOF[ch] {
				continue
			}
			chunk, rerr := tio.Read(ch, readTimeout)
			if len(chunk) > 0 {
				if appendErr := session.AppendStream(paths, session.StreamRecord{
					Type: session.RecordTypeOutput, TS: session.Now(), Seq: nextSeq(),
					Channel: ch, DataB64: codec.EncodeBytes(chunk),
				}); appendErr != nil {
					log.Errorf("append output %s: %v", paths.Dir, appendErr)
				}
			}
			if rerr == io.EOF {
				channelEOF[ch] = true
			} else {
				allEOF = false
			}
		}

		if !childExited {
			select {
			case res := <-exitCh:
				result = &res
				childExited = true
			default:
			}
		}

		if childExited && allEOF {
			break
		}
	}

	writeExitRecordAndStatus(paths, *result, log)
}

func writeExitRecordAndStatus(paths session.Paths, res termio.ExitResult, log *logging.Logger) {
	raw := res.ExitCode
	if res.Signaled {
		raw = -res.Signal
	}
	shellExit := raw
	if raw < 0 {
		shellExit = 128 + (-raw)
	}

	if err := session.AppendStream(paths, session.StreamRecord{
		Type: session.RecordTypeEvent, Event: session.EventExit, TS: session.Now(),
		ExitCode: &shellExit, RawReturnCode: &raw,
	}); err != nil {
		log.Errorf("append exit event %s: %v", paths.Dir, err)
	}

	finishedAt := session.Now()
	state := session.StateSucceeded
	if shellExit != 0 {
		state = session.StateFailed
	}
	if _, err := session.UpdateStatus(paths, func(s *session.Status) {
		s.State = state
		s.FinishedAt = finishedAt
		code := shellExit
		s.ExitCode = &code
	}); err != nil {
		log.Errorf("set final status %s: %v", paths.Dir, err)
	}
}

// fail implements spec.md §4.6 step 10 / §7 ChildSpawn: any error from
// steps 3–9 becomes a worker_error event plus a failed status.
func fail(paths session.Paths, log *logging.Logger, cause error) {
	log.Errorf("session %s failed: %v", paths.Dir, cause)
	if err := session.AppendStream(paths, session.StreamRecord{
		Type: session.RecordTypeEvent, Event: session.EventWorkerError, TS: session.Now(),
		Message: cause.Error(),
	}); err != nil {
		log.Errorf("append worker_error %s: %v", paths.Dir, err)
	}
	exitCode := 1
	if _, err := session.UpdateStatus(paths, func(s *session.Status) {
		s.State = session.StateFailed
		s.FinishedAt = session.Now()
		s.ExitCode = &exitCode
		s.Error = cause.Error()
	}); err != nil {
		log.Errorf("set failed status %s: %v", paths.Dir, err)
	}
}

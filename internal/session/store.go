package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pursuingf/pigeon/internal/codec"
	"github.com/pursuingf/pigeon/internal/layout"
)

// ErrSessionExists is returned when creating a session directory that
// already exists (spec.md §4.2).
var ErrSessionExists = errors.New("session exists")

// ErrClaimed is returned when a claim file already exists (spec.md §4.6
// step 1 / §7 ClaimRace).
var ErrClaimed = errors.New("session already claimed")

// Paths collects the pure path functions for one session directory,
// mirroring the teacher's split between path construction and structural
// operations in internal/ptyworker/registry.go.
type Paths struct {
	Dir          string
	RequestPath  string
	StatusPath   string
	StreamPath   string
	StdinPath    string
	ControlPath  string
	ClaimPath    string
}

// SessionPaths derives the fixed file layout of sessions_dir/<id>/ from
// spec.md §6.
func SessionPaths(ns layout.Namespace, sessionID string) Paths {
	dir := ns.SessionDir(sessionID)
	return Paths{
		Dir:         dir,
		RequestPath: filepath.Join(dir, "request.json"),
		StatusPath:  filepath.Join(dir, "status.json"),
		StreamPath:  filepath.Join(dir, "stream.jsonl"),
		StdinPath:   filepath.Join(dir, "stdin.jsonl"),
		ControlPath: filepath.Join(dir, "control.jsonl"),
		ClaimPath:   filepath.Join(dir, "worker.claim"),
	}
}

// Create makes the session directory, failing with ErrSessionExists if it
// is already there (spec.md §3 "Created by the requester once"), then
// writes request.json, an initial pending status.json, and the three empty
// log files.
func Create(ns layout.Namespace, req Request) (Paths, error) {
	paths := SessionPaths(ns, req.SessionID)
	if err := os.Mkdir(paths.Dir, 0o700); err != nil {
		if os.IsExist(err) {
			return paths, ErrSessionExists
		}
		return paths, fmt.Errorf("create session dir %s: %w", paths.Dir, err)
	}

	if err := codec.WriteJSONAtomic(paths.RequestPath, req); err != nil {
		return paths, fmt.Errorf("write request: %w", err)
	}

	now := req.CreatedAt
	if now == "" {
		now = Now()
	}
	initial := Status{
		SessionID: req.SessionID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := codec.WriteJSONAtomic(paths.StatusPath, initial); err != nil {
		return paths, fmt.Errorf("write initial status: %w", err)
	}

	for _, p := range []string{paths.StreamPath, paths.StdinPath, paths.ControlPath} {
		if err := codec.Touch(p); err != nil {
			return paths, fmt.Errorf("touch %s: %w", p, err)
		}
	}
	return paths, nil
}

// ReadRequest loads request.json.
func ReadRequest(paths Paths) (Request, error) {
	var req Request
	err := codec.ReadJSON(paths.RequestPath, &req)
	return req, err
}

// ReadStatus loads status.json.
func ReadStatus(paths Paths) (Status, error) {
	var st Status
	err := codec.ReadJSON(paths.StatusPath, &st)
	return st, err
}

// UpdateStatus performs the read-modify-write-then-atomic-rename merge of
// spec.md §4.2: the current status is read (zero value if the file does
// not yet exist), mutate applies the caller's changes to it, and UpdatedAt
// is always refreshed. The monotonicity invariant of spec.md §8.4 is
// enforced here: a mutate that would move state backwards in terminalRank
// order (out of a terminal state, or running back to pending) is rejected
// without writing.
func UpdateStatus(paths Paths, mutate func(*Status)) (Status, error) {
	var current Status
	if err := codec.ReadJSON(paths.StatusPath, &current); err != nil && !os.IsNotExist(err) {
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	prevState := current.State
	mutate(&current)

	if prevState != "" && current.State != prevState && terminalRank[current.State] < terminalRank[prevState] {
		return Status{}, fmt.Errorf("illegal transition from %s to %s", prevState, current.State)
	}
	current.UpdatedAt = Now()

	if err := codec.WriteJSONAtomic(paths.StatusPath, current); err != nil {
		return Status{}, fmt.Errorf("write status: %w", err)
	}
	return current, nil
}

// Claim atomically creates worker.claim with O_EXCL, giving the caller
// exclusive ownership of the session (spec.md §3 "Claim", §8.3). A second
// caller observes ErrClaimed.
func Claim(paths Paths, host string, pid int) error {
	f, err := os.OpenFile(paths.ClaimPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrClaimed
		}
		return fmt.Errorf("create claim %s: %w", paths.ClaimPath, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "worker_host=%s\nworker_pid=%d\n", host, pid)
	if err != nil {
		return fmt.Errorf("write claim %s: %w", paths.ClaimPath, err)
	}
	return f.Sync()
}

// AppendStream appends one stream record.
func AppendStream(paths Paths, rec StreamRecord) error {
	return codec.AppendJSONLine(paths.StreamPath, rec)
}

// AppendStdin appends one stdin record.
func AppendStdin(paths Paths, rec StdinRecord) error {
	return codec.AppendJSONLine(paths.StdinPath, rec)
}

// AppendControl appends one control record.
func AppendControl(paths Paths, rec ControlRecord) error {
	return codec.AppendJSONLine(paths.ControlPath, rec)
}

// TailStream resumes reading stream.jsonl from offset, decoding complete
// lines and skipping invalid JSON (spec.md §4.1).
func TailStream(paths Paths, offset int64) (int64, []StreamRecord, error) {
	res, err := codec.Tail(paths.StreamPath, offset)
	if err != nil {
		return offset, nil, err
	}
	return res.NewOffset, codec.DecodeJSONLines[StreamRecord](res.Lines), nil
}

// TailStdin resumes reading stdin.jsonl from offset.
func TailStdin(paths Paths, offset int64) (int64, []StdinRecord, error) {
	res, err := codec.Tail(paths.StdinPath, offset)
	if err != nil {
		return offset, nil, err
	}
	return res.NewOffset, codec.DecodeJSONLines[StdinRecord](res.Lines), nil
}

// TailControl resumes reading control.jsonl from offset.
func TailControl(paths Paths, offset int64) (int64, []ControlRecord, error) {
	res, err := codec.Tail(paths.ControlPath, offset)
	if err != nil {
		return offset, nil, err
	}
	return res.NewOffset, codec.DecodeJSONLines[ControlRecord](res.Lines), nil
}

// ListSessionIDs returns session ids present under ns.SessionsDir, sorted
// ascending by directory name (spec.md §4.5 step 4).
func ListSessionIDs(ns layout.Namespace) ([]string, error) {
	entries, err := os.ReadDir(ns.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

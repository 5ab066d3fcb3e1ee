// Package requesterio manages the requester's local terminal: putting
// stdin into near-raw mode for the duration of a session and restoring it
// on every exit path, plus SIGWINCH-driven size queries. golang.org/x/term
// and the SIGWINCH-channel-plus-goroutine shape are grounded on
// ehrlich-b-wingthing's cmd/wt/egg.go terminal handling, the only example
// in the pack doing raw-mode terminal proxying (the teacher itself never
// drives a local terminal — it only manages remote PTYs).
package requesterio

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// Size is a terminal column/row pair.
type Size struct {
	Cols int
	Rows int
}

// RawTerminal wraps a scoped raw-mode acquisition on stdin. Zero value
// behaves as a no-op (Restore is always safe to call).
type RawTerminal struct {
	fd       int
	oldState *term.State
}

// AcquireRaw puts stdin into near-raw mode if it is a TTY, per spec.md
// §4.4 step 5. If stdin is not a TTY, it returns a no-op RawTerminal.
func AcquireRaw() (*RawTerminal, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &RawTerminal{fd: fd}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawTerminal{fd: fd, oldState: oldState}, nil
}

// Restore undoes AcquireRaw; safe to call multiple times and on a no-op
// RawTerminal, so callers can defer it unconditionally on every exit path
// (spec.md §4.4 step 5 "Restore on all exit paths").
func (r *RawTerminal) Restore() {
	if r == nil || r.oldState == nil {
		return
	}
	_ = term.Restore(r.fd, r.oldState)
	r.oldState = nil
}

// StdoutIsTerminal reports whether stdout is attached to a TTY.
func StdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// StdinIsTerminal reports whether stdin is attached to a TTY.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// CurrentSize reads the current stdout window size, falling back to
// (80, 24) if stdout is not a terminal or the ioctl fails.
func CurrentSize() Size {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return Size{Cols: 80, Rows: 24}
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return Size{Cols: 80, Rows: 24}
	}
	return Size{Cols: cols, Rows: rows}
}

// WatchResize invokes onResize once per SIGWINCH until stop is called.
// The returned function stops the watch and must be called on every exit
// path alongside Restore (spec.md §9 "Global signal state").
func WatchResize(onResize func(Size)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				onResize(CurrentSize())
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// WatchInterrupt invokes onInterrupt once per SIGINT until stop is
// called, preserving and restoring Go's default handling via
// signal.Stop (spec.md §4.4 step 7 "Preserve and restore prior
// handlers").
func WatchInterrupt(onInterrupt func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				onInterrupt()
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

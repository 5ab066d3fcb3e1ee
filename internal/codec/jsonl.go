package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// AppendJSONLine marshals v and appends it as one self-delimiting line to
// path, flushing and fsyncing before returning (spec.md §4.1 "Append
// JSONL"). v must not marshal to a string containing an embedded newline;
// none of the record types in this module do.
func AppendJSONLine(path string, v interface{}) error {
	payload, err := marshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", path, err)
	}
	defer f.Close()

	payload = append(payload, '\n')
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

// Touch creates an empty file if it does not already exist.
func Touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// TailResult is the outcome of one Tail call: the new offset to resume from
// next time, and the complete records found in [offset, NewOffset).
type TailResult struct {
	NewOffset int64
	Lines     [][]byte
}

// Tail implements the resumable tail-read contract of spec.md §4.1 and the
// invariant of §8.2: given (path, offset), it returns only complete
// (newline-terminated) lines starting at offset, never re-yielding a
// previously returned line and never dropping one once its newline has
// landed. If the file is shorter than offset (truncated or rotated), it
// resets to the beginning. A missing file yields no lines and leaves the
// offset unchanged.
func Tail(path string, offset int64) (TailResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TailResult{NewOffset: offset}, nil
		}
		return TailResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return TailResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size < offset {
		offset = 0
	}
	if size == offset {
		return TailResult{NewOffset: offset}, nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return TailResult{}, fmt.Errorf("seek %s: %w", path, err)
	}
	remaining := size - offset
	buf := make([]byte, remaining)
	if _, err := io.ReadFull(f, buf); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return TailResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	var lines [][]byte
	start := 0
	lastNewline := -1
	for i, b := range buf {
		if b == '\n' {
			lines = append(lines, buf[start:i])
			start = i + 1
			lastNewline = i
		}
	}
	newOffset := offset + int64(lastNewline+1)
	return TailResult{NewOffset: newOffset, Lines: lines}, nil
}

// DecodeJSONLines parses each line as JSON into a value of type T,
// silently skipping lines that fail to parse (spec.md §4.1:
// "Invalid JSON lines are silently skipped").
func DecodeJSONLines[T any](lines [][]byte) []T {
	out := make([]T, 0, len(lines))
	for _, line := range lines {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

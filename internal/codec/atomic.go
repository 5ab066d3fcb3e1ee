// Package codec implements the path & codec layer of spec.md §4.1: atomic
// JSON writes, append-only JSONL with fsync, a resumable tail reader, and
// base64 byte framing. Every other core package builds on these primitives
// rather than touching os.Rename/os.OpenFile directly, the same way the
// teacher centralizes atomic persistence in internal/ptyworker/registry.go
// and internal/daemon/instance_id.go.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic marshals v with sorted keys and ASCII-only escaping, then
// writes it to dst via a sibling temp file, fsync, and rename — so readers
// only ever observe the pre- or post-write content (spec.md §4.1, §8.1).
func WriteJSONAtomic(dst string, v interface{}) error {
	payload, err := marshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", dst, err)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// Unlink on every error path; a successful rename makes this a no-op
		// because the path no longer exists.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, dst, err)
	}
	return nil
}

// ReadJSON reads and unmarshals a JSON file written by WriteJSONAtomic.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// marshalStable produces compact, alphabetically-sorted-key, ASCII-only
// JSON, matching the original implementation's json.dumps(sort_keys=True).
// Struct fields marshal in declaration order, not key order, so v is first
// marshaled normally and then round-tripped through a generic interface{}:
// encoding/json always sorts map[string]interface{} keys when marshaling,
// so the second pass yields genuinely sorted object keys at every nesting
// level. HTMLEscape-style escaping is disabled since the payloads here are
// never embedded in HTML, but non-ASCII runes are escaped to \uXXXX for
// byte-for-byte stable output across locales.
func marshalStable(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	out := escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n"))
	return out, nil
}

// escapeNonASCII rewrites any multi-byte UTF-8 rune in a JSON document to
// its \uXXXX escape (with surrogate pairs above the BMP), leaving bytes
// inside ASCII untouched. It does not need to understand JSON structure:
// non-ASCII bytes only ever occur inside already-quoted string literals.
func escapeNonASCII(in []byte) []byte {
	hasNonASCII := false
	for _, b := range in {
		if b >= 0x80 {
			hasNonASCII = true
			break
		}
	}
	if !hasNonASCII {
		return in
	}
	var buf bytes.Buffer
	for _, r := range string(in) {
		if r < 0x80 {
			buf.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			fmt.Fprintf(&buf, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&buf, `\u%04x`, r)
	}
	return buf.Bytes()
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}

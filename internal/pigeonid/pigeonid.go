// Package pigeonid generates the identifiers spec.md §3 defines:
// session ids of the form <millis>-<12 hex chars>, and sanitized worker
// ids. Generation follows the same crypto/rand-then-hex-encode shape as the
// teacher's daemon instance id (internal/daemon/instance_id.go), rather than
// pulling in a UUID library for a format the spec pins exactly.
package pigeonid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^[0-9]+-[0-9a-f]{12}$`)

// NewSessionID returns a session id of the form <millis>-<12 hex chars>,
// monotonically prefixed by the current wall-clock time in milliseconds,
// uniqueness coming from the random hex suffix.
func NewSessionID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	millis := time.Now().UTC().UnixMilli()
	return fmt.Sprintf("%d-%s", millis, hex.EncodeToString(buf)), nil
}

// ValidSessionID reports whether id matches the <millis>-<12 hex> shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// WorkerID returns host + "-" + pid, per spec.md §4.5 Init.
func WorkerID(host string, pid int) string {
	return host + "-" + strconv.Itoa(pid)
}

// NormalizeRoute applies the whitespace-strip/empty-becomes-null rule of
// spec.md §4.3/§8.5 to an optional route string. The empty string
// represents "null" throughout this module.
func NormalizeRoute(route string) string {
	return strings.TrimSpace(route)
}

// RoutesMatch implements the route matching law of spec.md §8.5:
// normalize(R) == normalize(Q).
func RoutesMatch(a, b string) bool {
	return NormalizeRoute(a) == NormalizeRoute(b)
}

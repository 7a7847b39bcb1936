// Package ids generates and formats the identifiers used for envelopes,
// cron schedules and agent runs. IDs are stored in compact form (32
// lowercase hex chars, a UUID without dashes); the user-facing short form is
// the first 8 chars, resolved back through prefix lookup in the store.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ShortLen is the length of the user-facing short identifier.
const ShortLen = 8

// New returns a fresh compact UUID.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Short returns the display form of a compact ID.
func Short(id string) string {
	if len(id) <= ShortLen {
		return id
	}
	return id[:ShortLen]
}

// NormalizePrefix prepares user input for prefix lookup: lowercases and
// strips dashes so both full UUIDs and short IDs are accepted.
func NormalizePrefix(in string) (string, error) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(in), "-", ""))
	if s == "" {
		return "", fmt.Errorf("empty id")
	}
	if len(s) > 32 {
		return "", fmt.Errorf("id %q longer than a compact uuid", in)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("id %q contains non-hex characters", in)
		}
	}
	return s, nil
}

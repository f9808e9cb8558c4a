package runner

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxSessionName = 40

var disallowedSessionChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeSessionName normalizes user input into a directory-safe session
// name. Empty input gets a generated name; input with nothing usable left is
// rejected.
func SanitizeSessionName(raw string, now time.Time) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "session_" + now.Format("20060102_150405"), nil
	}

	name := strings.Join(strings.Fields(trimmed), "_")
	name = disallowedSessionChars.ReplaceAllString(name, "")
	if len(name) > maxSessionName {
		name = name[:maxSessionName]
	}
	if name == "" {
		return "", fmt.Errorf("%w: %q has no letters, digits, '-' or '_'", ErrInvalidSessionName, raw)
	}
	return name, nil
}

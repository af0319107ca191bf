package session

import (
	"fmt"
	"regexp"
)

const maxNameLen = 64

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks a session name before it becomes a directory
// component under the base dir. Lowercase alphanumerics, hyphen and
// underscore only.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q exceeds %d characters", name, maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: only lowercase letters, digits, '-' and '_' are allowed", name)
	}
	return nil
}

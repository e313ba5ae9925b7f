package vault

import (
	"fmt"
	"strings"
)

// validateName checks a project name or detail key.
// Allowed: a-z A-Z 0-9 - _ . / ; no leading '.' or '-', no "..", no
// leading or trailing '/'.
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidName, kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidName, kind, MaxNameLength)
	}

	for _, r := range name {
		if !isValidNameChar(r) {
			return fmt.Errorf("%w: %s %q: '%c' is not allowed", ErrInvalidName, kind, name, r)
		}
	}

	switch {
	case name[0] == '.' || name[0] == '-':
		return fmt.Errorf("%w: %s %q cannot start with '.' or '-'", ErrInvalidName, kind, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %s %q cannot contain '..'", ErrInvalidName, kind, name)
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: %s %q cannot start or end with '/'", ErrInvalidName, kind, name)
	}
	return nil
}

func isValidNameChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == '/'
}

func validateValue(value string) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrValueTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// ValidateName reports whether name is acceptable as a project name or
// detail key.
func ValidateName(name string) error {
	return validateName("name", name)
}

// Package cli provides shared utilities for CLI commands.
package cli

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrNoMatch is returned when a pattern selects no detail key.
var ErrNoMatch = errors.New("no matching detail keys")

// ExpandPattern expands a glob pattern against the detail keys of a project.
//
// Patterns use path.Match syntax, so '*' stops at '/'. A trailing "/**"
// selects everything below a prefix ("db/**" matches "db/user" and
// "db/replica/password"). A pattern without glob characters must name an
// existing key exactly.
func ExpandPattern(pattern string, availableKeys []string) ([]string, error) {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if strings.ContainsAny(prefix, "*?[") {
			return nil, fmt.Errorf("invalid pattern '%s': '**' may not follow another glob", pattern)
		}
		var matches []string
		for _, key := range availableKeys {
			if strings.HasPrefix(key, prefix+"/") {
				matches = append(matches, key)
			}
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: '%s'", ErrNoMatch, pattern)
		}
		return matches, nil
	}

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, key := range availableKeys {
			if key == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("%w: key '%s' not found", ErrNoMatch, pattern)
	}

	var matches []string
	for _, key := range availableKeys {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, key)
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrNoMatch, pattern)
	}

	return matches, nil
}

// ExpandPatterns expands multiple glob patterns against available keys.
// Returns unique matching keys preserving order of first match.
func ExpandPatterns(patterns []string, availableKeys []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, availableKeys)
		if err != nil {
			return nil, err
		}
		for _, key := range matches {
			if !seen[key] {
				seen[key] = true
				result = append(result, key)
			}
		}
	}

	return result, nil
}

// MapKeys extracts keys from a map and returns them sorted.
func MapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

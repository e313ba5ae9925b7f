package loader

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/credvault/pkg/crypto"
)

var (
	// ErrReservedEnvVar is returned when a secret would overwrite a
	// variable the child process depends on.
	ErrReservedEnvVar = errors.New("loader: cannot overwrite reserved environment variable")
	ErrNulByte        = errors.New("loader: NUL byte in environment entry")
)

// reservedEnvVars must never be replaced by a secret.
var reservedEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"PWD": true, "OLDPWD": true, "TERM": true, "LANG": true,
	"IFS": true, "PS1": true, "PS2": true,
	"LC_ALL": true, "LC_CTYPE": true,
}

// IsReserved reports whether name is a reserved variable.
func IsReserved(name string) bool {
	return reservedEnvVars[name]
}

// KeyToEnvName converts a detail key to a variable name: '/', '-' and '.'
// become '_' and the result is upper-cased.
func KeyToEnvName(key string) string {
	name := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	return strings.ToUpper(name)
}

// ValidateEnvName checks name against ^[A-Za-z_][A-Za-z0-9_]*$.
func ValidateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEnvName)
	}

	first := name[0]
	if !((first >= 'A' && first <= 'Z') || (first >= 'a' && first <= 'z') || first == '_') {
		return fmt.Errorf("%w: %q must start with a letter or underscore", ErrInvalidEnvName, name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidEnvName, name, c)
		}
	}
	return nil
}

// Secrets is a resolved set of values keyed by local name. Call Wipe when
// done.
type Secrets struct {
	names  []string
	values map[string][]byte
}

func newSecrets(needs Needs, values map[string]string) *Secrets {
	s := &Secrets{
		names:  needs.Names(),
		values: make(map[string][]byte, len(values)),
	}
	for _, name := range s.names {
		s.values[name] = []byte(values[name])
	}
	return s
}

// Names returns local names in ascending order.
func (s *Secrets) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of loaded values.
func (s *Secrets) Len() int {
	return len(s.names)
}

// Get returns the value for a local name.
func (s *Secrets) Get(name string) (string, bool) {
	b, ok := s.values[name]
	if !ok {
		return "", false
	}
	return string(b), true
}

// Map copies the values into a plain map.
func (s *Secrets) Map() map[string]string {
	out := make(map[string]string, len(s.values))
	for name, b := range s.values {
		out[name] = string(b)
	}
	return out
}

// Environ returns base with every secret added as prefix+NAME=value.
// Entries in base with the same name are replaced. Reserved names, invalid
// names and values holding NUL bytes are rejected.
func (s *Secrets) Environ(base []string, prefix string) ([]string, error) {
	entries := make([]string, 0, len(s.names))
	override := make(map[string]bool, len(s.names))

	for _, name := range s.names {
		envName := prefix + name
		if err := ValidateEnvName(envName); err != nil {
			return nil, err
		}
		if IsReserved(envName) {
			return nil, fmt.Errorf("%w: %s (use a prefix to avoid the collision)", ErrReservedEnvVar, envName)
		}
		value := s.values[name]
		if bytes.IndexByte(value, 0) >= 0 {
			return nil, fmt.Errorf("%w: value of %s", ErrNulByte, envName)
		}
		override[envName] = true
		entries = append(entries, envName+"="+string(value))
	}

	env := make([]string, 0, len(base)+len(entries))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if override[name] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, entries...), nil
}

// Wipe zeroes every value. The Secrets is empty afterwards.
func (s *Secrets) Wipe() {
	for name, b := range s.values {
		crypto.SecureWipe(b)
		delete(s.values, name)
	}
	s.names = nil
}

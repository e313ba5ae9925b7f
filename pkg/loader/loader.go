// Package loader resolves a project's details for an automation run.
//
// A run names the values it needs as a mapping of local names (the
// environment variable the child process sees) to stored detail keys. The
// loader decrypts exactly those details with the project token alone; the
// master key is never involved. Any missing detail or decryption failure
// aborts the whole load, so a caller never receives a partial set.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

// MaxNeeds bounds the number of entries a single load may request.
const MaxNeeds = 100

var (
	ErrTooManyNeeds   = fmt.Errorf("loader: too many needs (max %d)", MaxNeeds)
	ErrInvalidEnvName = errors.New("loader: invalid environment variable name")
	ErrNeedConflict   = errors.New("loader: conflicting local names")
	ErrEmptyDetailKey = errors.New("loader: empty detail key")
)

// Needs maps local names to stored detail keys.
type Needs map[string]string

// Validate checks every local name is a POSIX environment variable name,
// that no two names differ only by case and that the set is not too large.
func (n Needs) Validate() error {
	if len(n) > MaxNeeds {
		return fmt.Errorf("%w: got %d", ErrTooManyNeeds, len(n))
	}

	seen := make(map[string]string, len(n))
	for _, name := range n.Names() {
		if err := ValidateEnvName(name); err != nil {
			return err
		}
		if strings.TrimSpace(n[name]) == "" {
			return fmt.Errorf("%w for %s", ErrEmptyDetailKey, name)
		}
		upper := strings.ToUpper(name)
		if prev, ok := seen[upper]; ok {
			return fmt.Errorf("%w: %s and %s", ErrNeedConflict, prev, name)
		}
		seen[upper] = name
	}
	return nil
}

// Names returns the local names in ascending order.
func (n Needs) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a copy of n with other's entries added. Entries in other
// win on duplicate names.
func (n Needs) Merge(other Needs) Needs {
	out := make(Needs, len(n)+len(other))
	for k, v := range n {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// NeedsFromKeys derives local names from detail keys with KeyToEnvName.
func NeedsFromKeys(keys []string) Needs {
	n := make(Needs, len(keys))
	for _, k := range keys {
		n[KeyToEnvName(k)] = k
	}
	return n
}

// ParseNeed parses a NAME=key pair. A bare key derives its name.
func ParseNeed(s string) (name, key string, err error) {
	name, key, ok := strings.Cut(s, "=")
	if !ok {
		key = strings.TrimSpace(s)
		name = KeyToEnvName(key)
	}
	name, key = strings.TrimSpace(name), strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("%w in %q", ErrEmptyDetailKey, s)
	}
	if err := ValidateEnvName(name); err != nil {
		return "", "", err
	}
	return name, key, nil
}

// ReadNeedsFile reads a YAML mapping of local names to detail keys.
func ReadNeedsFile(path string) (Needs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to read needs file: %w", err)
	}

	var n Needs
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("loader: failed to parse needs file %s: %w", path, err)
	}
	if n == nil {
		n = Needs{}
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// DetailSource decrypts details with a project key. *vault.Vault
// implements it.
type DetailSource interface {
	LoadProjectDetails(ctx context.Context, projectKey []byte, project string, needs map[string]string) (map[string]string, error)
}

// Option configures Load.
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger sets the logger. Values are never logged.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Load decodes token and resolves needs against project. A token of the
// wrong length fails with vault.ErrInvalidToken before src is consulted.
func Load(ctx context.Context, src DetailSource, token, project string, needs Needs, opts ...Option) (*Secrets, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	projectKey, err := crypto.DecodeProjectToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: project token must decode to %d bytes", vault.ErrInvalidToken, crypto.ProjectTokenLength)
	}
	defer crypto.SecureWipe(projectKey)

	if err := needs.Validate(); err != nil {
		return nil, err
	}

	values, err := src.LoadProjectDetails(ctx, projectKey, project, needs)
	if err != nil {
		return nil, err
	}

	s := newSecrets(needs, values)
	o.log.Debug().Str("project", project).Strs("names", s.Names()).Msg("secrets loaded")
	return s, nil
}

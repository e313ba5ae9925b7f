package mcp

import (
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy decides which projects are visible to MCP clients. Only project
// and detail names are ever exposed; the policy narrows that further.
type Policy struct {
	Version         int      `yaml:"version"`
	DefaultAction   string   `yaml:"default_action"`
	DeniedProjects  []string `yaml:"denied_projects"`
	AllowedProjects []string `yaml:"allowed_projects"`
}

// PolicyFileName is the name of the policy file
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrPolicyNotFound is returned when no policy file exists
var ErrPolicyNotFound = errors.New("MCP policy file not found")

// ErrPolicyInsecure is returned when policy file has insecure permissions
var ErrPolicyInsecure = errors.New("MCP policy file has insecure permissions")

// ErrPolicySymlink is returned when policy file is a symlink
var ErrPolicySymlink = errors.New("MCP policy file is a symlink")

// ErrPolicyNotOwnedByUser is returned when policy file is not owned by current user
var ErrPolicyNotOwnedByUser = errors.New("MCP policy file not owned by current user")

// AllowAllPolicy is used when no policy file exists.
func AllowAllPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionAllow}
}

// LoadPolicy loads the policy from dir. The file is opened without following
// symlinks and must be mode 0600 and owned by the current user; the checks
// run on the open descriptor.
func LoadPolicy(dir string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(dir, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}

	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}

	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// Validate checks the version, action and patterns.
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", p.Version)
	}

	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}

	for _, list := range [][]string{p.DeniedProjects, p.AllowedProjects} {
		for _, pattern := range list {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("invalid project pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

// ProjectVisible reports whether project may be listed.
// Evaluation order: denied_projects, allowed_projects, default_action.
func (p *Policy) ProjectVisible(project string) (visible bool, reason string) {
	for _, denied := range p.DeniedProjects {
		if matchProject(project, denied) {
			return false, fmt.Sprintf("project '%s' matches denied pattern '%s'", project, denied)
		}
	}

	for _, allowed := range p.AllowedProjects {
		if matchProject(project, allowed) {
			return true, ""
		}
	}

	if p.DefaultAction == ActionAllow {
		return true, ""
	}

	return false, fmt.Sprintf("project '%s' not in allowed_projects list", project)
}

func matchProject(project, pattern string) bool {
	ok, err := path.Match(pattern, project)
	return err == nil && ok
}

// Package mcp implements a Model Context Protocol server for credvault.
//
// The server answers metadata questions only: which projects exist and
// which detail keys they hold. It never holds a master key, so values and
// tokens cannot be returned even by mistake.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/forest6511/credvault/pkg/vault"
)

// Server represents the MCP server for credvault.
type Server struct {
	server *mcp.Server
	vault  *vault.Vault
	policy *Policy
	log    zerolog.Logger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Vault is an opened vault. It is not unlocked.
	Vault *vault.Vault

	// PolicyDir holds mcp-policy.yaml. If empty or the file is absent,
	// every project is visible.
	PolicyDir string

	Logger  zerolog.Logger
	Version string
}

// NewServer creates a new MCP server instance.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Vault == nil {
		return nil, errors.New("mcp: vault is required")
	}

	policy := AllowAllPolicy()
	if opts.PolicyDir != "" {
		p, err := LoadPolicy(opts.PolicyDir)
		switch {
		case err == nil:
			policy = p
		case errors.Is(err, ErrPolicyNotFound):
		default:
			// A broken policy must not silently widen visibility.
			return nil, err
		}
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "credvault", Version: version}, nil),
		vault:  opts.Vault,
		policy: policy,
		log:    opts.Logger,
	}
	s.registerTools()

	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "project_list",
		Description: "List projects with their detail counts and timestamps. Does NOT return project tokens or secret values.",
	}, s.handleProjectList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detail_list",
		Description: "List detail keys stored in a project, or in every visible project when project is empty. Does NOT return secret values.",
	}, s.handleDetailList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detail_exists",
		Description: "Check whether a detail key exists in a project. Does NOT return the secret value.",
	}, s.handleDetailExists)
}

// Run serves requests on stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("mcp server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/credvault/pkg/vault"
)

// ProjectListInput represents input for project_list tool.
type ProjectListInput struct{}

// ProjectListOutput represents output for project_list tool.
type ProjectListOutput struct {
	Projects []ProjectInfo `json:"projects"`
}

// ProjectInfo is project metadata as exposed to MCP clients.
type ProjectInfo struct {
	Name      string `json:"name"`
	Details   int    `json:"details"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// DetailListInput represents input for detail_list tool.
type DetailListInput struct {
	Project string `json:"project,omitempty" jsonschema:"project name; empty lists every visible project"`
}

// DetailListOutput represents output for detail_list tool.
type DetailListOutput struct {
	Details []DetailInfo `json:"details"`
}

// DetailInfo is detail metadata (no value).
type DetailInfo struct {
	Project   string `json:"project"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// DetailExistsInput represents input for detail_exists tool.
type DetailExistsInput struct {
	Project string `json:"project" jsonschema:"project name"`
	Key     string `json:"key" jsonschema:"detail key, e.g. db/password"`
}

// DetailExistsOutput represents output for detail_exists tool.
type DetailExistsOutput struct {
	Exists  bool   `json:"exists"`
	Project string `json:"project"`
	Key     string `json:"key"`
}

func (s *Server) handleProjectList(ctx context.Context, _ *mcp.CallToolRequest, _ ProjectListInput) (*mcp.CallToolResult, ProjectListOutput, error) {
	infos, err := s.vault.ListProjectInfo(ctx)
	if err != nil {
		return nil, ProjectListOutput{}, fmt.Errorf("failed to list projects: %w", err)
	}

	output := ProjectListOutput{Projects: make([]ProjectInfo, 0, len(infos))}
	for _, info := range infos {
		if ok, _ := s.policy.ProjectVisible(info.Name); !ok {
			continue
		}
		output.Projects = append(output.Projects, ProjectInfo{
			Name:      info.Name,
			Details:   info.Details,
			CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: info.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	return nil, output, nil
}

func (s *Server) handleDetailList(ctx context.Context, _ *mcp.CallToolRequest, input DetailListInput) (*mcp.CallToolResult, DetailListOutput, error) {
	if input.Project != "" {
		if err := s.checkVisible(input.Project); err != nil {
			return nil, DetailListOutput{}, err
		}
	}

	infos, err := s.vault.ListDetails(ctx, input.Project)
	if err != nil {
		return nil, DetailListOutput{}, fmt.Errorf("failed to list details: %w", err)
	}

	output := DetailListOutput{Details: make([]DetailInfo, 0, len(infos))}
	for _, info := range infos {
		if ok, _ := s.policy.ProjectVisible(info.Project); !ok {
			continue
		}
		output.Details = append(output.Details, DetailInfo{
			Project:   info.Project,
			Key:       info.Key,
			CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt: info.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	return nil, output, nil
}

func (s *Server) handleDetailExists(ctx context.Context, _ *mcp.CallToolRequest, input DetailExistsInput) (*mcp.CallToolResult, DetailExistsOutput, error) {
	if input.Project == "" || input.Key == "" {
		return nil, DetailExistsOutput{}, errors.New("project and key are required")
	}
	if err := s.checkVisible(input.Project); err != nil {
		return nil, DetailExistsOutput{}, err
	}

	exists, err := s.vault.DetailExists(ctx, input.Project, input.Key)
	if err != nil {
		return nil, DetailExistsOutput{}, fmt.Errorf("failed to look up detail: %w", err)
	}

	return nil, DetailExistsOutput{Exists: exists, Project: input.Project, Key: input.Key}, nil
}

// checkVisible reports hidden projects the same way as missing ones so a
// client cannot probe for names the policy hides.
func (s *Server) checkVisible(project string) error {
	if ok, reason := s.policy.ProjectVisible(project); !ok {
		s.log.Debug().Str("project", project).Str("reason", reason).Msg("mcp: project hidden by policy")
		return fmt.Errorf("%w: %s", vault.ErrProjectNotFound, project)
	}
	return nil
}

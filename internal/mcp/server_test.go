package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

const testPassword = "testpassword123"

// testVault creates an initialized vault holding two projects.
func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	ctx := context.Background()

	v, err := vault.Open(ctx, filepath.Join(t.TempDir(), "vault.db"),
		vault.WithKDFParams(crypto.KDFParams{N: 1 << 10, R: 8, P: 1}))
	if err != nil {
		t.Fatalf("failed to open vault: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	if err := v.Initialize(ctx, testPassword); err != nil {
		t.Fatalf("failed to init vault: %v", err)
	}
	mk, err := v.DeriveMasterKey(ctx, testPassword)
	if err != nil {
		t.Fatalf("failed to derive master key: %v", err)
	}
	defer crypto.SecureWipe(mk)

	for project, details := range map[string]map[string]string{
		"web":     {"db/password": "hunter2", "api_key": "k-123"},
		"billing": {"stripe/secret": "sk_live"},
	} {
		if _, err := v.CreateProject(ctx, mk, project); err != nil {
			t.Fatalf("failed to create project %s: %v", project, err)
		}
		for key, value := range details {
			if err := v.SetDetail(ctx, mk, project, key, value); err != nil {
				t.Fatalf("failed to set %s/%s: %v", project, key, err)
			}
		}
	}
	return v
}

func newTestServer(t *testing.T, v *vault.Vault, policy *Policy) *Server {
	t.Helper()
	s, err := NewServer(ServerOptions{Vault: v})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if policy != nil {
		s.policy = policy
	}
	return s
}

func TestNewServer_NoVault(t *testing.T) {
	if _, err := NewServer(ServerOptions{}); err == nil {
		t.Error("expected error without vault")
	}
}

func TestNewServer_InvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "version: 7\n", 0600)

	if _, err := NewServer(ServerOptions{Vault: testVault(t), PolicyDir: dir}); err == nil {
		t.Error("expected error for invalid policy")
	}
}

func TestNewServer_MissingPolicy(t *testing.T) {
	s, err := NewServer(ServerOptions{Vault: testVault(t), PolicyDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if s.policy.DefaultAction != ActionAllow {
		t.Errorf("DefaultAction = %q, want allow", s.policy.DefaultAction)
	}
}

func TestHandleProjectList(t *testing.T) {
	s := newTestServer(t, testVault(t), nil)

	_, out, err := s.handleProjectList(context.Background(), nil, ProjectListInput{})
	if err != nil {
		t.Fatalf("handleProjectList() error = %v", err)
	}
	if len(out.Projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(out.Projects))
	}
	counts := map[string]int{}
	for _, p := range out.Projects {
		counts[p.Name] = p.Details
		if p.CreatedAt == "" {
			t.Errorf("project %s has no created_at", p.Name)
		}
	}
	if counts["web"] != 2 || counts["billing"] != 1 {
		t.Errorf("detail counts = %v", counts)
	}
}

func TestHandleProjectList_Policy(t *testing.T) {
	s := newTestServer(t, testVault(t), &Policy{Version: 1, DefaultAction: ActionAllow, DeniedProjects: []string{"bill*"}})

	_, out, err := s.handleProjectList(context.Background(), nil, ProjectListInput{})
	if err != nil {
		t.Fatalf("handleProjectList() error = %v", err)
	}
	if len(out.Projects) != 1 || out.Projects[0].Name != "web" {
		t.Errorf("Projects = %+v, want only web", out.Projects)
	}
}

func TestHandleDetailList(t *testing.T) {
	s := newTestServer(t, testVault(t), nil)
	ctx := context.Background()

	_, out, err := s.handleDetailList(ctx, nil, DetailListInput{Project: "web"})
	if err != nil {
		t.Fatalf("handleDetailList() error = %v", err)
	}
	var keys []string
	for _, d := range out.Details {
		keys = append(keys, d.Key)
	}
	if len(keys) != 2 || keys[0] != "api_key" || keys[1] != "db/password" {
		t.Errorf("keys = %v", keys)
	}

	_, all, err := s.handleDetailList(ctx, nil, DetailListInput{})
	if err != nil {
		t.Fatalf("handleDetailList(all) error = %v", err)
	}
	if len(all.Details) != 3 {
		t.Errorf("got %d details, want 3", len(all.Details))
	}

	if _, _, err := s.handleDetailList(ctx, nil, DetailListInput{Project: "nope"}); !errors.Is(err, vault.ErrProjectNotFound) {
		t.Errorf("unknown project error = %v, want ErrProjectNotFound", err)
	}
}

func TestHandleDetailList_HiddenProject(t *testing.T) {
	s := newTestServer(t, testVault(t), &Policy{Version: 1, DefaultAction: ActionDeny, AllowedProjects: []string{"web"}})
	ctx := context.Background()

	if _, _, err := s.handleDetailList(ctx, nil, DetailListInput{Project: "billing"}); !errors.Is(err, vault.ErrProjectNotFound) {
		t.Errorf("hidden project error = %v, want ErrProjectNotFound", err)
	}

	_, all, err := s.handleDetailList(ctx, nil, DetailListInput{})
	if err != nil {
		t.Fatalf("handleDetailList(all) error = %v", err)
	}
	for _, d := range all.Details {
		if d.Project == "billing" {
			t.Errorf("hidden project leaked: %+v", d)
		}
	}
}

func TestHandleDetailExists(t *testing.T) {
	s := newTestServer(t, testVault(t), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   DetailExistsInput
		want    bool
		wantErr bool
	}{
		{"found", DetailExistsInput{Project: "web", Key: "db/password"}, true, false},
		{"missing key", DetailExistsInput{Project: "web", Key: "db/user"}, false, false},
		{"other project", DetailExistsInput{Project: "billing", Key: "db/password"}, false, false},
		{"empty key", DetailExistsInput{Project: "web"}, false, true},
		{"empty project", DetailExistsInput{Key: "db/password"}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, out, err := s.handleDetailExists(ctx, nil, tc.input)
			if tc.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("handleDetailExists() error = %v", err)
			}
			if out.Exists != tc.want {
				t.Errorf("Exists = %v, want %v", out.Exists, tc.want)
			}
		})
	}
}

// The tools are reachable through a real client session and never carry
// stored values.
func TestServer_ClientSession(t *testing.T) {
	s := newTestServer(t, testVault(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	if want := []string{"detail_exists", "detail_list", "project_list"}; len(names) != 3 || names[0] != want[0] || names[1] != want[1] || names[2] != want[2] {
		t.Errorf("tools = %v, want %v", names, want)
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "detail_list",
		Arguments: map[string]any{"project": "web"},
	})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool() returned tool error: %+v", res.Content)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"hunter2", "k-123", "sk_live"} {
		if bytes.Contains(raw, []byte(secret)) {
			t.Errorf("tool result leaked value %q", secret)
		}
	}
	if !bytes.Contains(raw, []byte("db/password")) {
		t.Errorf("tool result missing key name: %s", raw)
	}
}

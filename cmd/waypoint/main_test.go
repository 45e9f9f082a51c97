package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serveradapter "github.com/hylla/waypoint/internal/adapters/server"
	"github.com/hylla/waypoint/internal/adapters/server/common"
	"github.com/hylla/waypoint/internal/adapters/storage/memory"
	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// TestMain pins environment defaults so CLI tests never touch real user paths.
func TestMain(m *testing.M) {
	_ = os.Setenv(envDevMode, "false")
	_ = os.Setenv(envEditor, "")
	os.Exit(m.Run())
}

// cliEnv is one temp workspace with its own database and config file.
type cliEnv struct {
	dbPath  string
	cfgPath string
	dir     string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	return cliEnv{
		dbPath:  filepath.Join(dir, "waypoint.db"),
		cfgPath: filepath.Join(dir, "config.toml"),
		dir:     dir,
	}
}

// run executes args against the workspace and returns stdout.
func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--db", e.dbPath, "--config", e.cfgPath}, args...)
	err := run(context.Background(), full, &out, io.Discard)
	return out.String(), err
}

func (e cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("run(%v) error = %v", args, err)
	}
	return out
}

func (e cliEnv) createProject(t *testing.T, id string, extra ...string) app.Snapshot {
	t.Helper()
	args := append([]string{
		"create", "--id", id, "--name", "Apollo",
		"--start", "2026-01-05", "--end", "2026-06-30", "--editor", "ana",
	}, extra...)
	var snap app.Snapshot
	if err := json.Unmarshal([]byte(e.mustRun(t, args...)), &snap); err != nil {
		t.Fatalf("decode create output: %v", err)
	}
	return snap
}

func TestRunVersion(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"--version"}, &out, io.Discard); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.Contains(out.String(), "waypoint") {
		t.Fatalf("expected version output, got %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"launch"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestRunPathsCommand(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "--app", "waypoint", "paths")
	for _, want := range []string{"app: waypoint", "dev_mode: false", "db: " + env.dbPath, "config: " + env.cfgPath} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in paths output, got %q", want, out)
		}
	}
}

func TestRunCreateListStatus(t *testing.T) {
	env := newCLIEnv(t)
	snap := env.createProject(t, "apollo")
	if snap.ID != "apollo" || snap.Status != string(domain.ProjectStatusPlanning) {
		t.Fatalf("unexpected created project %#v", snap)
	}

	out := env.mustRun(t, "list")
	if !strings.Contains(out, "apollo") || !strings.Contains(out, "Apollo") {
		t.Fatalf("expected project in list output, got %q", out)
	}

	var status common.ProjectStatus
	if err := json.Unmarshal([]byte(env.mustRun(t, "status", "--project", "apollo")), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ProjectID != "apollo" || status.Dirty || status.Lease != nil {
		t.Fatalf("unexpected status after create %#v", status)
	}
	if out := env.mustRun(t, "lease", "status", "--project", "apollo"); strings.TrimSpace(out) != "free" {
		t.Fatalf("expected free lease after create, got %q", out)
	}
}

func TestRunCreateRequiresEditor(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "create", "--name", "Apollo", "--start", "2026-01-05", "--end", "2026-06-30")
	if err == nil || !strings.Contains(err.Error(), "--editor is required") {
		t.Fatalf("expected editor requirement, got %v", err)
	}
}

func TestRunExportImportRoundTrip(t *testing.T) {
	env := newCLIEnv(t)
	env.createProject(t, "apollo")

	exportPath := filepath.Join(env.dir, "out", "apollo.json")
	env.mustRun(t, "export", "--project", "apollo", "--out", exportPath)
	content, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if doc["id"] != "apollo" {
		t.Fatalf("unexpected export id %v", doc["id"])
	}

	edited := strings.Replace(string(content), `"name": "Apollo"`, `"name": "Apollo II"`, 1)
	importPath := filepath.Join(env.dir, "edited.json")
	if err := os.WriteFile(importPath, []byte(edited), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	out := env.mustRun(t, "import", "--project", "apollo", "--in", importPath, "--editor", "bo")
	if !strings.Contains(out, "imported apollo") {
		t.Fatalf("unexpected import output %q", out)
	}

	stdout := env.mustRun(t, "export", "--project", "apollo")
	if !strings.Contains(stdout, "Apollo II") {
		t.Fatalf("expected imported name in export, got %q", stdout)
	}
	if out := env.mustRun(t, "lease", "status", "--project", "apollo"); strings.TrimSpace(out) != "free" {
		t.Fatalf("expected import to release the lease, got %q", out)
	}
}

func TestRunImportRejectsMalformedDocument(t *testing.T) {
	env := newCLIEnv(t)
	env.createProject(t, "apollo")
	bad := filepath.Join(env.dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"id":"apollo","milestones":"nope"}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := env.run(t, "import", "--project", "apollo", "--in", bad, "--editor", "bo")
	var decodeErr *domain.DeserializationError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DeserializationError, got %v", err)
	}
	if out := env.mustRun(t, "export", "--project", "apollo"); !strings.Contains(out, `"Apollo"`) {
		t.Fatalf("expected project unchanged after failed import, got %q", out)
	}
}

func TestRunLeaseContention(t *testing.T) {
	env := newCLIEnv(t)
	env.createProject(t, "apollo", "--keep-lease", "--editor-name", "Ana")

	_, err := env.run(t, "lease", "acquire", "--project", "apollo", "--editor", "bo")
	var contention *domain.LeaseContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("expected lease contention, got %v", err)
	}
	if contention.HolderID != "ana" || contention.HolderName != "Ana" {
		t.Fatalf("unexpected holder %#v", contention)
	}

	// Release by a non-holder leaves the lease in place.
	env.mustRun(t, "lease", "release", "--project", "apollo", "--editor", "bo")
	if _, err := env.run(t, "lease", "acquire", "--project", "apollo", "--editor", "bo"); err == nil {
		t.Fatal("expected lease to survive release by non-holder")
	}

	env.mustRun(t, "lease", "release", "--project", "apollo", "--editor", "ana")
	var lease common.Lease
	if err := json.Unmarshal([]byte(env.mustRun(t, "lease", "acquire", "--project", "apollo", "--editor", "bo")), &lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.HolderID != "bo" || !lease.ExpiresAt.Equal(lease.AcquiredAt.Add(domain.DefaultLeaseTTL)) {
		t.Fatalf("unexpected lease %#v", lease)
	}
	env.mustRun(t, "lease", "renew", "--project", "apollo", "--editor", "bo")
	if _, err := env.run(t, "lease", "renew", "--project", "apollo", "--editor", "ana"); err == nil {
		t.Fatal("expected renew by non-holder to fail")
	}
}

func TestRunEventsListsSavedChanges(t *testing.T) {
	env := newCLIEnv(t)
	env.createProject(t, "apollo")
	out := env.mustRun(t, "events", "--project", "apollo", "--limit", "5")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("expected at least one event line, got %q", out)
	}
	var evt app.ChangeEventJSON
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.ProjectID != "apollo" {
		t.Fatalf("unexpected event %#v", evt)
	}
}

func TestRunServeUsesConfigAndFlags(t *testing.T) {
	env := newCLIEnv(t)
	content := "[server]\nhttp_bind = \"127.0.0.1:9999\"\nmcp_endpoint = \"/tools\"\n"
	if err := os.WriteFile(env.cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	orig := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = orig })
	var (
		gotCfg  serveradapter.Config
		gotDeps serveradapter.Dependencies
	)
	serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		gotCfg, gotDeps = cfg, deps
		return deps.Ready(ctx)
	}

	env.mustRun(t, "serve", "--api-endpoint", "/v2")
	if gotCfg.HTTPBind != "127.0.0.1:9999" || gotCfg.MCPEndpoint != "/tools" || gotCfg.APIEndpoint != "/v2" {
		t.Fatalf("unexpected serve config %#v", gotCfg)
	}
	if gotCfg.ServerName != "waypoint" || gotCfg.ServerVersion != version {
		t.Fatalf("unexpected server identity %#v", gotCfg)
	}
	if gotDeps.Projects == nil || gotDeps.Gatherer == nil {
		t.Fatalf("expected wired dependencies, got %#v", gotDeps)
	}
}

func TestRunRejectsInvalidLoggingLevelFromConfig(t *testing.T) {
	env := newCLIEnv(t)
	if err := os.WriteFile(env.cfgPath, []byte("[logging]\nlevel = \"verbose\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := env.run(t, "list"); err == nil {
		t.Fatal("expected invalid logging level error")
	}
}

func TestImportProjectReleasesLeaseOnFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := app.NewService(store, store, nil, nil, nil, app.ServiceConfig{
		LeaseTTL:         domain.DefaultLeaseTTL,
		AutosaveInterval: time.Hour,
	})
	projects := common.NewAppServiceAdapter(svc)
	ana := common.Editor{ID: "ana"}
	if _, err := projects.CreateProject(ctx, ana, common.CreateProjectRequest{
		ID: "apollo", Name: "Apollo", StartDate: "2026-01-05", EndDate: "2026-06-30",
	}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if err := projects.ReleaseLease(ctx, "apollo", ana); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}

	err := importProject(ctx, projects, "apollo", common.Editor{ID: "bo"}, []byte("{"), io.Discard)
	if err == nil {
		t.Fatal("expected import error")
	}
	status, err := projects.ProjectStatus(ctx, "apollo")
	if err != nil {
		t.Fatalf("ProjectStatus() error = %v", err)
	}
	if status.Lease != nil {
		t.Fatalf("expected lease released after failed import, got %#v", status.Lease)
	}
}

func TestRunDevModeCreatesWorkspaceLogFile(t *testing.T) {
	workspace := t.TempDir()
	t.Chdir(workspace)
	env := cliEnv{
		dbPath:  filepath.Join(workspace, "waypoint.db"),
		cfgPath: filepath.Join(workspace, "config.toml"),
		dir:     workspace,
	}
	env.mustRun(t, "--dev", "list")

	entries, err := os.ReadDir(filepath.Join(workspace, ".waypoint", "log"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	found := false
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".log") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a .log file, got %v", entries)
	}
}

func TestDevLogFilePathResolvesAgainstWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/test\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "cmd", "waypoint")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	t.Chdir(nested)

	got, err := devLogFilePath(".waypoint/log", "waypoint", time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("devLogFilePath() error = %v", err)
	}
	normalize := func(p string) string {
		return strings.TrimPrefix(filepath.Clean(p), "/private")
	}
	want := filepath.Join(root, ".waypoint", "log", "waypoint-20260222.log")
	if normalize(got) != normalize(want) {
		t.Fatalf("devLogFilePath() = %q, want %q", got, want)
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{
		"waypoint":     "waypoint",
		" a/b:c ":      "a-b-c",
		"":             "waypoint",
		"team planner": "team-planner",
	}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("WAYPOINT_TEST_BOOL", "true")
	if v, ok := parseBoolEnv("WAYPOINT_TEST_BOOL"); !ok || !v {
		t.Fatalf("parseBoolEnv(true) = %v, %v", v, ok)
	}
	t.Setenv("WAYPOINT_TEST_BOOL", "maybe")
	if _, ok := parseBoolEnv("WAYPOINT_TEST_BOOL"); ok {
		t.Fatal("expected unparsable value to be ignored")
	}
}

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/orchestrator"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Store.Backend = "memory"
	cfg.Session.TraceDir = t.TempDir()
	cfg.Session.ProbeTimeout = "1s"
	cfg.Session.CommandTimeout = "1s"
	return cfg
}

func TestNewAppWiring(t *testing.T) {
	a, err := newApp(testConfig(t))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.shutdown()
	ctx := context.Background()
	if err := a.start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := len(a.server.ToolNames()); got != 16 {
		t.Errorf("expected 16 tools, got %d", got)
	}
	res, err := a.server.ExecuteTool(ctx, "test-status", map[string]interface{}{"verify": false})
	if err != nil {
		t.Fatalf("test-status failed: %v", err)
	}
	status := res.(map[string]interface{})
	if s := status["session"].(session.Session); s.State != session.Idle {
		t.Errorf("expected idle, got %s", s.State)
	}
	if _, err := a.server.ExecuteTool(ctx, "list-tabs", nil); err == nil {
		t.Error("expected list-tabs to fail without a browser")
	}
}

func TestSessionStartResetsSharedState(t *testing.T) {
	a, err := newApp(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.shutdown()
	ctx := context.Background()

	r := messaging.NewRouter()
	r.Handle(messaging.ActionStartSession, func(context.Context, messaging.Message) messaging.Reply {
		return messaging.OK(nil)
	})
	defer a.bus.Register("tab-1", r.Serve)()

	a.traffic.Request(ctx, mangle.Request{ID: "old", Method: "GET", URL: "https://api.test/x", Type: "fetch", At: time.Now()})
	a.traffic.Response(ctx, "old", 500, time.Now())
	if a.traffic.APIErrors() != 1 || len(a.engine.Facts()) == 0 {
		t.Fatalf("setup: expected traffic to be recorded, errors=%d facts=%d", a.traffic.APIErrors(), len(a.engine.Facts()))
	}

	if _, err := a.mgr.Start(ctx, "tab-1", "smoke"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if a.traffic.APIErrors() != 0 || a.traffic.Total() != 0 {
		t.Errorf("traffic not reset: errors=%d total=%d", a.traffic.APIErrors(), a.traffic.Total())
	}
	if n := len(a.engine.Facts()); n != 0 {
		t.Errorf("engine not reset, %d facts", n)
	}
	if a.rec.LastPath() == "" {
		t.Error("expected a trace to be started")
	}
}

type recordingEnsurer struct {
	tabs []string
	err  error
}

func (r *recordingEnsurer) Ensure(_ context.Context, tabID string) (*orchestrator.Agent, error) {
	r.tabs = append(r.tabs, tabID)
	return nil, r.err
}

func TestEnsureSender(t *testing.T) {
	bus := messaging.NewBus()
	r := messaging.NewRouter()
	var got []messaging.Action
	handler := func(_ context.Context, msg messaging.Message) messaging.Reply {
		got = append(got, msg.Action)
		return messaging.OK(nil)
	}
	r.Handle(messaging.ActionStartSession, handler)
	r.Handle(messaging.ActionPauseSession, handler)
	defer bus.Register(messaging.BackgroundEndpoint, r.Serve)()

	ens := &recordingEnsurer{}
	s := ensureSender{bus: bus, pool: ens}
	ctx := context.Background()

	start, _ := messaging.NewMessage(messaging.ActionStartSession, "", "", map[string]string{"tabId": "tab-7"})
	if reply, err := s.Send(ctx, messaging.BackgroundEndpoint, start); err != nil || !reply.OK {
		t.Fatalf("start not forwarded: %+v %v", reply, err)
	}
	pause, _ := messaging.NewMessage(messaging.ActionPauseSession, "tab-7", "", nil)
	if _, err := s.Send(ctx, messaging.BackgroundEndpoint, pause); err != nil {
		t.Fatal(err)
	}
	if len(ens.tabs) != 1 || ens.tabs[0] != "tab-7" {
		t.Errorf("expected one ensure for tab-7, got %v", ens.tabs)
	}
	if len(got) != 2 {
		t.Errorf("expected both messages forwarded, got %v", got)
	}

	ens.err = errors.New("no such target")
	reply, err := s.Send(ctx, messaging.BackgroundEndpoint, start)
	if err != nil || reply.OK || !strings.Contains(reply.Error, "no such target") {
		t.Errorf("expected attach failure reply, got %+v %v", reply, err)
	}
	if len(got) != 2 {
		t.Error("start must not be forwarded when attach fails")
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "init", dir)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, config.WorkspaceDirName) {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Errorf("workspace config not created: %v", err)
	}
	if _, err := runCLI(t, "init", dir); err == nil {
		t.Error("expected second init to fail")
	}
}

func TestStatusAndResetCommands(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "store:\n  backend: file\n  path: " + statePath + "\nsession:\n  trace_dir: \"\"\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	kv, err := store.Open(config.StoreConfig{Backend: "file", Path: statePath})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rec := session.Record{InProgress: true, TabID: "tab-1", SessionID: "s-1", StartTime: time.Now().UnixMilli(), State: session.Running}
	if err := kv.Set(ctx, store.KeyTestingState, rec); err != nil {
		t.Fatal(err)
	}
	if err := kv.Set(ctx, store.KeyTestStats, session.Stats{TestedCount: 4}); err != nil {
		t.Fatal(err)
	}
	kv.Close()

	out, err := runCLI(t, "status", "--no-workspace", "--config", cfgPath)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"sessionId": "s-1"`) || !strings.Contains(out, `"testedCount": 4`) {
		t.Errorf("unexpected status output %s", out)
	}

	if _, err := runCLI(t, "reset", "--no-workspace", "--config", cfgPath); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	kv, err = store.Open(config.StoreConfig{Backend: "file", Path: statePath})
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	if ok, err := kv.Get(ctx, store.KeyTestStats, &session.Stats{}); err != nil || ok {
		t.Errorf("stats survived reset: ok=%v err=%v", ok, err)
	}
}

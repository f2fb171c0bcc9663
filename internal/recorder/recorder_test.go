package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 3)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := r.Start("sess"); err != nil {
			t.Fatal(err)
		}
		r.Log("transition", "sess", map[string]string{"to": "running"})
		time.Sleep(10 * time.Millisecond)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	traces, err := r.Traces()
	if err != nil {
		t.Fatal(err)
	}
	if len(traces) != 3 {
		t.Errorf("expected 3 traces, got %d", len(traces))
	}
	if traces[0] != r.LastPath() {
		t.Errorf("expected newest trace first, got %s want %s", traces[0], r.LastPath())
	}
}

func TestRecorderIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "notes.jsonl")
	if err := os.WriteFile(other, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := New(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.Start("s"); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()
	if _, err := os.Stat(other); err != nil {
		t.Errorf("pruning removed an unrelated file: %v", err)
	}
}

func TestRecorderLogging(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Nothing open yet: dropped.
	r.Log("log", "s1", "before start")

	if err := r.Start("s1"); err != nil {
		t.Fatal(err)
	}
	r.Log("transition", "s1", map[string]string{"to": "starting"})
	r.Log("log", "other-session", "dropped")
	r.Log("log", "s1", map[string]string{"message": "clicked Save"})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	r.Log("log", "s1", "after close")

	events, err := ReadTrace(r.LastPath(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("expected sequential seq numbers, got %d,%d", events[0].Seq, events[1].Seq)
	}
	if events[0].Type != "transition" || events[0].SessionID != "s1" {
		t.Errorf("unexpected first event %+v", events[0])
	}

	tail, err := ReadTrace(r.LastPath(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Seq != 2 {
		t.Errorf("expected last event only, got %+v", tail)
	}
}

func TestTraceNamesAreSanitized(t *testing.T) {
	r, err := New(t.TempDir(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start("../../etc/passwd"); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	name := filepath.Base(r.LastPath())
	if strings.Contains(name, "/") || !strings.HasPrefix(name, "session_") {
		t.Errorf("unexpected trace name %q", name)
	}
	if filepath.Dir(r.LastPath()) != r.dir {
		t.Errorf("trace escaped its directory: %s", r.LastPath())
	}
}

func TestNewRequiresDir(t *testing.T) {
	if _, err := New("", 3); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestTraceFor(t *testing.T) {
	r, err := New(t.TempDir(), 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alpha", "beta"} {
		if err := r.Start(id); err != nil {
			t.Fatal(err)
		}
		r.Log("transition", id, nil)
		time.Sleep(5 * time.Millisecond)
	}
	r.Close()

	path, ok, err := r.TraceFor("alpha")
	if err != nil || !ok {
		t.Fatalf("TraceFor(alpha) = %q, %v, %v", path, ok, err)
	}
	if !strings.Contains(filepath.Base(path), "session_alpha_") {
		t.Errorf("wrong trace %s", path)
	}
	if _, ok, _ := r.TraceFor("gamma"); ok {
		t.Error("expected no trace for unknown session")
	}
}

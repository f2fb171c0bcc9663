package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTabs struct {
	mu   sync.Mutex
	open map[string]bool
	err  error
}

func (f *fakeTabs) TabExists(_ context.Context, tabID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[tabID], f.err
}

// fakeAgent stands in for a tab execution context.
type fakeAgent struct {
	mu       sync.Mutex
	actions  []messaging.Action
	got      chan messaging.Message
	active   bool
	session  string
	onReply  func(messaging.Message) messaging.Reply
	clearBus func()
}

func (a *fakeAgent) handle(_ context.Context, msg messaging.Message) messaging.Reply {
	a.mu.Lock()
	a.actions = append(a.actions, msg.Action)
	switch msg.Action {
	case messaging.ActionStartSession:
		a.active, a.session = true, msg.SessionID
	case messaging.ActionStopSession:
		a.active = false
	}
	active, session, custom := a.active, a.session, a.onReply
	a.mu.Unlock()

	select {
	case a.got <- msg:
	default:
	}
	if custom != nil {
		return custom(msg)
	}
	if msg.Action == messaging.ActionPing {
		return messaging.OK(map[string]interface{}{"testing": active, "sessionId": session})
	}
	return messaging.OK(nil)
}

func (a *fakeAgent) waitFor(t *testing.T, action messaging.Action) messaging.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-a.got:
			if msg.Action == action {
				return msg
			}
		case <-deadline:
			t.Fatalf("tab never received %s", action)
			return messaging.Message{}
		}
	}
}

type harness struct {
	mgr   *Manager
	bus   *messaging.Bus
	kv    *store.Store
	tabs  *fakeTabs
	clock *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		bus:   messaging.NewBus(),
		kv:    store.NewMemory(),
		tabs:  &fakeTabs{open: map[string]bool{}},
		clock: &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if opts.Tabs == nil {
		opts.Tabs = h.tabs
	}
	opts.Now = h.clock.Now
	h.mgr = NewManager(h.kv, h.bus, opts)
	return h
}

func (h *harness) agent(tabID string) *fakeAgent {
	a := &fakeAgent{got: make(chan messaging.Message, 32)}
	h.tabs.mu.Lock()
	h.tabs.open[tabID] = true
	h.tabs.mu.Unlock()
	a.clearBus = h.bus.Register(tabID, a.handle)
	return a
}

func (h *harness) record(t *testing.T) Record {
	t.Helper()
	var rec Record
	if _, err := h.kv.Get(context.Background(), store.KeyTestingState, &rec); err != nil {
		t.Fatalf("read record: %v", err)
	}
	return rec
}

func (h *harness) running(t *testing.T, tabID string) (Session, *fakeAgent) {
	t.Helper()
	a := h.agent(tabID)
	sess, err := h.mgr.Start(context.Background(), tabID, "check the signup form")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.mgr.MarkStarted(context.Background(), sess.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	return h.mgr.Snapshot(), a
}

func TestStartStaysStartingUntilConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	h.agent("T1")
	ctx := context.Background()

	sess, err := h.mgr.Start(ctx, "T1", "explore")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State != Starting {
		t.Fatalf("expected starting, got %s", sess.State)
	}
	rec := h.record(t)
	if !rec.InProgress || rec.TabID != "T1" || rec.SessionID != sess.ID || rec.State != Starting {
		t.Fatalf("unexpected persisted record: %+v", rec)
	}
	if rec.StartTime != h.clock.Now().UnixMilli() {
		t.Fatalf("expected start time %d, got %d", h.clock.Now().UnixMilli(), rec.StartTime)
	}

	if err := h.mgr.MarkStarted(ctx, "some-other-session"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession for foreign id, got %v", err)
	}
	if h.mgr.Snapshot().State != Starting {
		t.Fatal("foreign sessionStarted must not advance state")
	}

	if err := h.mgr.MarkStarted(ctx, sess.ID); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if got := h.mgr.Snapshot().State; got != Running {
		t.Fatalf("expected running, got %s", got)
	}
	if h.record(t).State != Running {
		t.Fatal("expected running persisted")
	}
	if err := h.mgr.MarkStarted(ctx, sess.ID); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second sessionStarted should be rejected, got %v", err)
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	h := newHarness(t, Options{})
	first, _ := h.running(t, "T1")
	h.agent("T2")

	active, err := h.mgr.Start(context.Background(), "T2", "")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if active.ID != first.ID {
		t.Fatalf("expected active session returned, got %+v", active)
	}
}

func TestStartWithoutListenerNormalizes(t *testing.T) {
	h := newHarness(t, Options{})
	h.tabs.open["T1"] = true

	_, err := h.mgr.Start(context.Background(), "T1", "")
	if !errors.Is(err, messaging.ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}
	if got := h.mgr.Snapshot().State; got != Idle {
		t.Fatalf("expected idle after failed start, got %s", got)
	}
	if h.record(t).InProgress {
		t.Fatal("persisted record must not claim progress after failed start")
	}
	last, ok := h.mgr.LastEnded()
	if !ok || last.EndReason != ReasonStartFailed {
		t.Fatalf("expected start_failed end reason, got %+v", last)
	}
}

func TestStartRefusedByTab(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.agent("T1")
	a.onReply = func(msg messaging.Message) messaging.Reply {
		if msg.Action == messaging.ActionStartSession {
			return messaging.Fail(errors.New("page not ready"))
		}
		return messaging.OK(nil)
	}
	if _, err := h.mgr.Start(context.Background(), "T1", ""); err == nil {
		t.Fatal("expected refusal to surface")
	}
	if h.mgr.Snapshot().State != Idle {
		t.Fatal("expected idle")
	}
}

func TestStartClearsPreviousData(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	var resets []string
	h.mgr.OnReset(func(id string) { resets = append(resets, id) })

	sess, _ := h.running(t, "T1")
	_ = h.mgr.Progress(ctx, sess.ID, Stats{TestedCount: 4, SuccessCount: 3, FailureCount: 1})
	_ = h.mgr.AppendLog(ctx, sess.ID, LogEntry{Message: "clicked Save"})
	_ = h.kv.Set(ctx, store.KeyTestData, map[string]string{"url": "https://example.com"})
	if _, err := h.mgr.Stop(ctx, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}

	second, err := h.mgr.Start(ctx, "T1", "again")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if len(resets) != 2 || resets[1] != second.ID {
		t.Fatalf("expected reset hook per start, got %v", resets)
	}
	if h.mgr.Stats() != (Stats{}) || len(h.mgr.Logs()) != 0 {
		t.Fatalf("expected cleared stats/logs, got %+v / %d", h.mgr.Stats(), len(h.mgr.Logs()))
	}
	var stats Stats
	if _, err := h.kv.Get(ctx, store.KeyTestStats, &stats); err != nil || stats != (Stats{}) {
		t.Fatalf("expected persisted stats reset, got %+v (%v)", stats, err)
	}
	if raw, _ := h.kv.GetRaw(ctx, store.KeyTestData); raw != nil {
		t.Fatalf("expected test data cleared, got %s", raw)
	}
}

func TestStartProgressStopNeverLeavesInProgress(t *testing.T) {
	sequences := []struct {
		name     string
		progress int
		stopper  func(h *harness, s Session)
	}{
		{"explicit stop", 3, func(h *harness, _ Session) { _, _ = h.mgr.Stop(context.Background(), "") }},
		{"stop by id", 1, func(h *harness, s Session) { _, _ = h.mgr.StopSession(context.Background(), s.ID, ReasonCompleted) }},
		{"navigation", 5, func(h *harness, s Session) { h.mgr.OnNavigationStart(context.Background(), s.TargetTabID) }},
		{"tab removed", 0, func(h *harness, s Session) { h.mgr.OnTabRemoved(context.Background(), s.TargetTabID) }},
		{"paused then stop", 2, func(h *harness, _ Session) {
			_, _ = h.mgr.Pause(context.Background())
			_, _ = h.mgr.Stop(context.Background(), "")
		}},
	}

	for _, tt := range sequences {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			sess, _ := h.running(t, "T1")
			for i := 0; i < tt.progress; i++ {
				h.clock.Advance(time.Second)
				if err := h.mgr.Progress(context.Background(), sess.ID, Stats{TestedCount: i + 1}); err != nil {
					t.Fatalf("progress %d: %v", i, err)
				}
			}
			tt.stopper(h, sess)

			if h.record(t).InProgress {
				t.Fatal("expected testingState.inProgress false")
			}
			if got := h.mgr.Snapshot().State; got != Idle {
				t.Fatalf("expected idle, got %s", got)
			}
			last, ok := h.mgr.LastEnded()
			if !ok || last.State != Stopped || last.ID != sess.ID {
				t.Fatalf("expected stopped session recorded, got %+v", last)
			}
		})
	}
}

func TestStopNotifiesTabWithoutWaiting(t *testing.T) {
	h := newHarness(t, Options{})
	sess, a := h.running(t, "T1")
	block := make(chan struct{})
	defer close(block)
	a.onReply = func(msg messaging.Message) messaging.Reply {
		if msg.Action == messaging.ActionStopSession {
			<-block
		}
		return messaging.OK(nil)
	}

	done := make(chan struct{})
	go func() {
		_, _ = h.mgr.Stop(context.Background(), "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on the tab")
	}
	msg := a.waitFor(t, messaging.ActionStopSession)
	if msg.SessionID != sess.ID {
		t.Fatalf("expected stop for %s, got %s", sess.ID, msg.SessionID)
	}
}

func TestStopIsNoOpWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	sess, _ := h.running(t, "T1")
	h.mgr.OnNavigationStart(context.Background(), "T1")

	if _, err := h.mgr.Stop(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected stop after navigation to be a no-op, got %v", err)
	}
	last, _ := h.mgr.LastEnded()
	if last.ID != sess.ID || last.EndReason != ReasonNavigation {
		t.Fatalf("navigation should have won, got %+v", last)
	}
}

func TestNavigationOnlyEndsRunningOrPausedTarget(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.agent("T1")
	sess, err := h.mgr.Start(ctx, "T1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.mgr.OnNavigationStart(ctx, "T1")
	if h.mgr.Snapshot().State != Starting {
		t.Fatal("navigation while starting must not end the session")
	}
	_ = h.mgr.MarkStarted(ctx, sess.ID)

	h.mgr.OnNavigationStart(ctx, "T2")
	if h.mgr.Snapshot().State != Running {
		t.Fatal("navigation on another tab must not end the session")
	}

	h.mgr.OnNavigationStart(ctx, "T1")
	if h.mgr.Snapshot().State != Idle {
		t.Fatal("navigation on target tab must end the session")
	}
}

func TestPauseResumeForwarded(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, a := h.running(t, "T1")

	sess, err := h.mgr.Pause(ctx)
	if err != nil || sess.State != Paused {
		t.Fatalf("pause: %+v %v", sess, err)
	}
	a.waitFor(t, messaging.ActionPauseSession)
	if _, err := h.mgr.Pause(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double pause, got %v", err)
	}

	sess, err = h.mgr.Resume(ctx)
	if err != nil || sess.State != Running {
		t.Fatalf("resume: %+v %v", sess, err)
	}
	a.waitFor(t, messaging.ActionResumeSession)
}

func TestPauseWithoutSession(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.mgr.Pause(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestPauseUnreachableTabNormalizes(t *testing.T) {
	h := newHarness(t, Options{})
	_, a := h.running(t, "T1")
	a.clearBus()

	if _, err := h.mgr.Pause(context.Background()); !errors.Is(err, messaging.ErrNoListener) {
		t.Fatalf("expected ErrNoListener, got %v", err)
	}
	if h.mgr.Snapshot().State != Idle {
		t.Fatal("expected idle after failed forward")
	}
	last, _ := h.mgr.LastEnded()
	if last.EndReason != ReasonUnreachable {
		t.Fatalf("expected %s, got %s", ReasonUnreachable, last.EndReason)
	}
}

func TestProgressRejectsForeignSession(t *testing.T) {
	h := newHarness(t, Options{})
	sess, _ := h.running(t, "T1")
	ctx := context.Background()

	if err := h.mgr.Progress(ctx, "nope", Stats{TestedCount: 9}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	h.clock.Advance(3 * time.Second)
	if err := h.mgr.Progress(ctx, sess.ID, Stats{TestedCount: 2, APIErrorCount: 1}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	rec := h.record(t)
	if rec.LastProgressAt != h.clock.Now().UnixMilli() {
		t.Fatalf("expected lastProgressAt updated, got %d", rec.LastProgressAt)
	}
	var stats Stats
	_, _ = h.kv.Get(ctx, store.KeyTestStats, &stats)
	if stats.TestedCount != 2 || stats.APIErrorCount != 1 {
		t.Fatalf("unexpected persisted stats %+v", stats)
	}
}

func TestLogCapDropsOldest(t *testing.T) {
	h := newHarness(t, Options{MaxLogEntries: 3})
	sess, _ := h.running(t, "T1")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := h.mgr.AppendLog(ctx, sess.ID, LogEntry{Message: fmt.Sprintf("line %d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	logs := h.mgr.Logs()
	if len(logs) != 3 || logs[0].Message != "line 2" || logs[2].Message != "line 4" {
		t.Fatalf("unexpected logs %+v", logs)
	}
	if logs[0].Type != "info" || logs[0].Timestamp == 0 {
		t.Fatalf("expected defaults filled, got %+v", logs[0])
	}
	var persisted []LogEntry
	_, _ = h.kv.Get(ctx, store.KeyTestLogs, &persisted)
	if len(persisted) != 3 || persisted[0].Message != "line 2" {
		t.Fatalf("unexpected persisted logs %+v", persisted)
	}
}

func TestClearState(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	sess, _ := h.running(t, "T1")
	_ = h.mgr.AppendLog(ctx, sess.ID, LogEntry{Message: "x"})
	_ = h.kv.Set(ctx, store.KeyLastTestReport, map[string]int{"tested": 1})

	if err := h.mgr.ClearState(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if h.mgr.Snapshot().State != Idle {
		t.Fatal("expected idle")
	}
	for _, key := range []string{store.KeyTestingState, store.KeyTestLogs, store.KeyLastTestReport} {
		if raw, _ := h.kv.GetRaw(ctx, key); raw != nil {
			t.Errorf("expected %s removed, got %s", key, raw)
		}
	}
	if _, ok := h.mgr.LastEnded(); ok {
		t.Error("expected last ended session forgotten")
	}
}

func TestSubscribeReceivesSnapshotFirst(t *testing.T) {
	h := newHarness(t, Options{})
	sess, _ := h.running(t, "T1")

	events, unsubscribe := h.mgr.Subscribe(8)
	defer unsubscribe()

	first := <-events
	if first.Kind != EventSnapshot || first.Session.ID != sess.ID || first.Session.State != Running {
		t.Fatalf("expected snapshot of running session first, got %+v", first)
	}

	_ = h.mgr.Progress(context.Background(), sess.ID, Stats{TestedCount: 1})
	select {
	case evt := <-events:
		if evt.Kind != EventProgress || evt.Stats.TestedCount != 1 {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress event")
	}

	_, _ = h.mgr.Stop(context.Background(), "")
	evt := <-events
	if evt.Kind != EventTransition || evt.Session.State != Stopped {
		t.Fatalf("expected stopped transition, got %+v", evt)
	}
}

func TestRouterHandlers(t *testing.T) {
	h := newHarness(t, Options{})
	r := messaging.NewRouter()
	h.mgr.Register(r)
	unregister := h.bus.Register(messaging.BackgroundEndpoint, r.Serve)
	defer unregister()
	h.agent("T1")
	ctx := context.Background()

	start, _ := messaging.NewMessage(messaging.ActionStartSession, "", "", map[string]string{"tabId": "T1", "goal": "g"})
	reply, err := h.bus.Send(ctx, messaging.BackgroundEndpoint, start)
	if err != nil || !reply.OK {
		t.Fatalf("start via router: %+v %v", reply, err)
	}
	var sess Session
	_ = reply.Decode(&sess)

	started, _ := messaging.NewMessage(messaging.ActionSessionStarted, "T1", sess.ID, nil)
	if reply, err := h.bus.Send(ctx, messaging.BackgroundEndpoint, started); err != nil || !reply.OK {
		t.Fatalf("sessionStarted: %+v %v", reply, err)
	}

	progress, _ := messaging.NewMessage(messaging.ActionProgressUpdate, "T1", sess.ID, Stats{TestedCount: 7})
	if reply, err := h.bus.Send(ctx, messaging.BackgroundEndpoint, progress); err != nil || !reply.OK {
		t.Fatalf("progress: %+v %v", reply, err)
	}

	getState, _ := messaging.NewMessage(messaging.ActionGetState, "", "", nil)
	reply, err = h.bus.Send(ctx, messaging.BackgroundEndpoint, getState)
	if err != nil {
		t.Fatalf("getState: %v", err)
	}
	var status StatusPayload
	if err := reply.Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Session.State != Running || status.Stats.TestedCount != 7 {
		t.Fatalf("unexpected status %+v", status)
	}

	unknown := messaging.Message{Action: "frobnicate"}
	reply, err = h.bus.Send(ctx, messaging.BackgroundEndpoint, unknown)
	if err != nil || reply.OK || reply.Error != "" {
		t.Fatalf("unknown action should be ignored, got %+v %v", reply, err)
	}

	stop, _ := messaging.NewMessage(messaging.ActionStopSession, "T1", sess.ID, map[string]string{"reason": ReasonCompleted})
	if reply, err := h.bus.Send(ctx, messaging.BackgroundEndpoint, stop); err != nil || !reply.OK {
		t.Fatalf("stop: %+v %v", reply, err)
	}
	last, _ := h.mgr.LastEnded()
	if last.EndReason != ReasonCompleted {
		t.Fatalf("expected completed, got %q", last.EndReason)
	}
}

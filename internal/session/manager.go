package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/store"
)

// Manager owns the session state machine. mu guards in-memory state and is
// never held across store or transport calls; ioMu orders store writes so
// the persisted record always reflects the latest state at write time.
type Manager struct {
	kv        KV
	transport Transport
	opts      Options

	mu         sync.Mutex
	cur        Session
	last       Session
	stats      Stats
	logs       []LogEntry
	resetHooks []func(sessionID string)
	subs       map[int]chan Event
	nextSub    int

	ioMu sync.Mutex
}

func NewManager(kv KV, transport Transport, opts Options) *Manager {
	return &Manager{
		kv:        kv,
		transport: transport,
		opts:      opts.withDefaults(),
		cur:       Session{State: Idle},
		subs:      make(map[int]chan Event),
	}
}

// OnReset registers a hook run whenever a new session clears previous data.
func (m *Manager) OnReset(hook func(sessionID string)) {
	m.mu.Lock()
	m.resetHooks = append(m.resetHooks, hook)
	m.mu.Unlock()
}

// Snapshot returns the current session. State may change immediately after.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// LastEnded returns the most recently stopped session, if any.
func (m *Manager) LastEnded() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.last.ID != ""
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) Logs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

// Start moves Idle to Starting on tabID and asks the tab to begin. The
// session only reaches Running once the tab reports sessionStarted.
func (m *Manager) Start(ctx context.Context, tabID, goal string) (Session, error) {
	if tabID == "" {
		return Session{}, errors.New("tab id is required")
	}

	m.mu.Lock()
	if m.cur.State.Active() {
		active := m.cur
		m.mu.Unlock()
		return active, fmt.Errorf("start on %s: %w (session %s on %s)", tabID, ErrSessionActive, active.ID, active.TargetTabID)
	}
	now := m.opts.Now()
	m.cur = Session{
		ID:             uuid.NewString(),
		TargetTabID:    tabID,
		State:          Starting,
		Goal:           goal,
		StartedAt:      now,
		LastProgressAt: now,
	}
	m.stats = Stats{}
	m.logs = nil
	started := m.cur
	hooks := append([]func(string){}, m.resetHooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(started.ID)
	}

	if err := m.kv.Delete(ctx, store.KeyTestData); err != nil {
		log.Printf("[session:%s] clear test data: %v", started.ID, err)
	}
	m.persistAll(ctx)

	if tr := m.opts.Tracer; tr != nil {
		if err := tr.Start(started.ID); err != nil {
			log.Printf("[session:%s] trace start: %v", started.ID, err)
		}
	}
	m.trace("transition", started.ID, map[string]interface{}{"to": Starting, "tab": tabID, "goal": goal})
	log.Printf("[session:%s] starting on tab %s", started.ID, tabID)
	m.publish(EventTransition, nil)

	msg, err := messaging.NewMessage(messaging.ActionStartSession, tabID, started.ID, map[string]string{"goal": goal})
	if err != nil {
		m.normalize(ctx, started.ID, ReasonStartFailed)
		return Session{}, err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	reply, err := m.transport.Send(sendCtx, tabID, msg)
	cancel()
	if err == nil && !reply.OK {
		err = fmt.Errorf("tab %s refused start: %s", tabID, reply.Error)
	}
	if err != nil {
		m.normalize(ctx, started.ID, ReasonStartFailed)
		return Session{}, fmt.Errorf("start session on %s: %w", tabID, err)
	}
	return m.Snapshot(), nil
}

// MarkStarted applies the tab's confirmation that its loop began.
func (m *Manager) MarkStarted(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.cur.ID != sessionID || m.cur.State != Starting {
		state := m.cur.State
		m.mu.Unlock()
		return fmt.Errorf("sessionStarted for %s in state %s: %w", sessionID, state, ErrNoSession)
	}
	m.cur.State = Running
	m.cur.LastProgressAt = m.opts.Now()
	m.mu.Unlock()

	m.persistState(ctx)
	m.trace("transition", sessionID, map[string]interface{}{"to": Running})
	log.Printf("[session:%s] running", sessionID)
	m.publish(EventTransition, nil)
	return nil
}

func (m *Manager) Pause(ctx context.Context) (Session, error) {
	return m.toggle(ctx, Running, Paused, messaging.ActionPauseSession)
}

func (m *Manager) Resume(ctx context.Context) (Session, error) {
	return m.toggle(ctx, Paused, Running, messaging.ActionResumeSession)
}

func (m *Manager) toggle(ctx context.Context, from, to State, action messaging.Action) (Session, error) {
	m.mu.Lock()
	if !m.cur.State.Active() {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%s: %w", action, ErrNoSession)
	}
	if m.cur.State != from {
		state := m.cur.State
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%s from %s: %w", action, state, ErrInvalidState)
	}
	m.cur.State = to
	cur := m.cur
	m.mu.Unlock()

	m.persistState(ctx)
	m.trace("transition", cur.ID, map[string]interface{}{"to": to})
	m.publish(EventTransition, nil)

	msg, err := messaging.NewMessage(action, cur.TargetTabID, cur.ID, nil)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
		_, err = m.transport.Send(sendCtx, cur.TargetTabID, msg)
		cancel()
	}
	if err != nil {
		log.Printf("[session:%s] %s not delivered: %v", cur.ID, action, err)
		m.normalize(ctx, cur.ID, ReasonUnreachable)
		return Session{}, fmt.Errorf("%s: %w", action, err)
	}
	return m.Snapshot(), nil
}

// Stop ends whatever session is active. The tab is told best-effort and the
// manager does not wait for it.
func (m *Manager) Stop(ctx context.Context, reason string) (Session, error) {
	return m.stop(ctx, "", reason)
}

// StopSession ends sessionID only if it is still the active session.
func (m *Manager) StopSession(ctx context.Context, sessionID, reason string) (Session, error) {
	return m.stop(ctx, sessionID, reason)
}

// OnNavigationStart ends a Running or Paused session whose tab began loading.
func (m *Manager) OnNavigationStart(ctx context.Context, tabID string) {
	m.mu.Lock()
	match := m.cur.TargetTabID == tabID && (m.cur.State == Running || m.cur.State == Paused)
	id := m.cur.ID
	m.mu.Unlock()
	if !match {
		return
	}
	if _, err := m.stop(ctx, id, ReasonNavigation); err == nil {
		log.Printf("[session:%s] tab %s navigated; session ended", id, tabID)
	}
}

// OnTabRemoved ends any active session on tabID.
func (m *Manager) OnTabRemoved(ctx context.Context, tabID string) {
	m.mu.Lock()
	match := m.cur.TargetTabID == tabID && m.cur.State.Active()
	id := m.cur.ID
	m.mu.Unlock()
	if !match {
		return
	}
	if _, err := m.stop(ctx, id, ReasonTabClosed); err == nil {
		log.Printf("[session:%s] tab %s closed; session ended", id, tabID)
	}
}

func (m *Manager) stop(ctx context.Context, sessionID, reason string) (Session, error) {
	if reason == "" {
		reason = ReasonStopped
	}
	m.mu.Lock()
	if !m.cur.State.Active() || (sessionID != "" && m.cur.ID != sessionID) {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("stop %s: %w", sessionID, ErrNoSession)
	}
	ended := m.cur
	ended.State = Stopped
	ended.EndReason = reason
	ended.EndedAt = m.opts.Now()
	m.last = ended
	m.cur = Session{State: Idle}
	m.mu.Unlock()

	m.persistState(ctx)
	m.trace("transition", ended.ID, map[string]interface{}{"to": Stopped, "reason": reason})
	log.Printf("[session:%s] stopped (%s)", ended.ID, reason)
	m.publish(EventTransition, nil)
	if tr := m.opts.Tracer; tr != nil {
		_ = tr.Close()
	}

	msg, err := messaging.NewMessage(messaging.ActionStopSession, ended.TargetTabID, ended.ID, map[string]string{"reason": reason})
	if err == nil {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CommandTimeout)
		err = m.transport.Post(postCtx, ended.TargetTabID, msg)
		cancel()
	}
	if err != nil && !errors.Is(err, messaging.ErrNoListener) {
		log.Printf("[session:%s] stop notification: %v", ended.ID, err)
	}
	return ended, nil
}

// Progress records new stats from the tab running sessionID.
func (m *Manager) Progress(ctx context.Context, sessionID string, stats Stats) error {
	m.mu.Lock()
	if m.cur.ID != sessionID || !m.cur.State.Active() {
		m.mu.Unlock()
		return fmt.Errorf("progress for %s: %w", sessionID, ErrNoSession)
	}
	m.stats = stats
	m.cur.LastProgressAt = m.opts.Now()
	m.mu.Unlock()

	m.persistState(ctx)
	m.persistStats(ctx)
	m.publish(EventProgress, nil)
	return nil
}

// AppendLog adds a log line for sessionID, dropping the oldest past the cap.
func (m *Manager) AppendLog(ctx context.Context, sessionID string, entry LogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = m.opts.Now().UnixMilli()
	}
	if entry.Type == "" {
		entry.Type = "info"
	}
	m.mu.Lock()
	if m.cur.ID != sessionID || !m.cur.State.Active() {
		m.mu.Unlock()
		return fmt.Errorf("log for %s: %w", sessionID, ErrNoSession)
	}
	m.logs = append(m.logs, entry)
	if over := len(m.logs) - m.opts.MaxLogEntries; over > 0 {
		m.logs = append([]LogEntry(nil), m.logs[over:]...)
	}
	m.mu.Unlock()

	m.persistLogs(ctx)
	m.trace("log", sessionID, entry)
	m.publish(EventLog, &entry)
	return nil
}

// Verify checks that the persisted record's claim of an active session holds:
// the tab must exist and must acknowledge the probe within the bound. Any
// failure normalizes the record to Idle.
func (m *Manager) Verify(ctx context.Context) (Liveness, error) {
	var rec Record
	if _, err := m.kv.Get(ctx, store.KeyTestingState, &rec); err != nil {
		return Liveness{}, fmt.Errorf("read testing state: %w", err)
	}
	res := Liveness{Record: rec}
	if !rec.InProgress {
		res.Reason = "idle"
		return res, nil
	}

	if rec.StartTime > 0 {
		res.Stale = m.opts.Now().Sub(time.UnixMilli(rec.StartTime)) > m.opts.StaleAfter
	}
	if res.Stale {
		log.Printf("[session:%s] record older than %s, probing", rec.SessionID, m.opts.StaleAfter)
	}

	if rec.TabID == "" {
		return m.normalized(ctx, res, "no tab recorded"), nil
	}

	if m.opts.Tabs != nil {
		exists, err := m.opts.Tabs.TabExists(ctx, rec.TabID)
		if err != nil || !exists {
			reason := "tab missing"
			if err != nil {
				reason = fmt.Sprintf("tab lookup failed: %v", err)
			}
			return m.normalized(ctx, res, reason), nil
		}
	}

	msg, err := messaging.NewMessage(messaging.ActionPing, rec.TabID, rec.SessionID, nil)
	if err != nil {
		return m.normalized(ctx, res, err.Error()), nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	reply, err := m.transport.Send(probeCtx, rec.TabID, msg)
	cancel()
	if err != nil {
		return m.normalized(ctx, res, fmt.Sprintf("probe failed: %v", err)), nil
	}
	var ack struct {
		Testing   bool   `json:"testing"`
		SessionID string `json:"sessionId"`
	}
	if err := reply.Decode(&ack); err != nil || !reply.OK || !ack.Testing {
		return m.normalized(ctx, res, "tab reports testing inactive"), nil
	}
	if ack.SessionID != "" && rec.SessionID != "" && ack.SessionID != rec.SessionID {
		return m.normalized(ctx, res, "tab is running a different session"), nil
	}

	m.adopt(ctx, rec)
	res.Active = true
	res.Reason = "acknowledged"
	return res, nil
}

// Recover loads the persisted stats and logs and verifies the persisted
// record. It is meant for process start.
func (m *Manager) Recover(ctx context.Context) (Liveness, error) {
	var stats Stats
	var logs []LogEntry
	if _, err := m.kv.Get(ctx, store.KeyTestStats, &stats); err != nil {
		log.Printf("[session] recover stats: %v", err)
	}
	if _, err := m.kv.Get(ctx, store.KeyTestLogs, &logs); err != nil {
		log.Printf("[session] recover logs: %v", err)
	}
	m.mu.Lock()
	if !m.cur.State.Active() {
		m.stats = stats
		m.logs = logs
	}
	m.mu.Unlock()
	return m.Verify(ctx)
}

// ClearState ends any active session and removes every persisted session record.
func (m *Manager) ClearState(ctx context.Context) error {
	if _, err := m.Stop(ctx, ReasonCleared); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	m.mu.Lock()
	m.stats = Stats{}
	m.logs = nil
	m.last = Session{}
	m.mu.Unlock()

	m.ioMu.Lock()
	err := m.kv.Delete(ctx,
		store.KeyTestingState, store.KeyTestStats, store.KeyTestLogs,
		store.KeyLastTestReport, store.KeyTestData)
	m.ioMu.Unlock()
	if err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	log.Printf("[session] persisted state cleared")
	m.publish(EventCleared, nil)
	return nil
}

// normalized resets a stale record and fills in the result.
func (m *Manager) normalized(ctx context.Context, res Liveness, reason string) Liveness {
	m.normalize(ctx, res.Record.SessionID, ReasonStale)
	log.Printf("[session:%s] stale record on tab %s normalized to idle: %s", res.Record.SessionID, res.Record.TabID, reason)
	res.Active = false
	res.Reason = reason
	return res
}

// normalize is compare-and-reset: it only ends sessionID, and leaves a
// different session started in the meantime untouched.
func (m *Manager) normalize(ctx context.Context, sessionID, reason string) {
	m.mu.Lock()
	other := m.cur.State.Active() && m.cur.ID != sessionID
	mine := m.cur.State.Active() && m.cur.ID == sessionID
	m.mu.Unlock()
	switch {
	case other:
		log.Printf("[session:%s] normalize skipped; session %s is current", sessionID, m.Snapshot().ID)
	case mine:
		_, _ = m.stop(ctx, sessionID, reason)
	default:
		// In memory already idle; the persisted record may still claim activity.
		m.persistState(ctx)
	}
}

// adopt takes over a verified live record when this manager has no session,
// which is the case after a process restart.
func (m *Manager) adopt(ctx context.Context, rec Record) {
	m.mu.Lock()
	if m.cur.State.Active() || rec.SessionID == "" {
		m.mu.Unlock()
		return
	}
	state := rec.State
	if !state.Active() {
		state = Running
	}
	m.cur = Session{
		ID:             rec.SessionID,
		TargetTabID:    rec.TabID,
		State:          state,
		Goal:           rec.Goal,
		StartedAt:      time.UnixMilli(rec.StartTime),
		LastProgressAt: time.UnixMilli(rec.LastProgressAt),
	}
	m.mu.Unlock()
	log.Printf("[session:%s] adopted live session on tab %s", rec.SessionID, rec.TabID)
	m.persistState(ctx)
	m.publish(EventTransition, nil)
}

func (m *Manager) recordLocked() Record {
	if !m.cur.State.Active() {
		return Record{InProgress: false}
	}
	return Record{
		InProgress:     true,
		TabID:          m.cur.TargetTabID,
		StartTime:      m.cur.StartedAt.UnixMilli(),
		SessionID:      m.cur.ID,
		State:          m.cur.State,
		LastProgressAt: m.cur.LastProgressAt.UnixMilli(),
		Goal:           m.cur.Goal,
	}
}

func (m *Manager) persistState(ctx context.Context) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	m.mu.Lock()
	rec := m.recordLocked()
	m.mu.Unlock()
	if err := m.kv.Set(ctx, store.KeyTestingState, rec); err != nil {
		log.Printf("[session:%s] persist state: %v", rec.SessionID, err)
	}
}

func (m *Manager) persistStats(ctx context.Context) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	stats := m.Stats()
	if err := m.kv.Set(ctx, store.KeyTestStats, stats); err != nil {
		log.Printf("[session] persist stats: %v", err)
	}
}

func (m *Manager) persistLogs(ctx context.Context) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()
	logs := m.Logs()
	if err := m.kv.Set(ctx, store.KeyTestLogs, logs); err != nil {
		log.Printf("[session] persist logs: %v", err)
	}
}

func (m *Manager) persistAll(ctx context.Context) {
	m.persistState(ctx)
	m.persistStats(ctx)
	m.persistLogs(ctx)
}

func (m *Manager) trace(eventType, sessionID string, data interface{}) {
	if m.opts.Tracer != nil {
		m.opts.Tracer.Log(eventType, sessionID, data)
	}
}

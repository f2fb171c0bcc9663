// Package orchestrator is the execution side of a test session. One Agent
// runs per tab: it answers control messages on the tab's bus endpoint and
// walks the plan against the page while the session manager keeps score.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"qapilot-mcp-server/internal/browser"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/session"
)

var ErrNoRun = errors.New("no run for session")

// Page is what an agent needs from the tab. *browser.Page satisfies it.
type Page interface {
	formdata.PageReader
	formdata.FormWriter
	Info(ctx context.Context) (url, title string, err error)
	HTML(ctx context.Context) (string, error)
	Interactive(ctx context.Context, limit int) ([]browser.Element, error)
	Activate(ctx context.Context, el browser.Element, value string) browser.Outcome
	SetMarker(ctx context.Context, sessionID string) error
	Marker(ctx context.Context) (string, error)
	ClearMarker(ctx context.Context) error
}

// Planner turns a goal into a plan. *intent.Translator satisfies it.
type Planner interface {
	Translate(ctx context.Context, goal string, page intent.PageContext) intent.TestPlan
}

// KV receives the finished report.
type KV interface {
	Set(ctx context.Context, key string, value any) error
}

// TrafficSource exposes the API traffic of the tab. *browser.Traffic
// satisfies it.
type TrafficSource interface {
	APIErrors() int
	Samples() []mangle.Request
}

// FailureSource derives failed API calls. *mangle.Engine satisfies it.
type FailureSource interface {
	FailedCalls(ctx context.Context) ([]mangle.FailedCall, error)
}

// Deps are shared by every agent. Forms, Traffic and Facts may be nil.
type Deps struct {
	Transport   session.Transport
	Planner     Planner
	Forms       *formdata.Context
	KV          KV
	Traffic     TrafficSource
	Facts       FailureSource
	SampleCap   int
	SendTimeout time.Duration
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.SampleCap <= 0 {
		d.SampleCap = browser.DefaultSampleCap
	}
	if d.SendTimeout <= 0 {
		d.SendTimeout = 5 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// run is one session executing on the tab.
type run struct {
	id     string
	goal   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	paused bool
	resume chan struct{}
	reason string
	// marked is set once the page carries the session marker.
	marked bool
}

func (r *run) stop(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) setMarked() {
	r.mu.Lock()
	r.marked = true
	r.mu.Unlock()
}

func (r *run) isMarked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marked
}

func (r *run) stopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Agent is the execution context of one tab.
type Agent struct {
	tabID string
	page  Page
	deps  Deps

	mu  sync.Mutex
	cur *run
}

func NewAgent(tabID string, page Page, deps Deps) *Agent {
	return &Agent{tabID: tabID, page: page, deps: deps.withDefaults()}
}

func (a *Agent) TabID() string { return a.tabID }

// Running returns the id of the session being executed, if any.
func (a *Agent) Running() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return "", false
	}
	return a.cur.id, true
}

// Register installs the tab-side handlers on r.
func (a *Agent) Register(r *messaging.Router) {
	r.Handle(messaging.ActionStartSession, a.handleStart)
	r.Handle(messaging.ActionPauseSession, func(_ context.Context, msg messaging.Message) messaging.Reply {
		return a.setPaused(msg.SessionID, true)
	})
	r.Handle(messaging.ActionResumeSession, func(_ context.Context, msg messaging.Message) messaging.Reply {
		return a.setPaused(msg.SessionID, false)
	})
	r.Handle(messaging.ActionStopSession, a.handleStop)
	r.Handle(messaging.ActionPing, a.handlePing)
}

// Attach serves the agent at its tab endpoint on bus. The returned func
// detaches it.
func (a *Agent) Attach(bus *messaging.Bus) func() {
	r := messaging.NewRouter()
	a.Register(r)
	return bus.Register(a.tabID, r.Serve)
}

// Wait blocks until the current run, if any, has written its report.
func (a *Agent) Wait() {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur != nil {
		<-cur.done
	}
}

// Shutdown cancels the current run and waits for it.
func (a *Agent) Shutdown(reason string) {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur != nil {
		cur.stop(reason)
		<-cur.done
	}
}

type startPayload struct {
	Goal string `json:"goal"`
}

// handleStart acknowledges at once; planning and the loop run in the
// background and report sessionStarted when the plan is ready.
func (a *Agent) handleStart(_ context.Context, msg messaging.Message) messaging.Reply {
	if msg.SessionID == "" {
		return messaging.Fail(errors.New("startSession without session id"))
	}
	var p startPayload
	if err := msg.Decode(&p); err != nil {
		return messaging.Fail(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{id: msg.SessionID, goal: p.Goal, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	prev := a.cur
	a.cur = r
	a.mu.Unlock()
	if prev != nil {
		log.Printf("[tab:%s] session %s superseded by %s", a.tabID, prev.id, r.id)
		prev.stop(session.ReasonStopped)
	}

	go func() {
		if prev != nil {
			<-prev.done
		}
		a.execute(r)
	}()
	return messaging.OK(map[string]bool{"accepted": true})
}

func (a *Agent) handleStop(_ context.Context, msg messaging.Message) messaging.Reply {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = msg.Decode(&p)
	if p.Reason == "" {
		p.Reason = session.ReasonStopped
	}
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil || (msg.SessionID != "" && msg.SessionID != cur.id) {
		return messaging.OK(nil)
	}
	log.Printf("[tab:%s] stop requested for %s (%s)", a.tabID, cur.id, p.Reason)
	cur.stop(p.Reason)
	return messaging.OK(nil)
}

func (a *Agent) setPaused(sessionID string, paused bool) messaging.Reply {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil || (sessionID != "" && sessionID != cur.id) {
		return messaging.Fail(fmt.Errorf("%s: %w", sessionID, ErrNoRun))
	}
	cur.mu.Lock()
	switch {
	case paused && !cur.paused:
		cur.paused = true
		cur.resume = make(chan struct{})
	case !paused && cur.paused:
		cur.paused = false
		close(cur.resume)
	}
	cur.mu.Unlock()
	return messaging.OK(nil)
}

// handlePing reports testing only while this agent executes the session and
// the page still carries its marker. A reloaded document has lost it. A run
// that has not placed its marker yet counts as testing.
func (a *Agent) handlePing(ctx context.Context, _ messaging.Message) messaging.Reply {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil || cur.ctx.Err() != nil {
		return messaging.OK(map[string]interface{}{"testing": false})
	}
	if !cur.isMarked() {
		return messaging.OK(map[string]interface{}{"testing": true, "sessionId": cur.id})
	}
	marker, err := a.page.Marker(ctx)
	if err != nil || marker != cur.id {
		return messaging.OK(map[string]interface{}{"testing": false})
	}
	return messaging.OK(map[string]interface{}{"testing": true, "sessionId": cur.id})
}

func (a *Agent) finish(r *run) {
	a.mu.Lock()
	if a.cur == r {
		a.cur = nil
	}
	a.mu.Unlock()
	r.cancel()
	close(r.done)
}

// send delivers msg to the session manager and fails on a negative reply.
func (a *Agent) send(ctx context.Context, action messaging.Action, sessionID string, payload any) error {
	msg, err := messaging.NewMessage(action, a.tabID, sessionID, payload)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.deps.SendTimeout)
	defer cancel()
	reply, err := a.deps.Transport.Send(sendCtx, messaging.BackgroundEndpoint, msg)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s rejected: %s", action, reply.Error)
	}
	return nil
}

func (a *Agent) logf(r *run, typ, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	log.Printf("[tab:%s] %s", a.tabID, text)
	entry := session.LogEntry{Message: text, Type: typ, Timestamp: a.deps.Now().UnixMilli()}
	if err := a.send(r.ctx, messaging.ActionLogAppend, r.id, entry); err != nil {
		log.Printf("[tab:%s] logAppend: %v", a.tabID, err)
	}
}

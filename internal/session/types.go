// Package session is the single authority for whether a test is running, on
// which tab, and since when. It persists its record to the shared key-value
// store so a restarted process or a reattached UI can reconcile against it.
package session

import (
	"context"
	"errors"
	"time"

	"qapilot-mcp-server/internal/messaging"
)

type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Paused   State = "paused"
	Stopped  State = "stopped"
)

// Active reports whether s counts against the one-session limit.
func (s State) Active() bool {
	return s == Starting || s == Running || s == Paused
}

// End reasons recorded on stopped sessions.
const (
	ReasonStopped     = "stopped"
	ReasonCompleted   = "completed"
	ReasonNavigation  = "navigation"
	ReasonTabClosed   = "tab_closed"
	ReasonStartFailed = "start_failed"
	ReasonUnreachable = "tab_unreachable"
	ReasonCleared     = "cleared"
	ReasonStale       = "stale"
)

var (
	ErrSessionActive = errors.New("a test session is already active")
	ErrNoSession     = errors.New("no matching active session")
	ErrInvalidState  = errors.New("transition not allowed from current state")
)

// Session is a snapshot of one test run. Callers get copies.
type Session struct {
	ID             string    `json:"id,omitempty"`
	TargetTabID    string    `json:"targetTabId,omitempty"`
	State          State     `json:"state"`
	Goal           string    `json:"goal,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastProgressAt time.Time `json:"lastProgressAt"`
	EndedAt        time.Time `json:"endedAt"`
	EndReason      string    `json:"endReason,omitempty"`
}

// Record is the persisted testingState. Times are unix milliseconds.
type Record struct {
	InProgress     bool   `json:"inProgress"`
	TabID          string `json:"tabId,omitempty"`
	StartTime      int64  `json:"startTime,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	State          State  `json:"state,omitempty"`
	LastProgressAt int64  `json:"lastProgressAt,omitempty"`
	Goal           string `json:"goal,omitempty"`
}

// Stats is the persisted testStats.
type Stats struct {
	TestedCount   int `json:"testedCount"`
	SuccessCount  int `json:"successCount"`
	FailureCount  int `json:"failureCount"`
	APIErrorCount int `json:"apiErrorCount"`
}

// LogEntry is one element of the persisted testLogs.
type LogEntry struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Liveness is the outcome of Verify.
type Liveness struct {
	Active bool   `json:"active"`
	Stale  bool   `json:"stale"`
	Reason string `json:"reason,omitempty"`
	Record Record `json:"record"`
}

type EventKind string

const (
	EventSnapshot   EventKind = "snapshot"
	EventTransition EventKind = "transition"
	EventProgress   EventKind = "progress"
	EventLog        EventKind = "log"
	EventCleared    EventKind = "cleared"
)

// Event is delivered to subscribers after every change.
type Event struct {
	Kind    EventKind `json:"kind"`
	Session Session   `json:"session"`
	Stats   Stats     `json:"stats"`
	Log     *LogEntry `json:"log,omitempty"`
	Logs    int       `json:"logCount"`
}

// KV is the slice of the durable store the manager needs.
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
}

// Transport reaches tab execution contexts.
type Transport interface {
	Send(ctx context.Context, endpoint string, msg messaging.Message) (messaging.Reply, error)
	Post(ctx context.Context, endpoint string, msg messaging.Message) error
}

// TabResolver confirms a tab handle still refers to an open tab.
type TabResolver interface {
	TabExists(ctx context.Context, tabID string) (bool, error)
}

// Tracer receives a trace line per transition and message.
type Tracer interface {
	Start(sessionID string) error
	Log(eventType, sessionID string, data interface{})
	Close() error
}

// Options tunes a Manager. Zero durations fall back to defaults; nil
// collaborators are skipped.
type Options struct {
	StaleAfter     time.Duration
	ProbeTimeout   time.Duration
	CommandTimeout time.Duration
	MaxLogEntries  int
	Tabs           TabResolver
	Tracer         Tracer
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.MaxLogEntries <= 0 {
		o.MaxLogEntries = 500
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

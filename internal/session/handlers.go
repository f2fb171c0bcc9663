package session

import (
	"context"
	"errors"

	"qapilot-mcp-server/internal/messaging"
)

type startRequest struct {
	TabID string `json:"tabId"`
	Goal  string `json:"goal"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// StatusPayload is the getState reply.
type StatusPayload struct {
	Session   Session  `json:"session"`
	LastEnded *Session `json:"lastEnded,omitempty"`
	Stats     Stats    `json:"stats"`
	LogCount  int      `json:"logCount"`
}

// Status assembles the getState payload.
func (m *Manager) Status() StatusPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := StatusPayload{Session: m.cur, Stats: m.stats, LogCount: len(m.logs)}
	if m.last.ID != "" {
		last := m.last
		out.LastEnded = &last
	}
	return out
}

// Register installs the manager's handlers on r, which is served at
// messaging.BackgroundEndpoint and by UI transports.
func (m *Manager) Register(r *messaging.Router) {
	r.Handle(messaging.ActionStartSession, func(ctx context.Context, msg messaging.Message) messaging.Reply {
		var req startRequest
		if err := msg.Decode(&req); err != nil {
			return messaging.Fail(err)
		}
		if req.TabID == "" {
			req.TabID = msg.TabID
		}
		sess, err := m.Start(ctx, req.TabID, req.Goal)
		if err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(sess)
	})

	r.Handle(messaging.ActionSessionStarted, func(ctx context.Context, msg messaging.Message) messaging.Reply {
		if err := m.MarkStarted(ctx, msg.SessionID); err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(nil)
	})

	r.Handle(messaging.ActionPauseSession, func(ctx context.Context, _ messaging.Message) messaging.Reply {
		sess, err := m.Pause(ctx)
		if err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(sess)
	})

	r.Handle(messaging.ActionResumeSession, func(ctx context.Context, _ messaging.Message) messaging.Reply {
		sess, err := m.Resume(ctx)
		if err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(sess)
	})

	r.Handle(messaging.ActionStopSession, func(ctx context.Context, msg messaging.Message) messaging.Reply {
		var req stopRequest
		_ = msg.Decode(&req)
		// A tab stopping its own session names it; a UI stop does not.
		sess, err := m.StopSession(ctx, msg.SessionID, req.Reason)
		if errors.Is(err, ErrNoSession) {
			return messaging.OK(nil)
		}
		if err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(sess)
	})

	r.Handle(messaging.ActionClearSessionState, func(ctx context.Context, _ messaging.Message) messaging.Reply {
		if err := m.ClearState(ctx); err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(nil)
	})

	r.Handle(messaging.ActionProgressUpdate, func(ctx context.Context, msg messaging.Message) messaging.Reply {
		var stats Stats
		if err := msg.Decode(&stats); err != nil {
			return messaging.Fail(err)
		}
		if err := m.Progress(ctx, msg.SessionID, stats); err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(nil)
	})

	r.Handle(messaging.ActionLogAppend, func(ctx context.Context, msg messaging.Message) messaging.Reply {
		var entry LogEntry
		if err := msg.Decode(&entry); err != nil {
			return messaging.Fail(err)
		}
		if err := m.AppendLog(ctx, msg.SessionID, entry); err != nil {
			return messaging.Fail(err)
		}
		return messaging.OK(nil)
	})

	r.Handle(messaging.ActionGetState, func(_ context.Context, _ messaging.Message) messaging.Reply {
		return messaging.OK(m.Status())
	})

	r.Handle(messaging.ActionPing, func(_ context.Context, _ messaging.Message) messaging.Reply {
		return messaging.OK(map[string]bool{"testing": m.Snapshot().State.Active()})
	})
}

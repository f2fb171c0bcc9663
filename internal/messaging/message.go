// Package messaging carries control messages between the background session
// authority and the per-tab execution contexts.
package messaging

import (
	"encoding/json"
	"fmt"
)

type Action string

const (
	ActionStartSession      Action = "startSession"
	ActionSessionStarted    Action = "sessionStarted"
	ActionPauseSession      Action = "pauseSession"
	ActionResumeSession     Action = "resumeSession"
	ActionStopSession       Action = "stopSession"
	ActionClearSessionState Action = "clearSessionState"
	ActionPing              Action = "ping"
	ActionProgressUpdate    Action = "progressUpdate"
	ActionLogAppend         Action = "logAppend"
	ActionGetState          Action = "getState"
)

// BackgroundEndpoint is where tab contexts address the session authority.
const BackgroundEndpoint = "background"

// Message is the wire shape shared by every transport.
type Message struct {
	Action    Action          `json:"action"`
	TabID     string          `json:"tabId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload (which may be nil) into a Message.
func NewMessage(action Action, tabID, sessionID string, payload any) (Message, error) {
	msg := Message{Action: action, TabID: tabID, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return msg, fmt.Errorf("encode %s payload: %w", action, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into dst. An empty payload leaves dst untouched.
func (m Message) Decode(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Action, err)
	}
	return nil
}

// Reply is the result of handling one message.
type Reply struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK builds a successful reply, encoding payload when present.
func OK(payload any) Reply {
	r := Reply{OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Fail(err)
		}
		r.Payload = raw
	}
	return r
}

// Fail builds an error reply.
func Fail(err error) Reply {
	return Reply{OK: false, Error: err.Error()}
}

// Decode unmarshals the reply payload into dst.
func (r Reply) Decode(dst any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, dst)
}

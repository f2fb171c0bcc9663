package mangle

import (
	"context"
	"fmt"
	"time"
)

// Request is one XHR/fetch exchange as observed on the wire. Status is zero
// until a response arrives; Failure is set when the request never completed.
// Correlation is the backend request or trace id from the response headers.
type Request struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Type        string    `json:"type"`
	Status      int       `json:"status,omitempty"`
	LatencyMs   int64     `json:"latencyMs,omitempty"`
	Failure     string    `json:"failure,omitempty"`
	Correlation string    `json:"correlation,omitempty"`
	At          time.Time `json:"at"`
}

// IsAPIError is true for HTTP errors and transport failures.
func (r Request) IsAPIError() bool {
	return r.Status >= 400 || r.Failure != ""
}

func RequestFact(r Request) Fact {
	return Fact{
		Predicate: PredRequest,
		Args:      []interface{}{r.ID, r.Method, r.URL, r.Type, r.At.UnixMilli()},
		Timestamp: r.At,
	}
}

// ResponseFacts yields net_response and, for status >= 400, api_error.
func ResponseFacts(id string, status int, latencyMs int64, at time.Time) []Fact {
	facts := []Fact{{
		Predicate: PredResponse,
		Args:      []interface{}{id, int64(status), latencyMs, at.UnixMilli()},
		Timestamp: at,
	}}
	if status >= 400 {
		facts = append(facts, Fact{
			Predicate: PredAPIError,
			Args:      []interface{}{id, int64(status), at.UnixMilli()},
			Timestamp: at,
		})
	}
	return facts
}

func FailedFact(id, reason string, at time.Time) Fact {
	return Fact{
		Predicate: PredFailed,
		Args:      []interface{}{id, reason, at.UnixMilli()},
		Timestamp: at,
	}
}

// FailedCall is one row of failed_api_call.
type FailedCall struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Cause  string `json:"cause"`
}

// FailedCalls evaluates failed_api_call. A disabled engine returns nil.
func (e *Engine) FailedCalls(ctx context.Context) ([]FailedCall, error) {
	if !e.Ready() {
		return nil, nil
	}
	facts, err := e.Evaluate(ctx, PredFailedAPICall)
	if err != nil {
		return nil, err
	}
	out := make([]FailedCall, 0, len(facts))
	for _, f := range facts {
		if len(f.Args) != 4 {
			continue
		}
		out = append(out, FailedCall{
			ID:     fmt.Sprint(f.Args[0]),
			Method: fmt.Sprint(f.Args[1]),
			URL:    fmt.Sprint(f.Args[2]),
			Cause:  fmt.Sprint(f.Args[3]),
		})
	}
	return out, nil
}

package browser

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"qapilot-mcp-server/internal/correlation"
	"qapilot-mcp-server/internal/mangle"
)

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// DefaultSampleCap bounds the traffic samples kept for the report.
const DefaultSampleCap = 50

// Traffic tracks XHR/fetch exchanges of the tab under test. It feeds the
// fact engine and counts API errors. Safe for concurrent use.
type Traffic struct {
	sink EngineSink
	cap  int

	mu        sync.Mutex
	inflight  map[string]*mangle.Request
	samples   []mangle.Request
	apiErrors int
	total     int
	onError   func(mangle.Request)
}

// NewTraffic returns a tracker. sink may be nil; sampleCap <= 0 uses
// DefaultSampleCap.
func NewTraffic(sink EngineSink, sampleCap int) *Traffic {
	if sampleCap <= 0 {
		sampleCap = DefaultSampleCap
	}
	return &Traffic{sink: sink, cap: sampleCap, inflight: make(map[string]*mangle.Request)}
}

// OnAPIError registers a callback fired once per failed exchange.
func (t *Traffic) OnAPIError(fn func(mangle.Request)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

// Reset forgets everything. Called at session start.
func (t *Traffic) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[string]*mangle.Request)
	t.samples = nil
	t.apiErrors = 0
	t.total = 0
}

// IsAPIResource reports whether a CDP resource type is API traffic.
func IsAPIResource(resourceType string) bool {
	switch strings.ToLower(resourceType) {
	case "xhr", "fetch":
		return true
	}
	return false
}

// Request records a request about to be sent.
func (t *Traffic) Request(ctx context.Context, r mangle.Request) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	t.mu.Lock()
	t.inflight[r.ID] = &r
	t.total++
	t.mu.Unlock()
	t.emit(ctx, []mangle.Fact{mangle.RequestFact(r)})
}

// Response completes a tracked request. Unknown ids are ignored.
func (t *Traffic) Response(ctx context.Context, id string, status int, at time.Time) {
	t.mu.Lock()
	r, ok := t.inflight[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.inflight, id)
	r.Status = status
	r.LatencyMs = at.Sub(r.At).Milliseconds()
	done := *r
	hook := t.finishLocked(done)
	t.mu.Unlock()

	t.emit(ctx, mangle.ResponseFacts(id, status, done.LatencyMs, at))
	if hook != nil {
		hook(done)
	}
}

// Correlate tags an in-flight request with the strongest backend id found in
// its response headers. Call it before Response.
func (t *Traffic) Correlate(id string, headers map[string]string) {
	key := correlation.Best(headers).String()
	if key == "" {
		return
	}
	t.mu.Lock()
	if r, ok := t.inflight[id]; ok {
		r.Correlation = key
	}
	t.mu.Unlock()
}

// Failed completes a tracked request that never got a response.
func (t *Traffic) Failed(ctx context.Context, id, reason string, at time.Time) {
	t.mu.Lock()
	r, ok := t.inflight[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.inflight, id)
	if reason == "" {
		reason = "failed"
	}
	r.Failure = reason
	r.LatencyMs = at.Sub(r.At).Milliseconds()
	done := *r
	hook := t.finishLocked(done)
	t.mu.Unlock()

	t.emit(ctx, []mangle.Fact{mangle.FailedFact(id, reason, at)})
	if hook != nil {
		hook(done)
	}
}

func (t *Traffic) finishLocked(r mangle.Request) func(mangle.Request) {
	if len(t.samples) < t.cap {
		t.samples = append(t.samples, r)
	}
	if !r.IsAPIError() {
		return nil
	}
	t.apiErrors++
	return t.onError
}

// APIErrors is the number of failed exchanges since the last reset.
func (t *Traffic) APIErrors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apiErrors
}

// Total is the number of requests seen since the last reset.
func (t *Traffic) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Samples returns the first completed exchanges, up to the cap.
func (t *Traffic) Samples() []mangle.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mangle.Request(nil), t.samples...)
}

func (t *Traffic) emit(ctx context.Context, facts []mangle.Fact) {
	if t.sink == nil {
		return
	}
	if err := t.sink.AddFacts(ctx, facts); err != nil {
		log.Printf("[traffic] fact error: %v", err)
	}
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/recorder"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"
)

type GetTestReportTool struct {
	store *store.Store
}

func (t *GetTestReportTool) Name() string { return "get-test-report" }
func (t *GetTestReportTool) Description() string {
	return `Read the quality report of the last finished (or stopped) session.

The report carries url, title, timing, end reason, plan, stats, success rate,
per-element outcomes, form fill results, API samples and failed API calls.
Generated field values are never included.

Returns: {found, report}`
}
func (t *GetTestReportTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *GetTestReportTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	raw, err := t.store.GetRaw(ctx, store.KeyLastTestReport)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]interface{}{"found": false}, nil
	}
	return map[string]interface{}{"found": true, "report": raw}, nil
}

type GetTestLogsTool struct {
	sessions *session.Manager
}

func (t *GetTestLogsTool) Name() string { return "get-test-logs" }
func (t *GetTestLogsTool) Description() string {
	return `Read the log of the current or most recent session, newest last.

Use type to keep one kind of entry (info, success, warning, error).

Returns: {logs: [{message, type, timestamp}], total}`
}
func (t *GetTestLogsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Most recent entries to return (default 50, max 500)",
			},
			"type": map[string]interface{}{
				"type":        "string",
				"description": "Only entries of this type",
			},
		},
	}
}
func (t *GetTestLogsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := clampLimit(getIntArg(args, "limit", 0), 50, 500)
	typ := getStringArg(args, "type")

	all := t.sessions.Logs()
	logs := make([]session.LogEntry, 0, len(all))
	for _, entry := range all {
		if typ == "" || entry.Type == typ {
			logs = append(logs, entry)
		}
	}
	matched := len(logs)
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return map[string]interface{}{"logs": logs, "total": len(all), "matched": matched}, nil
}

type GetSessionTraceTool struct {
	recorder *recorder.Recorder
	sessions *session.Manager
}

func (t *GetSessionTraceTool) Name() string { return "get-session-trace" }
func (t *GetSessionTraceTool) Description() string {
	return `Read the JSONL trace of a session: every transition and message the
session manager handled, in order.

Defaults to the current session, or the last ended one when idle.

Returns: {session_id, path, events: [{seq, ts, type, session_id, data}]}`
}
func (t *GetSessionTraceTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to read (default: current or last ended)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Most recent events to return (default 200, max 2000)",
			},
		},
	}
}
func (t *GetSessionTraceTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.recorder == nil {
		return nil, errors.New("session traces are disabled")
	}
	id := getStringArg(args, "session_id")
	if id == "" {
		id = t.sessions.Snapshot().ID
	}
	if id == "" {
		if last, ok := t.sessions.LastEnded(); ok {
			id = last.ID
		}
	}
	if id == "" {
		return nil, errors.New("no session to read; pass session_id")
	}

	path, ok, err := t.recorder.TraceFor(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no trace on disk for session %s", id)
	}
	events, err := recorder.ReadTrace(path, clampLimit(getIntArg(args, "limit", 0), 200, 2000))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "path": path, "events": events}, nil
}

type FailedAPICallsTool struct {
	engine *mangle.Engine
}

func (t *FailedAPICallsTool) Name() string { return "failed-api-calls" }
func (t *FailedAPICallsTool) Description() string {
	return `List the API calls of the current session that failed: XHR/fetch requests
answered with status >= 400 or that never completed.

Set include_facts to also get the raw traffic facts grouped by predicate
(net_request, net_response, net_failed, api_error).

Returns: {failed: [{id, method, url, cause}], facts?}`
}
func (t *FailedAPICallsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"include_facts": map[string]interface{}{
				"type":        "boolean",
				"description": "Also return buffered traffic facts by predicate",
			},
		},
	}
}
func (t *FailedAPICallsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errors.New("traffic facts are disabled")
	}
	calls, err := t.engine.FailedCalls(ctx)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []mangle.FailedCall{}
	}
	out := map[string]interface{}{"failed": calls, "count": len(calls)}
	if getBoolArg(args, "include_facts", false) {
		out["facts"] = groupFacts(t.engine.Facts())
	}
	return out, nil
}

func groupFacts(facts []mangle.Fact) map[string][]mangle.Fact {
	out := make(map[string][]mangle.Fact)
	for _, f := range facts {
		out[f.Predicate] = append(out[f.Predicate], f)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	}
	return out
}

package mcp

import (
	"context"
	"fmt"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/session"
)

type StartTestTool struct {
	tabs     Tabs
	agents   Agents
	sessions *session.Manager
}

func (t *StartTestTool) Name() string { return "start-test" }
func (t *StartTestTool) Description() string {
	return `Start an autonomous test session on a tab.

The goal is translated into a test plan (AI when enabled, defaults otherwise),
then buttons, links and forms are exercised in plan order until the plan is
exhausted, the timeout fires or stop-test is called.

Only one session can be active at a time. Pass tab_id from list-tabs, or url to
open a new tab first.

Returns: {session: {id, targetTabId, state: "starting", goal, startedAt}}
Poll test-status or get-test-logs to follow progress.`
}
func (t *StartTestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tab_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab to test (from list-tabs)",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Open this URL in a new tab and test it (used when tab_id is empty)",
			},
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "Free-form testing goal, e.g. 'check the checkout form'",
			},
		},
	}
}
func (t *StartTestTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tabID := getStringArg(args, "tab_id")
	goal := getStringArg(args, "goal")
	if tabID == "" {
		url := getStringArg(args, "url")
		if url == "" {
			return nil, fmt.Errorf("tab_id or url is required")
		}
		if t.tabs == nil {
			return nil, errNoBrowser
		}
		if err := checkURL(url); err != nil {
			return nil, err
		}
		tab, err := t.tabs.OpenTab(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", url, err)
		}
		tabID = tab.ID
	}

	if t.agents != nil {
		if _, err := t.agents.Ensure(ctx, tabID); err != nil {
			return nil, fmt.Errorf("attach tab %s: %w", tabID, err)
		}
	}
	sess, err := t.sessions.Start(ctx, tabID, goal)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": sess}, nil
}

type PauseTestTool struct {
	sessions *session.Manager
}

func (t *PauseTestTool) Name() string { return "pause-test" }
func (t *PauseTestTool) Description() string {
	return `Pause the running test session. The element in progress finishes first.

Returns: {session} with state "paused".`
}
func (t *PauseTestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *PauseTestTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sess, err := t.sessions.Pause(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": sess}, nil
}

type ResumeTestTool struct {
	sessions *session.Manager
}

func (t *ResumeTestTool) Name() string { return "resume-test" }
func (t *ResumeTestTool) Description() string {
	return `Resume a paused test session.

Returns: {session} with state "running".`
}
func (t *ResumeTestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ResumeTestTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	sess, err := t.sessions.Resume(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": sess}, nil
}

type StopTestTool struct {
	sessions *session.Manager
}

func (t *StopTestTool) Name() string { return "stop-test" }
func (t *StopTestTool) Description() string {
	return `Stop the active test session. The report written so far is kept and
can be read with get-test-report.

Returns: {session} with state "stopped" and its endReason.`
}
func (t *StopTestTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "End reason recorded on the session (default: stopped)",
			},
		},
	}
}
func (t *StopTestTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	reason := getStringArg(args, "reason")
	if reason == "" {
		reason = session.ReasonStopped
	}
	sess, err := t.sessions.Stop(ctx, reason)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": sess}, nil
}

type TestStatusTool struct {
	sessions *session.Manager
	ai       *ai.Client
}

func (t *TestStatusTool) Name() string { return "test-status" }
func (t *TestStatusTool) Description() string {
	return `Report the current test session, its counters and the AI backend state.

By default the persisted record is verified first: the target tab must still
exist and acknowledge the session, otherwise the record is reset to idle.

Returns: {session, lastEnded, stats, logCount, liveness, ai}`
}
func (t *TestStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"verify": map[string]interface{}{
				"type":        "boolean",
				"description": "Probe the target tab before reporting (default: true)",
			},
		},
	}
}
func (t *TestStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	out := map[string]interface{}{}
	if getBoolArg(args, "verify", true) {
		live, err := t.sessions.Verify(ctx)
		if err != nil {
			return nil, err
		}
		out["liveness"] = live
	}
	status := t.sessions.Status()
	out["session"] = status.Session
	out["stats"] = status.Stats
	out["logCount"] = status.LogCount
	if status.LastEnded != nil {
		out["lastEnded"] = status.LastEnded
	}

	if t.ai != nil {
		aiInfo := map[string]interface{}{"enabled": t.ai.Enabled(ctx)}
		if stats, err := t.ai.Stats(ctx); err == nil {
			aiInfo["stats"] = stats
		}
		out["ai"] = aiInfo
	}
	return out, nil
}

type ClearSessionStateTool struct {
	sessions *session.Manager
}

func (t *ClearSessionStateTool) Name() string { return "clear-session-state" }
func (t *ClearSessionStateTool) Description() string {
	return `Stop any active session and delete every persisted session record
(testingState, testStats, testLogs, lastTestReport, testData).

WHEN TO USE:
- Status is stuck on a session that no longer exists
- Starting over with empty counters

Credentials and AI usage counters are kept.`
}
func (t *ClearSessionStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ClearSessionStateTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.sessions.ClearState(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": t.sessions.Snapshot()}, nil
}

package mcp

import (
	"context"
	"errors"
	"fmt"

	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/orchestrator"
)

type TranslateIntentTool struct {
	translator *intent.Translator
	pages      Pages
}

func (t *TranslateIntentTool) Name() string { return "translate-intent" }
func (t *TranslateIntentTool) Description() string {
	return `Turn a testing goal into a test plan without running it.

Describe the page with tab_id (url, title and a structural summary are read
from the tab) or pass url/title/summary directly. When the AI backend is off
or its answer is unusable the default plan is returned with source "fallback".

Returns: {plan: {intentAnalysis, testStrategy, recommendedConfig, aiInsights, source}, page}`
}
func (t *TranslateIntentTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "Free-form testing goal",
			},
			"tab_id": map[string]interface{}{
				"type":        "string",
				"description": "Read the page context from this tab",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Page URL when no tab_id is given",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Page title when no tab_id is given",
			},
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Page structure summary when no tab_id is given",
			},
		},
		"required": []string{"goal"},
	}
}
func (t *TranslateIntentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.translator == nil {
		return nil, errors.New("intent translator is not configured")
	}
	goal, err := requireString(args, "goal")
	if err != nil {
		return nil, err
	}

	page := intent.PageContext{
		URL:     getStringArg(args, "url"),
		Title:   getStringArg(args, "title"),
		Summary: getStringArg(args, "summary"),
	}
	if tabID := getStringArg(args, "tab_id"); tabID != "" {
		if t.pages == nil {
			return nil, errNoBrowser
		}
		p, err := t.pages.Page(ctx, tabID)
		if err != nil {
			return nil, fmt.Errorf("tab %s: %w", tabID, err)
		}
		page, err = orchestrator.DescribePage(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("tab %s: %w", tabID, err)
		}
	}

	plan := t.translator.Translate(ctx, goal, page)
	return map[string]interface{}{"plan": plan, "page": page}, nil
}

type IntentHistoryTool struct {
	translator *intent.Translator
}

func (t *IntentHistoryTool) Name() string { return "intent-history" }
func (t *IntentHistoryTool) Description() string {
	return `List previous goal translations in this process, newest last, including
why a translation fell back to the default plan.

Returns: {history: [{goal, page, plan, fallbackCause, at}], total}`
}
func (t *IntentHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Most recent entries to return (default 20, max 200)",
			},
		},
	}
}
func (t *IntentHistoryTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.translator == nil {
		return nil, errors.New("intent translator is not configured")
	}
	history := t.translator.History()
	total := len(history)
	if limit := clampLimit(getIntArg(args, "limit", 0), 20, 200); len(history) > limit {
		history = history[len(history)-limit:]
	}
	return map[string]interface{}{"history": history, "total": total}, nil
}

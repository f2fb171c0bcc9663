package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/store"
)

type CapturePageDataTool struct {
	forms *formdata.Context
	pages Pages
}

func (t *CapturePageDataTool) Name() string { return "capture-page-data" }
func (t *CapturePageDataTool) Description() string {
	return `Capture the values shown on a tab into the cross-page data context.

Captured values take precedence over generated ones when later forms are
filled, so capturing a profile page before testing a checkout reuses the
real name and email.

Values are only returned when include_values is true; passwords never are.

Returns: {captured: N, entries: [{key, type, label, value?}]}`
}
func (t *CapturePageDataTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tab_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab to read",
			},
			"include_values": map[string]interface{}{
				"type":        "boolean",
				"description": "Return captured values (default: false)",
			},
		},
		"required": []string{"tab_id"},
	}
}
func (t *CapturePageDataTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.forms == nil {
		return nil, errors.New("form data context is not configured")
	}
	if t.pages == nil {
		return nil, errNoBrowser
	}
	tabID, err := requireString(args, "tab_id")
	if err != nil {
		return nil, err
	}
	page, err := t.pages.Page(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("tab %s: %w", tabID, err)
	}
	n, err := t.forms.CaptureFromPage(ctx, page)
	if err != nil {
		return nil, err
	}

	withValues := getBoolArg(args, "include_values", false)
	captured := t.forms.Captured()
	keys := make([]string, 0, len(captured))
	for k := range captured {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		c := captured[k]
		entry := map[string]interface{}{"key": k, "type": c.Type}
		if c.Label != "" {
			entry["label"] = c.Label
		}
		if withValues && c.Type != "password" {
			entry["value"] = c.Value
		}
		entries = append(entries, entry)
	}
	return map[string]interface{}{"captured": n, "entries": entries}, nil
}

type SetCredentialTool struct {
	store *store.Store
}

func (t *SetCredentialTool) Name() string { return "set-credential" }
func (t *SetCredentialTool) Description() string {
	return `Store the DashScope (Qwen) API key used for goal translation and field
classification, and switch the AI backend on or off.

The key is checked for shape (sk- prefix, length, characters) before it is
saved. It is never echoed back.

To only turn the backend off: {"enabled": false} with no api_key.`
}
func (t *SetCredentialTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"api_key": map[string]interface{}{
				"type":        "string",
				"description": "DashScope API key (sk-...)",
			},
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Enable the AI backend (default: true)",
			},
		},
	}
}
func (t *SetCredentialTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	key := getStringArg(args, "api_key")
	enabled := getBoolArg(args, "enabled", true)
	if err := ai.SetCredential(ctx, t.store, key, enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "enabled": enabled, "keyStored": key != ""}, nil
}

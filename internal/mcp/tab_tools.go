package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var errNoBrowser = errors.New("browser is not available; start the server with a browser configured")

type ListTabsTool struct {
	tabs Tabs
}

func (t *ListTabsTool) Name() string { return "list-tabs" }
func (t *ListTabsTool) Description() string {
	return `List the open browser tabs that a test session can target.

USE THIS FIRST to find the tab_id for start-test, translate-intent and capture-page-data.

Returns: {tabs: [{id, url, title}]}`
}
func (t *ListTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListTabsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.tabs == nil {
		return nil, errNoBrowser
	}
	tabs, err := t.tabs.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tabs": tabs, "count": len(tabs)}, nil
}

type OpenTabTool struct {
	tabs Tabs
}

func (t *OpenTabTool) Name() string { return "open-tab" }
func (t *OpenTabTool) Description() string {
	return `Open a new browser tab on a URL and wait for it to load.

WHEN TO USE:
- The page under test is not open yet
- You want a clean document before start-test

Returns: {tab: {id, url, title}}`
}
func (t *OpenTabTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute http(s) URL to open",
			},
		},
		"required": []string{"url"},
	}
}
func (t *OpenTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.tabs == nil {
		return nil, errNoBrowser
	}
	url, err := requireString(args, "url")
	if err != nil {
		return nil, err
	}
	if err := checkURL(url); err != nil {
		return nil, err
	}
	tab, err := t.tabs.OpenTab(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tab": tab}, nil
}

func checkURL(url string) error {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return nil
	}
	return fmt.Errorf("url must start with http:// or https://: %q", url)
}

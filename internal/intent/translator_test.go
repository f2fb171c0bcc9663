package intent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/store"
)

type fakeCompleter struct {
	text string
	err  error
	req  ai.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req ai.Request) (string, error) {
	f.req = req
	return f.text, f.err
}

const validPlan = `{
  "intentAnalysis": {"goal": "checkout works", "scope": "cart", "testType": "functional", "priority": "high"},
  "testStrategy": {"areas": [{"name": "Forms", "priority": "high"}, {"name": "buttons", "priority": 2}]},
  "recommendedConfig": {"testButtons": true, "testLinks": false, "testForms": true, "delayMs": 500, "maxElements": 20, "timeoutMs": 60000},
  "aiInsights": {"summary": "cart page", "recommendations": ["try empty cart"]}
}`

func assertFallback(t *testing.T, plan TestPlan) {
	t.Helper()
	if plan.Source != SourceFallback {
		t.Fatalf("expected fallback plan, got source %q", plan.Source)
	}
	rc := plan.RecommendedConfig
	if !rc.TestButtons || !rc.TestLinks || !rc.TestForms {
		t.Fatalf("fallback must enable every category: %+v", rc)
	}
	if rc.DelayMs != 1000 || rc.MaxElements != 100 || rc.TimeoutMs != 30000 {
		t.Fatalf("unexpected fallback bounds: %+v", rc)
	}
	names := []string{}
	for _, a := range plan.TestStrategy.Areas {
		names = append(names, a.Name)
	}
	if strings.Join(names, ",") != "buttons,links,forms" {
		t.Fatalf("unexpected fallback areas %v", names)
	}
}

func TestTranslateUsesModelPlan(t *testing.T) {
	fc := &fakeCompleter{text: "Sure! Here is the plan:\n```json\n" + validPlan + "\n```"}
	tr := NewTranslator(fc)

	plan := tr.Translate(context.Background(), "checkout works", PageContext{URL: "https://shop.test/cart", Title: "Cart"})
	if plan.Source != SourceAI {
		t.Fatalf("expected ai plan, got %+v", plan)
	}
	if plan.RecommendedConfig.TestLinks || plan.RecommendedConfig.DelayMs != 500 || plan.RecommendedConfig.TimeoutMs != 60000 {
		t.Fatalf("model config not honored: %+v", plan.RecommendedConfig)
	}
	if plan.TestStrategy.Areas[0].Name != "forms" || plan.TestStrategy.Areas[0].Priority != 3 {
		t.Fatalf("unexpected areas %+v", plan.TestStrategy.Areas)
	}
	if !strings.Contains(fc.req.Prompt, "https://shop.test/cart") || fc.req.Temperature != 0.1 {
		t.Fatalf("unexpected request %+v", fc.req)
	}
}

func TestTranslateFallbacks(t *testing.T) {
	tests := []struct {
		name string
		c    ai.Completer
	}{
		{"nil completer", nil},
		{"disabled", &fakeCompleter{err: ai.ErrDisabled}},
		{"network", &fakeCompleter{err: errors.New("dial tcp: connection refused")}},
		{"no json", &fakeCompleter{text: "I cannot help with that."}},
		{"broken json", &fakeCompleter{text: `{"intentAnalysis": {`}},
		{"missing section", &fakeCompleter{text: `{"intentAnalysis":{},"testStrategy":{},"recommendedConfig":{}}`}},
		{"array only", &fakeCompleter{text: `[1,2,3]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranslator(tt.c)
			plan := tr.Translate(context.Background(), "smoke test", PageContext{})
			assertFallback(t, plan)
			if plan.IntentAnalysis.Goal != "smoke test" {
				t.Fatalf("fallback should carry the goal, got %q", plan.IntentAnalysis.Goal)
			}
			h := tr.History()
			if len(h) != 1 || h[0].FallbackCause == "" {
				t.Fatalf("expected history entry with cause, got %+v", h)
			}
		})
	}
}

func TestTranslateOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	kv := store.NewMemory()
	if err := ai.SetCredential(context.Background(), kv, "sk-0123456789abcdef0123", true); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig().AI
	cfg.Endpoint = srv.URL
	tr := NewTranslator(ai.NewClient(kv, cfg))

	assertFallback(t, tr.Translate(context.Background(), "anything", PageContext{}))
}

func TestParsePlanDefaultsAndBounds(t *testing.T) {
	text := `{
	  "intentAnalysis": {"goal": ""},
	  "testStrategy": {"areas": []},
	  "recommendedConfig": {"delayMs": -5, "maxElements": 99999, "timeoutMs": 2500.5, "testButtons": false},
	  "aiInsights": {}
	}`
	plan, err := ParsePlan(text, "fill the signup form")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rc := plan.RecommendedConfig
	if rc.DelayMs != DefaultDelayMs || rc.MaxElements != DefaultMaxElements || rc.TimeoutMs != DefaultTimeoutMs {
		t.Fatalf("out-of-range values should be replaced: %+v", rc)
	}
	if rc.TestButtons || !rc.TestLinks || !rc.TestForms {
		t.Fatalf("absent booleans default to true, present ones are kept: %+v", rc)
	}
	if plan.IntentAnalysis.Goal != "fill the signup form" || len(plan.TestStrategy.Areas) != 3 {
		t.Fatalf("expected defaults filled in, got %+v", plan)
	}
}

func TestParsePlanAllCategoriesOff(t *testing.T) {
	text := `{"intentAnalysis":{},"testStrategy":{},"aiInsights":{},
	  "recommendedConfig":{"testButtons":false,"testLinks":false,"testForms":false}}`
	plan, err := ParsePlan(text, "g")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Wants("buttons") || !plan.Wants("links") || !plan.Wants("forms") {
		t.Fatal("a plan that tests nothing is replaced by all categories")
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"text {broken} then {\"b\":{\"c\":2}} tail }", `{"b":{"c":2}}`, true},
		{"```json\n{\"x\":true}\n```", `{"x":true}`, true},
		{`{"a":1} {"b":2}`, `{"a":1}`, true},
		{`no braces`, ``, false},
		{`{"unterminated": `, ``, false},
	}
	for _, tt := range tests {
		got, ok := ExtractJSONObject(tt.in)
		if ok != tt.ok || string(got) != tt.want {
			t.Errorf("ExtractJSONObject(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHistoryIsCopied(t *testing.T) {
	tr := NewTranslator(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Translate(context.Background(), "g", PageContext{})
		}()
	}
	wg.Wait()

	h := tr.History()
	if len(h) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(h))
	}
	h[0].Plan.TestStrategy.Areas[0].Name = "mutated"
	if tr.History()[0].Plan.TestStrategy.Areas[0].Name == "mutated" {
		t.Fatal("history must not share slices with callers")
	}
}

func TestBuildPromptTruncatesSummary(t *testing.T) {
	p := buildPrompt("g", PageContext{Summary: strings.Repeat("x", maxSummaryChars+100)})
	if strings.Count(p, "x") != maxSummaryChars {
		t.Fatalf("summary not truncated: %d", strings.Count(p, "x"))
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a cut at an odd offset would split it.
	s := "a" + strings.Repeat("é", 10)
	got := truncate(s, 4)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "aé..." {
		t.Errorf("truncate = %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings are returned unchanged")
	}

	p := buildPrompt("g", PageContext{Summary: strings.Repeat("日本", maxSummaryChars)})
	if !utf8.ValidString(p) {
		t.Fatal("prompt summary split a rune")
	}
}

// Package intent turns a free-form testing goal into a TestPlan.
package intent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"qapilot-mcp-server/internal/ai"
)

const maxSummaryChars = 4000

// PageContext describes the page the plan targets.
type PageContext struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// HistoryEntry records one Translate call.
type HistoryEntry struct {
	Goal          string      `json:"goal"`
	Page          PageContext `json:"page"`
	Plan          TestPlan    `json:"plan"`
	FallbackCause string      `json:"fallbackCause,omitempty"`
	At            time.Time   `json:"at"`
}

// Translator is safe for concurrent use. A nil Completer always yields the
// fallback plan.
type Translator struct {
	completer ai.Completer

	mu      sync.Mutex
	history []HistoryEntry
	now     func() time.Time
}

func NewTranslator(c ai.Completer) *Translator {
	return &Translator{completer: c, now: time.Now}
}

// Translate never fails; every failure path produces FallbackPlan(goal).
func (t *Translator) Translate(ctx context.Context, goal string, page PageContext) TestPlan {
	plan, cause := t.translate(ctx, goal, page)
	if cause != nil {
		log.Printf("[intent] fallback goal=%q url=%s cause=%v", goal, page.URL, cause)
	}

	entry := HistoryEntry{Goal: goal, Page: page, Plan: plan.Clone(), At: t.now()}
	if cause != nil {
		entry.FallbackCause = cause.Error()
	}
	t.mu.Lock()
	t.history = append(t.history, entry)
	t.mu.Unlock()
	return plan
}

func (t *Translator) translate(ctx context.Context, goal string, page PageContext) (TestPlan, error) {
	if t.completer == nil {
		return FallbackPlan(goal), ai.ErrDisabled
	}
	text, err := t.completer.Complete(ctx, ai.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(goal, page),
		Temperature: 0.1,
	})
	if err != nil {
		return FallbackPlan(goal), err
	}
	plan, err := ParsePlan(text, goal)
	if err != nil {
		return FallbackPlan(goal), err
	}
	return plan, nil
}

// History returns every call so far, oldest first.
func (t *Translator) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistoryEntry, len(t.history))
	for i, h := range t.history {
		h.Plan = h.Plan.Clone()
		out[i] = h
	}
	return out
}

const systemPrompt = `You plan exploratory functional tests for a web page.
Reply with one JSON object and nothing else, using exactly this shape:
{
  "intentAnalysis": {"goal": string, "scope": string, "testType": string, "priority": "high"|"medium"|"low"},
  "testStrategy": {"areas": [{"name": "buttons"|"links"|"forms", "priority": number}]},
  "recommendedConfig": {"testButtons": bool, "testLinks": bool, "testForms": bool,
                        "delayMs": number, "maxElements": number, "timeoutMs": number},
  "aiInsights": {"summary": string, "recommendations": [string]}
}`

func buildPrompt(goal string, page PageContext) string {
	summary := strings.TrimSpace(page.Summary)
	summary = truncate(summary, maxSummaryChars)
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", strings.TrimSpace(goal))
	if page.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", page.URL)
	}
	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	if summary != "" {
		fmt.Fprintf(&b, "Page summary:\n%s\n", summary)
	}
	return b.String()
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Package resolver classifies form fields and synthesizes plausible values
// for them.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/intent"
)

// Field is a form control as scanned from the page.
type Field struct {
	Ref          string   `json:"ref"`
	Tag          string   `json:"tag"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	ID           string   `json:"id,omitempty"`
	Label        string   `json:"label,omitempty"`
	Placeholder  string   `json:"placeholder,omitempty"`
	Autocomplete string   `json:"autocomplete,omitempty"`
	Value        string   `json:"value,omitempty"`
	Options      []string `json:"options,omitempty"`
	Hidden       bool     `json:"hidden,omitempty"`
	ReadOnly     bool     `json:"readOnly,omitempty"`
	Disabled     bool     `json:"disabled,omitempty"`
}

// InputType is the effective type: the lowercased type attribute, or the tag
// for select/textarea.
func (f Field) InputType() string {
	tag := strings.ToLower(f.Tag)
	if tag == "select" || tag == "textarea" {
		return tag
	}
	t := strings.ToLower(strings.TrimSpace(f.Type))
	if t == "" {
		return "text"
	}
	return t
}

// Semantic is the resolver's opinion of what a field holds.
type Semantic struct {
	Label         string  `json:"label"`
	DataSourceKey string  `json:"dataSourceKey"`
	Confidence    float64 `json:"confidence"`
}

// Resolver asks the AI backend to classify fields. With no backend every
// answer is nil.
type Resolver struct {
	completer ai.Completer
}

func New(c ai.Completer) *Resolver {
	return &Resolver{completer: c}
}

const classifyPrompt = `Classify one HTML form field. Reply with a JSON object only:
{"label": short semantic label such as "email" or "first name",
 "dataSourceKey": snake_case key that identifies the same data on other pages,
 "confidence": number between 0 and 1}`

// Classify makes one AI request for f. Any failure yields nil.
func (r *Resolver) Classify(ctx context.Context, f Field) *Semantic {
	if r == nil || r.completer == nil {
		return nil
	}
	text, err := r.completer.Complete(ctx, ai.Request{
		System:    classifyPrompt,
		Prompt:    describe(f),
		MaxTokens: 120,
	})
	if err != nil {
		if !errors.Is(err, ai.ErrDisabled) {
			log.Printf("[resolver] classify %s: %v", f.Ref, err)
		}
		return nil
	}
	sem, err := parseSemantic(text)
	if err != nil {
		log.Printf("[resolver] classify %s: %v", f.Ref, err)
		return nil
	}
	return sem
}

func describe(f Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "tag=%s type=%s", f.Tag, f.InputType())
	for _, kv := range [][2]string{
		{"name", f.Name}, {"id", f.ID}, {"label", f.Label},
		{"placeholder", f.Placeholder}, {"autocomplete", f.Autocomplete},
	} {
		if v := strings.TrimSpace(kv[1]); v != "" {
			fmt.Fprintf(&b, " %s=%q", kv[0], v)
		}
	}
	return b.String()
}

func parseSemantic(text string) (*Semantic, error) {
	raw, ok := intent.ExtractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in %q", text)
	}
	var sem Semantic
	if err := json.Unmarshal(raw, &sem); err != nil {
		return nil, fmt.Errorf("decode semantic: %w", err)
	}
	sem.Label = strings.TrimSpace(sem.Label)
	sem.DataSourceKey = strings.TrimSpace(sem.DataSourceKey)
	if sem.Label == "" && sem.DataSourceKey == "" {
		return nil, fmt.Errorf("empty semantic")
	}
	if sem.Confidence < 0 {
		sem.Confidence = 0
	}
	if sem.Confidence > 1 {
		sem.Confidence = 1
	}
	return &sem, nil
}

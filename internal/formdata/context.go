// Package formdata keeps the per-session memory of form values: data the
// user already entered on earlier pages and values synthesized for fields
// that had none. Password values are never stored.
package formdata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"qapilot-mcp-server/internal/resolver"
)

// Captured is one value read off a page.
type Captured struct {
	Value string `json:"value"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// PageReader scans input-capable elements that hold a value and
// data-bearing display elements ([data-field], [data-name], [itemprop],
// output). Display elements report their data key in Name.
type PageReader interface {
	ScanValues(ctx context.Context) ([]resolver.Field, error)
}

// FormWriter lists a form's controls in document order and assigns values.
// SetValue must dispatch input and change events.
type FormWriter interface {
	FormFields(ctx context.Context, formRef string) ([]resolver.Field, error)
	SetValue(ctx context.Context, ref, value string) error
}

// Classifier is satisfied by *resolver.Resolver.
type Classifier interface {
	Classify(ctx context.Context, f resolver.Field) *resolver.Semantic
}

const (
	SourceCaptured    = "captured"
	SourceGenerated   = "generated"
	SourceSynthesized = "synthesized"
)

// FieldOutcome reports what happened to one field. Values are left out so
// synthesized passwords never reach a report.
type FieldOutcome struct {
	Ref    string `json:"ref"`
	Key    string `json:"key"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

type FillResult struct {
	Success bool           `json:"success"`
	Filled  int            `json:"filled"`
	Skipped int            `json:"skipped"`
	Fields  []FieldOutcome `json:"fields"`
}

var ErrNoFields = errors.New("form has no fillable fields")

// Context is safe for concurrent use. The mutex is never held across page
// or resolver calls.
type Context struct {
	classifier Classifier

	mu        sync.Mutex
	gen       *resolver.Generator
	captured  map[string]Captured
	generated map[string]string
	anon      map[string]string // element ref -> minted key
	suffix    func() string
}

// NewContext builds an empty context. classifier may be nil.
func NewContext(classifier Classifier, gen *resolver.Generator) *Context {
	if gen == nil {
		gen = resolver.NewGenerator("")
	}
	return &Context{
		classifier: classifier,
		gen:        gen,
		captured:   make(map[string]Captured),
		generated:  make(map[string]string),
		anon:       make(map[string]string),
		suffix:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
}

// Reset discards everything and switches to a new generator, which is what
// happens at every session start.
func (c *Context) Reset(gen *resolver.Generator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != nil {
		c.gen = gen
	}
	c.captured = make(map[string]Captured)
	c.generated = make(map[string]string)
	c.anon = make(map[string]string)
}

// Captured returns a copy of the captured map.
func (c *Context) Captured() map[string]Captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Captured, len(c.captured))
	for k, v := range c.captured {
		out[k] = v
	}
	return out
}

// Generated returns a copy of the generated map.
func (c *Context) Generated() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.generated))
	for k, v := range c.generated {
		out[k] = v
	}
	return out
}

// CaptureFromPage merges the page's current values into the captured map
// and returns how many entries were taken.
func (c *Context) CaptureFromPage(ctx context.Context, page PageReader) (int, error) {
	fields, err := page.ScanValues(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan page values: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range fields {
		if IsPasswordLike(f) {
			continue
		}
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		key := c.keyLocked(f)
		label := strings.TrimSpace(f.Label)
		if label == "" {
			label = strings.TrimSpace(f.Placeholder)
		}
		c.captured[key] = Captured{Value: value, Type: f.InputType(), Label: label}
		n++
	}
	return n, nil
}

// ResolveField asks the classifier about f. nil means no opinion.
func (c *Context) ResolveField(ctx context.Context, f resolver.Field) *resolver.Semantic {
	if c.classifier == nil {
		return nil
	}
	return c.classifier.Classify(ctx, f)
}

// FillForm assigns a value to every fillable field of formRef. Lookup order
// per field: captured value under the resolver's suggested key, captured
// value under the field's own key, previously generated value, then a new
// synthesized value remembered under the field's own key.
func (c *Context) FillForm(ctx context.Context, page FormWriter, formRef string) (FillResult, error) {
	fields, err := page.FormFields(ctx, formRef)
	if err != nil {
		return FillResult{}, fmt.Errorf("list form fields: %w", err)
	}

	var res FillResult
	for _, f := range fields {
		if !Fillable(f) {
			res.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sem := c.ResolveField(ctx, f)
		key, value, source := c.choose(f, sem)
		out := FieldOutcome{Ref: f.Ref, Key: key, Source: source}
		if value == "" {
			out.Error = "no value available"
			res.Fields = append(res.Fields, out)
			continue
		}
		if err := page.SetValue(ctx, f.Ref, value); err != nil {
			out.Error = err.Error()
			log.Printf("[formdata] set %s (%s): %v", f.Ref, key, err)
			res.Fields = append(res.Fields, out)
			continue
		}
		res.Filled++
		res.Fields = append(res.Fields, out)
	}

	if res.Filled == 0 && len(res.Fields) == 0 {
		return res, ErrNoFields
	}
	res.Success = res.Filled == len(res.Fields)
	return res, nil
}

func (c *Context) choose(f resolver.Field, sem *resolver.Semantic) (key, value, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	own := c.keyLocked(f)
	if IsPasswordLike(f) {
		return own, c.gen.Value(f, sem), SourceSynthesized
	}

	var suggested string
	if sem != nil {
		suggested = SemanticKey(sem.DataSourceKey)
	}
	if suggested != "" {
		if v, ok := c.captured[suggested]; ok && accepts(f, v.Value) {
			return suggested, v.Value, SourceCaptured
		}
	}
	if v, ok := c.captured[own]; ok && accepts(f, v.Value) {
		return own, v.Value, SourceCaptured
	}
	if v, ok := c.generated[own]; ok && accepts(f, v) {
		return own, v, SourceGenerated
	}
	if suggested != "" {
		if v, ok := c.generated[suggested]; ok && accepts(f, v) {
			return suggested, v, SourceGenerated
		}
	}

	v := c.gen.Value(f, sem)
	if v != "" {
		c.generated[own] = v
	}
	return own, v, SourceSynthesized
}

// accepts reports whether v can be assigned to f. A select only takes one of
// its non-empty option values.
func accepts(f resolver.Field, v string) bool {
	if v == "" {
		return false
	}
	if f.InputType() != "select" {
		return true
	}
	for _, opt := range f.Options {
		if opt != "" && opt == v {
			return true
		}
	}
	return false
}

// keyLocked returns the field's own key, minting a session-local one for
// fields with no name, id or placeholder.
func (c *Context) keyLocked(f resolver.Field) string {
	if k := OwnKey(f); k != "" {
		return k
	}
	if f.Ref != "" {
		if k, ok := c.anon[f.Ref]; ok {
			return k
		}
	}
	tag := SemanticKey(f.Tag)
	if tag == "" {
		tag = "field"
	}
	k := tag + "_" + c.suffix()
	if f.Ref != "" {
		c.anon[f.Ref] = k
	}
	return k
}

// OwnKey is the normalized name, id or placeholder, in that order.
func OwnKey(f resolver.Field) string {
	for _, s := range []string{f.Name, f.ID, f.Placeholder} {
		if k := SemanticKey(s); k != "" {
			return k
		}
	}
	return ""
}

// SemanticKey lowercases s, collapses runs of non-alphanumerics to a single
// underscore and trims underscores from both ends.
func SemanticKey(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

var passwordMarkers = []string{"password", "passwd", "pwd", "passcode"}

// IsPasswordLike reports whether f holds a secret: type password, or a name,
// id or autocomplete token that names one.
func IsPasswordLike(f resolver.Field) bool {
	if strings.EqualFold(strings.TrimSpace(f.Type), "password") {
		return true
	}
	for _, attr := range []string{f.Name, f.ID, f.Autocomplete} {
		a := strings.ToLower(attr)
		for _, m := range passwordMarkers {
			if strings.Contains(a, m) {
				return true
			}
		}
	}
	return false
}

var unfillableTypes = map[string]bool{
	"submit": true, "button": true, "reset": true, "image": true, "file": true, "hidden": true,
}

// Fillable reports whether FillForm should touch f.
func Fillable(f resolver.Field) bool {
	if f.Hidden || f.ReadOnly || f.Disabled {
		return false
	}
	return !unfillableTypes[f.InputType()]
}

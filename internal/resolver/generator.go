package resolver

import (
	"strings"
)

const (
	ValueTel      = "+1-555-010-0199"
	ValuePassword = "QaPilot#2024!Secure"
	ValueNumber   = "42"
	ValueURL      = "https://example.com"
	ValueDate     = "2024-01-15"
	ValueChecked  = "true"
	ValueDefault  = "Test input"
)

// Generator synthesizes values. It is pure: the same field and semantic
// always yield the same value for a given tag. Use one per session.
type Generator struct {
	tag string
}

// NewGenerator builds a generator for a session tag, typically a short
// prefix of the session id.
func NewGenerator(tag string) *Generator {
	tag = strings.ToLower(strings.TrimSpace(tag))
	var b strings.Builder
	for _, r := range tag {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	tag = b.String()
	if tag == "" {
		tag = "session"
	}
	return &Generator{tag: tag}
}

func (g *Generator) Tag() string { return g.tag }

func (g *Generator) Email() string {
	return "qa+" + g.tag + "@example.com"
}

// Value picks a value for f. sem may be nil.
func (g *Generator) Value(f Field, sem *Semantic) string {
	switch f.InputType() {
	case "email":
		return g.Email()
	case "tel":
		return ValueTel
	case "password":
		return ValuePassword
	case "number", "range":
		return ValueNumber
	case "url":
		return ValueURL
	case "date":
		return ValueDate
	case "checkbox", "radio":
		return ValueChecked
	case "select":
		for _, opt := range f.Options {
			if strings.TrimSpace(opt) != "" {
				return opt
			}
		}
		return ""
	}
	return g.text(f, sem)
}

type textRule struct {
	keywords []string
	value    func(g *Generator) string
}

// Checked in order; earlier rules win.
var textRules = []textRule{
	{[]string{"email", "e_mail"}, (*Generator).Email},
	{[]string{"phone", "mobile", "telephone"}, func(*Generator) string { return ValueTel }},
	{[]string{"first_name", "firstname", "given", "fname"}, func(*Generator) string { return "Alex" }},
	{[]string{"last_name", "lastname", "surname", "family", "lname"}, func(*Generator) string { return "Tester" }},
	{[]string{"company", "organization", "organisation", "employer"}, func(*Generator) string { return "QAPilot Labs" }},
	{[]string{"username", "user_name", "login", "nickname"}, func(g *Generator) string { return "qa_" + g.tag }},
	{[]string{"full_name", "fullname", "name"}, func(*Generator) string { return "Alex Tester" }},
	{[]string{"city", "town", "locality"}, func(*Generator) string { return "Springfield" }},
	{[]string{"zip", "postal", "postcode"}, func(*Generator) string { return "12345" }},
	{[]string{"street", "address"}, func(*Generator) string { return "123 Test Street" }},
	{[]string{"country"}, func(*Generator) string { return "United States" }},
	{[]string{"website", "homepage", "url"}, func(*Generator) string { return ValueURL }},
	{[]string{"quantity", "amount"}, func(*Generator) string { return ValueNumber }},
}

func (g *Generator) text(f Field, sem *Semantic) string {
	var hints []string
	if sem != nil {
		hints = append(hints, sem.DataSourceKey, sem.Label)
	}
	hints = append(hints, f.Autocomplete, f.Name, f.ID, f.Label, f.Placeholder)

	// Semantic hints are consulted before the element's own attributes.
	for _, h := range hints {
		h = normalizeHint(h)
		if h == "" {
			continue
		}
		for _, rule := range textRules {
			for _, kw := range rule.keywords {
				if strings.Contains(h, kw) {
					return rule.value(g)
				}
			}
		}
	}
	return ValueDefault
}

func normalizeHint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
}

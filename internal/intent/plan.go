package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	SourceAI       = "ai"
	SourceFallback = "fallback"

	DefaultDelayMs     = 1000
	DefaultMaxElements = 100
	DefaultTimeoutMs   = 30000

	minDelayMs     = 0
	maxDelayMs     = 10000
	minMaxElements = 1
	maxMaxElements = 1000
	minTimeoutMs   = 1000
	maxTimeoutMs   = 600000
)

type IntentAnalysis struct {
	Goal     string `json:"goal"`
	Scope    string `json:"scope"`
	TestType string `json:"testType"`
	Priority string `json:"priority"`
}

// Area is one testing area. Higher Priority runs first.
type Area struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

type TestStrategy struct {
	Areas []Area `json:"areas"`
}

type RecommendedConfig struct {
	TestButtons bool `json:"testButtons"`
	TestLinks   bool `json:"testLinks"`
	TestForms   bool `json:"testForms"`
	DelayMs     int  `json:"delayMs"`
	MaxElements int  `json:"maxElements"`
	TimeoutMs   int  `json:"timeoutMs"`
}

// Insights are advisory; nothing branches on them.
type Insights struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// TestPlan is always fully populated. Treat it as a value.
type TestPlan struct {
	IntentAnalysis    IntentAnalysis    `json:"intentAnalysis"`
	TestStrategy      TestStrategy      `json:"testStrategy"`
	RecommendedConfig RecommendedConfig `json:"recommendedConfig"`
	AIInsights        Insights          `json:"aiInsights"`
	Source            string            `json:"source"`
}

// Clone returns a copy that shares no slices with p.
func (p TestPlan) Clone() TestPlan {
	out := p
	out.TestStrategy.Areas = append([]Area(nil), p.TestStrategy.Areas...)
	out.AIInsights.Recommendations = append([]string(nil), p.AIInsights.Recommendations...)
	return out
}

// Wants reports whether an element category is enabled by the plan.
func (p TestPlan) Wants(category string) bool {
	switch category {
	case "buttons":
		return p.RecommendedConfig.TestButtons
	case "links":
		return p.RecommendedConfig.TestLinks
	case "forms":
		return p.RecommendedConfig.TestForms
	}
	return false
}

func defaultConfig() RecommendedConfig {
	return RecommendedConfig{
		TestButtons: true,
		TestLinks:   true,
		TestForms:   true,
		DelayMs:     DefaultDelayMs,
		MaxElements: DefaultMaxElements,
		TimeoutMs:   DefaultTimeoutMs,
	}
}

func defaultAreas() []Area {
	return []Area{
		{Name: "buttons", Priority: 3},
		{Name: "links", Priority: 2},
		{Name: "forms", Priority: 1},
	}
}

// FallbackPlan is the deterministic plan used whenever the AI path fails.
func FallbackPlan(goal string) TestPlan {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		goal = "Explore the page and exercise every interactive element"
	}
	return TestPlan{
		IntentAnalysis: IntentAnalysis{
			Goal:     goal,
			Scope:    "full page",
			TestType: "exploratory",
			Priority: "medium",
		},
		TestStrategy:      TestStrategy{Areas: defaultAreas()},
		RecommendedConfig: defaultConfig(),
		AIInsights: Insights{
			Summary:         "AI analysis unavailable; running the default exploratory plan.",
			Recommendations: []string{"Review failed interactions and API errors in the report."},
		},
		Source: SourceFallback,
	}
}

var errMissingSection = errors.New("plan is missing a top-level section")

// wirePlan mirrors TestPlan with pointers so absent sections and fields are
// distinguishable from zero values.
type wirePlan struct {
	IntentAnalysis *struct {
		Goal     string `json:"goal"`
		Scope    string `json:"scope"`
		TestType string `json:"testType"`
		Priority string `json:"priority"`
	} `json:"intentAnalysis"`
	TestStrategy *struct {
		Areas []struct {
			Name     string          `json:"name"`
			Priority json.RawMessage `json:"priority"`
		} `json:"areas"`
	} `json:"testStrategy"`
	RecommendedConfig *struct {
		TestButtons *bool    `json:"testButtons"`
		TestLinks   *bool    `json:"testLinks"`
		TestForms   *bool    `json:"testForms"`
		DelayMs     *float64 `json:"delayMs"`
		MaxElements *float64 `json:"maxElements"`
		TimeoutMs   *float64 `json:"timeoutMs"`
	} `json:"recommendedConfig"`
	AIInsights *struct {
		Summary         string   `json:"summary"`
		Recommendations []string `json:"recommendations"`
	} `json:"aiInsights"`
}

// ParsePlan turns model text into a plan. The first well-formed JSON object
// in text is used; every top-level section must be present.
func ParsePlan(text, goal string) (TestPlan, error) {
	raw, ok := ExtractJSONObject(text)
	if !ok {
		return TestPlan{}, errors.New("no JSON object in response")
	}
	var w wirePlan
	if err := json.Unmarshal(raw, &w); err != nil {
		return TestPlan{}, fmt.Errorf("decode plan: %w", err)
	}
	switch {
	case w.IntentAnalysis == nil:
		return TestPlan{}, fmt.Errorf("%w: intentAnalysis", errMissingSection)
	case w.TestStrategy == nil:
		return TestPlan{}, fmt.Errorf("%w: testStrategy", errMissingSection)
	case w.RecommendedConfig == nil:
		return TestPlan{}, fmt.Errorf("%w: recommendedConfig", errMissingSection)
	case w.AIInsights == nil:
		return TestPlan{}, fmt.Errorf("%w: aiInsights", errMissingSection)
	}

	fb := FallbackPlan(goal)
	plan := TestPlan{Source: SourceAI}

	ia := w.IntentAnalysis
	plan.IntentAnalysis = IntentAnalysis{
		Goal:     orDefault(ia.Goal, fb.IntentAnalysis.Goal),
		Scope:    orDefault(ia.Scope, fb.IntentAnalysis.Scope),
		TestType: orDefault(ia.TestType, fb.IntentAnalysis.TestType),
		Priority: orDefault(ia.Priority, fb.IntentAnalysis.Priority),
	}

	for _, a := range w.TestStrategy.Areas {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			continue
		}
		plan.TestStrategy.Areas = append(plan.TestStrategy.Areas, Area{Name: name, Priority: priorityWeight(a.Priority)})
	}
	if len(plan.TestStrategy.Areas) == 0 {
		plan.TestStrategy.Areas = defaultAreas()
	}

	rc := w.RecommendedConfig
	cfg := defaultConfig()
	if rc.TestButtons != nil {
		cfg.TestButtons = *rc.TestButtons
	}
	if rc.TestLinks != nil {
		cfg.TestLinks = *rc.TestLinks
	}
	if rc.TestForms != nil {
		cfg.TestForms = *rc.TestForms
	}
	if !cfg.TestButtons && !cfg.TestLinks && !cfg.TestForms {
		cfg.TestButtons, cfg.TestLinks, cfg.TestForms = true, true, true
	}
	cfg.DelayMs = bounded(rc.DelayMs, minDelayMs, maxDelayMs, DefaultDelayMs)
	cfg.MaxElements = bounded(rc.MaxElements, minMaxElements, maxMaxElements, DefaultMaxElements)
	cfg.TimeoutMs = bounded(rc.TimeoutMs, minTimeoutMs, maxTimeoutMs, DefaultTimeoutMs)
	plan.RecommendedConfig = cfg

	plan.AIInsights = Insights{
		Summary:         strings.TrimSpace(w.AIInsights.Summary),
		Recommendations: append([]string(nil), w.AIInsights.Recommendations...),
	}
	return plan, nil
}

// ExtractJSONObject returns the first substring of text that decodes as a
// JSON object. Code fences and surrounding prose are tolerated.
func ExtractJSONObject(text string) (json.RawMessage, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return trimmed, true
		}
	}
	return nil, false
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func bounded(v *float64, lo, hi, def int) int {
	if v == nil {
		return def
	}
	n := int(*v)
	if float64(n) != *v || n < lo || n > hi {
		return def
	}
	return n
}

// priorityWeight accepts numbers or the words high/medium/low.
func priorityWeight(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 1
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0
		}
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "critical", "high":
			return 3
		case "medium", "normal":
			return 2
		case "low":
			return 1
		}
	}
	return 1
}

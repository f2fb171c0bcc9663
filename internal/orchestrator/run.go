package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"qapilot-mcp-server/internal/browser"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/session"
)

// End reasons the agent reports itself. Stops from the manager carry theirs.
const (
	ReasonCompleted = session.ReasonCompleted
	ReasonTimeout   = "timeout"
)

func (a *Agent) execute(r *run) {
	defer a.finish(r)
	started := a.deps.Now()

	if err := a.page.SetMarker(r.ctx, r.id); err != nil {
		a.abort(r, fmt.Errorf("mark page: %w", err))
		return
	}
	r.setMarked()

	pageCtx := a.pageContext(r.ctx)
	plan := a.deps.Planner.Translate(r.ctx, r.goal, pageCtx)
	if r.ctx.Err() != nil {
		return
	}
	if err := a.send(r.ctx, messaging.ActionSessionStarted, r.id, nil); err != nil {
		a.abort(r, fmt.Errorf("sessionStarted: %w", err))
		return
	}
	a.logf(r, "info", "plan ready (%s): %s, %d elements max", plan.Source, plan.IntentAnalysis.TestType, plan.RecommendedConfig.MaxElements)

	rep := &Report{
		SessionID:  r.id,
		TabID:      a.tabID,
		URL:        pageCtx.URL,
		Title:      pageCtx.Title,
		Goal:       r.goal,
		StartedAt:  started,
		PlanSource: plan.Source,
		Plan:       plan,
	}

	limit := time.Duration(plan.RecommendedConfig.TimeoutMs) * time.Millisecond
	loopCtx, cancel := context.WithTimeout(r.ctx, limit)
	reason := a.loop(loopCtx, r, plan, rep)
	cancel()

	if stopped := r.stopReason(); stopped != "" {
		reason = stopped
	}
	rep.EndReason = reason
	rep.EndedAt = a.deps.Now()
	a.finalize(r, rep)

	if reason == ReasonCompleted || reason == ReasonTimeout {
		if err := a.send(r.ctx, messaging.ActionProgressUpdate, r.id, rep.Stats); err != nil {
			log.Printf("[tab:%s] final progressUpdate: %v", a.tabID, err)
		}
		a.logf(r, "success", "test finished (%s): %d tested, %d passed, %d failed", reason, rep.Stats.TestedCount, rep.Stats.SuccessCount, rep.Stats.FailureCount)
		if err := a.send(r.ctx, messaging.ActionStopSession, r.id, map[string]string{"reason": reason}); err != nil {
			log.Printf("[tab:%s] completion not delivered: %v", a.tabID, err)
		}
	}
	if err := a.page.ClearMarker(context.Background()); err != nil {
		log.Printf("[tab:%s] clear marker: %v", a.tabID, err)
	}
}

// abort ends a run that never got going and tells the manager.
func (a *Agent) abort(r *run, cause error) {
	log.Printf("[tab:%s] session %s aborted: %v", a.tabID, r.id, cause)
	if r.ctx.Err() != nil {
		return
	}
	if err := a.send(r.ctx, messaging.ActionStopSession, r.id, map[string]string{"reason": session.ReasonStartFailed}); err != nil {
		log.Printf("[tab:%s] abort not delivered: %v", a.tabID, err)
	}
}

// Describer is the part of a page DescribePage reads.
type Describer interface {
	Info(ctx context.Context) (url, title string, err error)
	HTML(ctx context.Context) (string, error)
}

// DescribePage builds the translator's view of a page. On error the context
// holds whatever was read before the failure.
func DescribePage(ctx context.Context, p Describer) (intent.PageContext, error) {
	var pc intent.PageContext
	url, title, err := p.Info(ctx)
	if err != nil {
		return pc, fmt.Errorf("page info: %w", err)
	}
	pc.URL, pc.Title = url, title
	html, err := p.HTML(ctx)
	if err != nil {
		return pc, fmt.Errorf("page html: %w", err)
	}
	docTitle, summary, err := browser.Summarize(html)
	if err != nil {
		return pc, fmt.Errorf("summarize: %w", err)
	}
	if pc.Title == "" {
		pc.Title = docTitle
	}
	pc.Summary = summary
	return pc, nil
}

func (a *Agent) pageContext(ctx context.Context) intent.PageContext {
	pc, err := DescribePage(ctx, a.page)
	if err != nil {
		log.Printf("[tab:%s] %v", a.tabID, err)
	}
	return pc
}

// loop walks the planned elements and returns the end reason.
func (a *Agent) loop(ctx context.Context, r *run, plan intent.TestPlan, rep *Report) string {
	cfg := plan.RecommendedConfig
	if a.deps.Forms != nil {
		if n, err := a.deps.Forms.CaptureFromPage(ctx, a.page); err != nil {
			a.logf(r, "warning", "capture failed: %v", err)
		} else if n > 0 {
			a.logf(r, "info", "captured %d values from the page", n)
		}
	}

	elements, err := a.page.Interactive(ctx, cfg.MaxElements)
	if err != nil {
		a.logf(r, "error", "element discovery failed: %v", err)
		return endReason(ctx)
	}
	elements = Select(elements, plan)
	a.logf(r, "info", "testing %d elements", len(elements))

	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	for i, el := range elements {
		if !r.waitResumed(ctx) {
			return endReason(ctx)
		}
		out := a.exercise(ctx, r, el, rep)
		if ctx.Err() != nil && !out.OK && out.Error != "" {
			// Cut short by stop or timeout; not a page failure.
			return endReason(ctx)
		}
		if out.Category != "" {
			rep.record(out)
			a.report(ctx, r, rep, out)
		}
		if i < len(elements)-1 && delay > 0 {
			select {
			case <-ctx.Done():
				return endReason(ctx)
			case <-time.After(delay):
			}
		}
	}
	return ReasonCompleted
}

func endReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return session.ReasonStopped
}

// waitResumed blocks while the run is paused and reports whether ctx is
// still live.
func (r *run) waitResumed(ctx context.Context) bool {
	for {
		r.mu.Lock()
		paused, resume := r.paused, r.resume
		r.mu.Unlock()
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
}

// exercise runs one element. A form with nothing to fill yields an outcome
// with no category, which is not counted.
func (a *Agent) exercise(ctx context.Context, r *run, el browser.Element, rep *Report) browser.Outcome {
	if el.Category != "forms" {
		return a.page.Activate(ctx, el, "")
	}
	out := browser.Outcome{Ref: el.Ref, Category: el.Category, Text: el.Text}
	if a.deps.Forms == nil {
		return browser.Outcome{}
	}
	start := time.Now()
	res, err := a.deps.Forms.FillForm(ctx, a.page, el.Ref)
	out.DurationMs = time.Since(start).Milliseconds()
	if errors.Is(err, formdata.ErrNoFields) {
		a.logf(r, "info", "form %s has nothing to fill", el.Ref)
		return browser.Outcome{}
	}
	rep.Forms = append(rep.Forms, FormReport{Ref: el.Ref, Result: res})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.OK = res.Success
	out.Detail = fmt.Sprintf("filled %d of %d fields", res.Filled, len(res.Fields))
	if !res.Success {
		out.Error = fmt.Sprintf("%d fields not filled", len(failedFields(res)))
	}
	return out
}

func failedFields(res formdata.FillResult) []formdata.FieldOutcome {
	var out []formdata.FieldOutcome
	for _, f := range res.Fields {
		if f.Error != "" {
			out = append(out, f)
		}
	}
	return out
}

func (a *Agent) report(ctx context.Context, r *run, rep *Report, out browser.Outcome) {
	if a.deps.Traffic != nil {
		rep.Stats.APIErrorCount = a.deps.Traffic.APIErrors()
	}
	if out.OK {
		a.logf(r, "success", "%s %q ok: %s", singular(out.Category), out.Text, out.Detail)
	} else {
		a.logf(r, "error", "%s %q failed: %s", singular(out.Category), out.Text, out.Error)
	}
	if err := a.send(ctx, messaging.ActionProgressUpdate, r.id, rep.Stats); err != nil {
		log.Printf("[tab:%s] progressUpdate: %v", a.tabID, err)
	}
}

func singular(category string) string {
	switch category {
	case "buttons":
		return "button"
	case "links":
		return "link"
	case "forms":
		return "form"
	}
	return category
}

// Select keeps the categories the plan enables, ordered by the plan's area
// weights (document order within a weight), capped at maxElements.
func Select(elements []browser.Element, plan intent.TestPlan) []browser.Element {
	weight := make(map[string]int)
	for _, area := range plan.TestStrategy.Areas {
		if _, seen := weight[area.Name]; !seen {
			weight[area.Name] = area.Priority
		}
	}
	out := make([]browser.Element, 0, len(elements))
	for _, el := range elements {
		if plan.Wants(el.Category) {
			out = append(out, el)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return weight[out[i].Category] > weight[out[j].Category]
	})
	if max := plan.RecommendedConfig.MaxElements; max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

package orchestrator

import (
	"context"
	"log"
	"math"
	"time"

	"qapilot-mcp-server/internal/browser"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/mangle"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"
)

// FormReport is the fill result of one form. Field values are never part of it.
type FormReport struct {
	Ref    string              `json:"ref"`
	Result formdata.FillResult `json:"result"`
}

// Report is the quality report of one run, persisted as lastTestReport and
// testData.
type Report struct {
	SessionID      string              `json:"sessionId"`
	TabID          string              `json:"tabId"`
	URL            string              `json:"url"`
	Title          string              `json:"title"`
	Goal           string              `json:"goal,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	EndedAt        time.Time           `json:"endedAt"`
	EndReason      string              `json:"endReason"`
	PlanSource     string              `json:"planSource"`
	Plan           intent.TestPlan     `json:"plan"`
	Stats          session.Stats       `json:"stats"`
	SuccessRate    float64             `json:"successRate"`
	Elements       []browser.Outcome   `json:"elements"`
	Forms          []FormReport        `json:"forms,omitempty"`
	APISamples     []mangle.Request    `json:"apiSamples,omitempty"`
	FailedAPICalls []mangle.FailedCall `json:"failedApiCalls,omitempty"`
}

func (r *Report) record(out browser.Outcome) {
	r.Elements = append(r.Elements, out)
	r.Stats.TestedCount++
	if out.OK {
		r.Stats.SuccessCount++
	} else {
		r.Stats.FailureCount++
	}
}

// SuccessRatePercent is successes over tested elements, to one decimal.
func SuccessRatePercent(s session.Stats) float64 {
	if s.TestedCount == 0 {
		return 0
	}
	rate := float64(s.SuccessCount) / float64(s.TestedCount) * 100
	return math.Round(rate*10) / 10
}

// finalize completes the report from the traffic and fact layers and saves it.
func (a *Agent) finalize(r *run, rep *Report) {
	ctx := context.WithoutCancel(r.ctx)
	if a.deps.Traffic != nil {
		rep.Stats.APIErrorCount = a.deps.Traffic.APIErrors()
		samples := a.deps.Traffic.Samples()
		if len(samples) > a.deps.SampleCap {
			samples = samples[:a.deps.SampleCap]
		}
		rep.APISamples = samples
	}
	if a.deps.Facts != nil {
		calls, err := a.deps.Facts.FailedCalls(ctx)
		if err != nil {
			log.Printf("[tab:%s] failed_api_call: %v", a.tabID, err)
		}
		rep.FailedAPICalls = calls
	}
	rep.SuccessRate = SuccessRatePercent(rep.Stats)
	if rep.Elements == nil {
		rep.Elements = []browser.Outcome{}
	}

	if a.deps.KV == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, a.deps.SendTimeout)
	defer cancel()
	for _, key := range []string{store.KeyLastTestReport, store.KeyTestData} {
		if err := a.deps.KV.Set(saveCtx, key, rep); err != nil {
			log.Printf("[tab:%s] save %s: %v", a.tabID, key, err)
		}
	}
	log.Printf("[tab:%s] report saved for %s: %d tested, %.1f%% success", a.tabID, r.id, rep.Stats.TestedCount, rep.SuccessRate)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"qapilot-mcp-server/internal/ai"
	"qapilot-mcp-server/internal/browser"
	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/formdata"
	"qapilot-mcp-server/internal/intent"
	"qapilot-mcp-server/internal/mangle"
	mcpserver "qapilot-mcp-server/internal/mcp"
	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/orchestrator"
	"qapilot-mcp-server/internal/recorder"
	"qapilot-mcp-server/internal/resolver"
	"qapilot-mcp-server/internal/session"
	"qapilot-mcp-server/internal/store"
	"qapilot-mcp-server/internal/uifeed"
)

// app is the fully wired process: one store, one bus, one session manager
// and an agent per tested tab.
type app struct {
	cfg        config.Config
	kv         *store.Store
	bus        *messaging.Bus
	tabs       *browser.TabManager
	engine     *mangle.Engine
	traffic    *browser.Traffic
	forms      *formdata.Context
	ai         *ai.Client
	translator *intent.Translator
	rec        *recorder.Recorder
	mgr        *session.Manager
	pool       *orchestrator.Pool
	server     *mcpserver.Server

	closers []func()
}

func newApp(cfg config.Config) (*app, error) {
	kv, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, kv: kv, bus: messaging.NewBus()}
	a.closers = append(a.closers, func() {
		if err := kv.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	})

	a.engine, err = mangle.NewEngine(cfg.Mangle)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}
	a.traffic = browser.NewTraffic(a.engine, cfg.Orchestrator.SampleCap())
	a.traffic.OnAPIError(func(r mangle.Request) {
		log.Printf("[traffic] %s %s -> %d %s", r.Method, r.URL, r.Status, r.Failure)
	})

	a.ai = ai.NewClient(kv, cfg.AI)
	a.translator = intent.NewTranslator(a.ai)
	a.forms = formdata.NewContext(resolver.New(a.ai), resolver.NewGenerator(""))

	a.tabs = browser.NewTabManager(cfg.Browser)

	opts := session.Options{
		StaleAfter:     cfg.Session.StaleThreshold(),
		ProbeTimeout:   cfg.Session.LivenessTimeout(),
		CommandTimeout: cfg.Session.ForwardTimeout(),
		MaxLogEntries:  cfg.Session.LogCap(),
		Tabs:           a.tabs,
	}
	if cfg.Session.TraceDir != "" {
		a.rec, err = recorder.New(cfg.Session.TraceDir, recorder.DefaultKeep)
		if err != nil {
			log.Printf("session traces disabled: %v", err)
		} else {
			opts.Tracer = a.rec
		}
	}
	a.mgr = session.NewManager(kv, a.bus, opts)
	a.mgr.OnReset(func(sessionID string) {
		a.forms.Reset(resolver.NewGenerator(sessionID))
		a.engine.Reset()
		a.traffic.Reset()
	})

	router := messaging.NewRouter()
	a.mgr.Register(router)
	a.closers = append(a.closers, a.bus.Register(messaging.BackgroundEndpoint, router.Serve))

	a.pool = orchestrator.NewPool(a.bus, a.attach, orchestrator.Deps{
		Transport:   a.bus,
		Planner:     a.translator,
		Forms:       a.forms,
		KV:          kv,
		Traffic:     a.traffic,
		Facts:       a.engine,
		SampleCap:   cfg.Orchestrator.SampleCap(),
		SendTimeout: cfg.Session.ForwardTimeout(),
	})
	a.tabs.SetEvents(tabEvents{mgr: a.mgr, pool: a.pool})

	deps := mcpserver.Deps{
		Tabs:       a.tabs,
		Pages:      pageSource{tabs: a.tabs},
		Agents:     a.pool,
		Sessions:   a.mgr,
		Translator: a.translator,
		Forms:      a.forms,
		Store:      kv,
		AI:         a.ai,
		Engine:     a.engine,
		Recorder:   a.rec,
	}
	a.server, err = mcpserver.NewServer(cfg, deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize MCP server: %w", err)
	}
	return a, nil
}

// attach is the pool's AttachFunc: the tab's page plus its traffic watch.
func (a *app) attach(ctx context.Context, tabID string) (orchestrator.Page, func(), error) {
	page, err := a.tabs.Page(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	unwatch, err := a.tabs.Watch(ctx, tabID, a.traffic)
	if err != nil {
		return nil, nil, err
	}
	return page, unwatch, nil
}

// start connects the browser when configured and reconciles the persisted
// session record.
func (a *app) start(ctx context.Context) error {
	if a.cfg.Browser.AutoStart {
		if err := a.tabs.Start(ctx); err != nil {
			return fmt.Errorf("initialize browser: %w", err)
		}
	} else {
		log.Printf("browser auto-start disabled; tab tools report the browser as unavailable")
	}

	live, err := a.mgr.Recover(ctx)
	if err != nil {
		log.Printf("[session] recover: %v", err)
	} else if live.Record.InProgress || live.Stale {
		log.Printf("[session] recovered record for %s: active=%v (%s)", live.Record.SessionID, live.Active, live.Reason)
	}
	return nil
}

// shutdown ends the active session, detaches every agent and releases the
// browser and store.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.mgr.Stop(ctx, session.ReasonStopped); err != nil && !errors.Is(err, session.ErrNoSession) {
		log.Printf("[session] stop on shutdown: %v", err)
	}
	a.pool.Close()
	if err := a.tabs.Shutdown(ctx); err != nil {
		log.Printf("browser shutdown: %v", err)
	}
	if a.rec != nil {
		_ = a.rec.Close()
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// feed builds the websocket UI hub. Control messages go through ensureSender
// so a UI-initiated start finds an agent on its tab.
func (a *app) feed() *uifeed.Hub {
	return uifeed.NewHub(a.mgr, ensureSender{bus: a.bus, pool: a.pool}, uifeed.Options{})
}

// tabEvents fans tab lifecycle events out to the manager and the pool.
type tabEvents struct {
	mgr  *session.Manager
	pool *orchestrator.Pool
}

func (e tabEvents) OnNavigationStart(ctx context.Context, tabID string) {
	e.mgr.OnNavigationStart(ctx, tabID)
}

func (e tabEvents) OnTabRemoved(ctx context.Context, tabID string) {
	e.mgr.OnTabRemoved(ctx, tabID)
	e.pool.Release(tabID, session.ReasonTabClosed)
}

// pageSource adapts the tab manager to the MCP page lookup.
type pageSource struct {
	tabs *browser.TabManager
}

func (p pageSource) Page(ctx context.Context, tabID string) (orchestrator.Page, error) {
	page, err := p.tabs.Page(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return page, nil
}

type agentEnsurer interface {
	Ensure(ctx context.Context, tabID string) (*orchestrator.Agent, error)
}

// ensureSender attaches an agent to the target tab before forwarding a
// startSession from a UI.
type ensureSender struct {
	bus  *messaging.Bus
	pool agentEnsurer
}

func (s ensureSender) Send(ctx context.Context, endpoint string, msg messaging.Message) (messaging.Reply, error) {
	if msg.Action == messaging.ActionStartSession {
		var req struct {
			TabID string `json:"tabId"`
		}
		if err := msg.Decode(&req); err != nil {
			return messaging.Fail(err), nil
		}
		tabID := req.TabID
		if tabID == "" {
			tabID = msg.TabID
		}
		if tabID != "" {
			if _, err := s.pool.Ensure(ctx, tabID); err != nil {
				return messaging.Fail(err), nil
			}
		}
	}
	return s.bus.Send(ctx, endpoint, msg)
}

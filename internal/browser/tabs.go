package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"qapilot-mcp-server/internal/config"
	"qapilot-mcp-server/internal/mangle"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

var ErrNotConnected = errors.New("browser not connected")

// Tab is the public metadata of a page target.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// TabEvents receives lifecycle events of watched tabs. *session.Manager
// satisfies it.
type TabEvents interface {
	OnNavigationStart(ctx context.Context, tabID string)
	OnTabRemoved(ctx context.Context, tabID string)
}

type watch struct {
	cancel context.CancelFunc
}

// TabManager owns the Chrome connection and the tabs under observation.
type TabManager struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	pages      map[string]*rod.Page
	watches    map[string]*watch
	events     TabEvents
	stopTarget context.CancelFunc
}

func NewTabManager(cfg config.BrowserConfig) *TabManager {
	return &TabManager{
		cfg:     cfg,
		pages:   make(map[string]*rod.Page),
		watches: make(map[string]*watch),
	}
}

// SetEvents installs the lifecycle observer. Call before Start.
func (m *TabManager) SetEvents(ev TabEvents) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *TabManager) Start(ctx context.Context) error {
	m.mu.RLock()
	existing := m.browser
	m.mu.RUnlock()
	if existing != nil {
		if _, err := existing.Version(); err == nil {
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.Shutdown(ctx)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.stopTarget = cancel
	m.mu.Unlock()

	m.watchTargets(watchCtx, browser)
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *TabManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *TabManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown stops all watches and disconnects. Tabs are left open: they
// belong to the user.
func (m *TabManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.watches {
		w.cancel()
		delete(m.watches, id)
	}
	if m.stopTarget != nil {
		m.stopTarget()
		m.stopTarget = nil
	}
	m.pages = make(map[string]*rod.Page)

	var err error
	if m.browser != nil && m.cfg.DebuggerURL == "" {
		err = m.browser.Close()
	}
	// An attached Chrome belongs to the user; only the reference is dropped.
	m.browser = nil
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

func (m *TabManager) connected() (*rod.Browser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return nil, ErrNotConnected
	}
	return m.browser, nil
}

// ListTabs returns every page target.
func (m *TabManager) ListTabs(ctx context.Context) ([]Tab, error) {
	browser, err := m.connected()
	if err != nil {
		return nil, err
	}
	res, err := proto.TargetGetTargets{}.Call(browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]Tab, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		tabs = append(tabs, Tab{ID: string(info.TargetID), URL: info.URL, Title: info.Title})
	}
	return tabs, nil
}

// TabExists reports whether tabID is still an open page target.
func (m *TabManager) TabExists(ctx context.Context, tabID string) (bool, error) {
	tabs, err := m.ListTabs(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tabs {
		if t.ID == tabID {
			return true, nil
		}
	}
	return false, nil
}

// OpenTab creates a new tab at url and waits for it to load.
func (m *TabManager) OpenTab(ctx context.Context, url string) (Tab, error) {
	browser, err := m.connected()
	if err != nil {
		return Tab{}, err
	}
	if url == "" {
		url = "about:blank"
	}
	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return Tab{}, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}
	// Best-effort load; a slow page is still a usable tab.
	_ = page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()

	page = page.Context(context.Background())
	tab := Tab{ID: string(page.TargetID), URL: url}
	if info, err := page.Info(); err == nil && info != nil {
		tab.URL, tab.Title = info.URL, info.Title
	}

	m.mu.Lock()
	m.pages[tab.ID] = page
	m.mu.Unlock()
	return tab, nil
}

func (m *TabManager) rodPage(ctx context.Context, tabID string) (*rod.Page, error) {
	m.mu.RLock()
	page, ok := m.pages[tabID]
	m.mu.RUnlock()
	if ok {
		return page, nil
	}

	browser, err := m.connected()
	if err != nil {
		return nil, err
	}
	attachCtx, cancel := context.WithTimeout(ctx, m.cfg.AttachTimeout())
	defer cancel()
	page, err = browser.Context(attachCtx).PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", tabID, err)
	}
	page = page.Context(context.Background())

	m.mu.Lock()
	m.pages[tabID] = page
	m.mu.Unlock()
	return page, nil
}

// Page returns an adapter for tabID, attaching on first use.
func (m *TabManager) Page(ctx context.Context, tabID string) (*Page, error) {
	page, err := m.rodPage(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return newPage(tabID, page, m.cfg.NavigationTimeout()), nil
}

// Watch streams navigation starts of tabID to the event observer and its
// API traffic to traffic. Watching a tab twice replaces the first watch.
// The returned func stops the watch.
func (m *TabManager) Watch(ctx context.Context, tabID string, traffic *Traffic) (func(), error) {
	page, err := m.rodPage(ctx, tabID)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel}
	m.mu.Lock()
	if prev, ok := m.watches[tabID]; ok {
		prev.cancel()
	}
	m.watches[tabID] = w
	events := m.events
	m.mu.Unlock()

	p := page.Context(watchCtx)
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		log.Printf("[tab:%s] network enable: %v", tabID, err)
	}
	mainFrame := proto.PageFrameID(page.TargetID)

	wait := p.EachEvent(
		func(ev *proto.PageFrameStartedLoading) {
			if ev.FrameID != mainFrame || events == nil {
				return
			}
			log.Printf("[tab:%s] navigation started", tabID)
			events.OnNavigationStart(watchCtx, tabID)
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			if traffic == nil || ev.Request == nil || !IsAPIResource(string(ev.Type)) {
				return
			}
			traffic.Request(watchCtx, requestFromEvent(ev))
		},
		func(ev *proto.NetworkResponseReceived) {
			if traffic == nil || ev.Response == nil {
				return
			}
			headers := make(map[string]string, len(ev.Response.Headers))
			for k, v := range ev.Response.Headers {
				headers[k] = v.Str()
			}
			traffic.Correlate(string(ev.RequestID), headers)
			traffic.Response(watchCtx, string(ev.RequestID), ev.Response.Status, time.Now())
		},
		func(ev *proto.NetworkLoadingFailed) {
			if traffic == nil {
				return
			}
			reason := ev.ErrorText
			if ev.Canceled {
				reason = "canceled"
			}
			traffic.Failed(watchCtx, string(ev.RequestID), reason, time.Now())
		},
	)
	go wait()

	stop := func() {
		m.mu.Lock()
		if m.watches[tabID] == w {
			delete(m.watches, tabID)
		}
		m.mu.Unlock()
		cancel()
	}
	return stop, nil
}

// watchTargets reports destroyed page targets to the observer.
func (m *TabManager) watchTargets(ctx context.Context, browser *rod.Browser) {
	b := browser.Context(ctx)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		log.Printf("target discovery: %v", err)
		return
	}
	wait := b.EachEvent(func(ev *proto.TargetTargetDestroyed) {
		tabID := string(ev.TargetID)
		m.mu.Lock()
		delete(m.pages, tabID)
		if w, ok := m.watches[tabID]; ok {
			w.cancel()
			delete(m.watches, tabID)
		}
		events := m.events
		m.mu.Unlock()

		if events != nil {
			log.Printf("[tab:%s] target destroyed", tabID)
			events.OnTabRemoved(ctx, tabID)
		}
	})
	go wait()
}

func requestFromEvent(ev *proto.NetworkRequestWillBeSent) mangle.Request {
	return mangle.Request{
		ID:     string(ev.RequestID),
		Method: ev.Request.Method,
		URL:    ev.Request.URL,
		Type:   strings.ToLower(string(ev.Type)),
		At:     time.Now(),
	}
}

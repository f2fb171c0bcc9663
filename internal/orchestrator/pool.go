package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"qapilot-mcp-server/internal/messaging"
)

// AttachFunc resolves a tab to a page and starts watching it. The returned
// func stops the watch.
type AttachFunc func(ctx context.Context, tabID string) (Page, func(), error)

type member struct {
	agent   *Agent
	detach  func()
	unwatch func()
}

// Pool keeps one agent per tab attached to the bus.
type Pool struct {
	bus    *messaging.Bus
	attach AttachFunc
	deps   Deps

	mu     sync.Mutex
	agents map[string]*member
}

func NewPool(bus *messaging.Bus, attach AttachFunc, deps Deps) *Pool {
	return &Pool{bus: bus, attach: attach, deps: deps, agents: make(map[string]*member)}
}

// Ensure returns the agent for tabID, attaching one on first use.
func (p *Pool) Ensure(ctx context.Context, tabID string) (*Agent, error) {
	p.mu.Lock()
	if m, ok := p.agents[tabID]; ok {
		p.mu.Unlock()
		return m.agent, nil
	}
	p.mu.Unlock()

	page, unwatch, err := p.attach(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("attach agent to %s: %w", tabID, err)
	}
	if unwatch == nil {
		unwatch = func() {}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.agents[tabID]; ok {
		// Lost the race; keep the first agent.
		unwatch()
		return m.agent, nil
	}
	agent := NewAgent(tabID, page, p.deps)
	p.agents[tabID] = &member{agent: agent, detach: agent.Attach(p.bus), unwatch: unwatch}
	log.Printf("[tab:%s] agent attached", tabID)
	return agent, nil
}

// Agent returns the attached agent for tabID.
func (p *Pool) Agent(tabID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.agents[tabID]
	if !ok {
		return nil, false
	}
	return m.agent, true
}

// Release stops and detaches the agent of a tab that went away.
func (p *Pool) Release(tabID, reason string) {
	p.mu.Lock()
	m, ok := p.agents[tabID]
	delete(p.agents, tabID)
	p.mu.Unlock()
	if !ok {
		return
	}
	m.detach()
	m.unwatch()
	m.agent.Shutdown(reason)
	log.Printf("[tab:%s] agent released (%s)", tabID, reason)
}

// Close releases every agent.
func (p *Pool) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Release(id, "shutdown")
	}
}

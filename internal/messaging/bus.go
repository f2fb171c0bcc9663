package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoListener means no context is registered at the endpoint, or it
	// unregistered before answering.
	ErrNoListener = errors.New("no listener")
	// ErrTimeout means the endpoint did not answer within the bound.
	ErrTimeout = errors.New("timed out waiting for reply")
)

const mailboxSize = 64

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Reply
}

// mailbox is one endpoint. A single goroutine drains it, so messages sent
// to the same endpoint are handled in the order they were enqueued.
type mailbox struct {
	handler Handler
	queue   chan envelope
	done    chan struct{}
	once    sync.Once
}

func (m *mailbox) run() {
	for {
		select {
		case env := <-m.queue:
			r := m.handler(env.ctx, env.msg)
			if env.reply != nil {
				env.reply <- r
			}
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// Bus routes messages to named endpoints.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*mailbox
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*mailbox)}
}

// Register attaches h at endpoint, replacing any previous registration.
// The returned func detaches it; pending senders get ErrNoListener.
func (b *Bus) Register(endpoint string, h Handler) func() {
	mb := &mailbox{
		handler: h,
		queue:   make(chan envelope, mailboxSize),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if old, ok := b.endpoints[endpoint]; ok {
		old.close()
	}
	b.endpoints[endpoint] = mb
	b.mu.Unlock()

	go mb.run()

	return func() {
		b.mu.Lock()
		if cur, ok := b.endpoints[endpoint]; ok && cur == mb {
			delete(b.endpoints, endpoint)
		}
		b.mu.Unlock()
		mb.close()
	}
}

// Listening reports whether endpoint has a registered handler.
func (b *Bus) Listening(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.endpoints[endpoint]
	return ok
}

// Send delivers msg and waits for the reply until ctx is done.
func (b *Bus) Send(ctx context.Context, endpoint string, msg Message) (Reply, error) {
	mb := b.lookup(endpoint)
	if mb == nil {
		return Reply{}, fmt.Errorf("%s to %s: %w", msg.Action, endpoint, ErrNoListener)
	}
	env := envelope{ctx: ctx, msg: msg, reply: make(chan Reply, 1)}
	if err := enqueue(ctx, mb, env); err != nil {
		return Reply{}, fmt.Errorf("%s to %s: %w", msg.Action, endpoint, err)
	}
	select {
	case r := <-env.reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("%s to %s: %w", msg.Action, endpoint, ErrTimeout)
	case <-mb.done:
		return Reply{}, fmt.Errorf("%s to %s: %w", msg.Action, endpoint, ErrNoListener)
	}
}

// SendTimeout is Send bounded by d.
func (b *Bus) SendTimeout(ctx context.Context, endpoint string, msg Message, d time.Duration) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return b.Send(ctx, endpoint, msg)
}

// Post enqueues msg without waiting for a reply. The handler runs with a
// context detached from ctx's cancellation.
func (b *Bus) Post(ctx context.Context, endpoint string, msg Message) error {
	mb := b.lookup(endpoint)
	if mb == nil {
		return fmt.Errorf("%s to %s: %w", msg.Action, endpoint, ErrNoListener)
	}
	env := envelope{ctx: context.WithoutCancel(ctx), msg: msg}
	if err := enqueue(ctx, mb, env); err != nil {
		return fmt.Errorf("%s to %s: %w", msg.Action, endpoint, err)
	}
	return nil
}

func (b *Bus) lookup(endpoint string) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoints[endpoint]
}

func enqueue(ctx context.Context, mb *mailbox, env envelope) error {
	select {
	case <-mb.done:
		return ErrNoListener
	default:
	}
	select {
	case mb.queue <- env:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	case <-mb.done:
		return ErrNoListener
	}
}

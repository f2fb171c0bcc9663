// Package uifeed serves the live session feed to attached UIs over
// websockets. Each connection first receives the current snapshot, then
// every session event. Control messages sent by the UI are forwarded to the
// session manager and answered on the same socket.
package uifeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"qapilot-mcp-server/internal/messaging"
	"qapilot-mcp-server/internal/session"
)

// Source is the session manager as seen by the feed.
type Source interface {
	Subscribe(buffer int) (<-chan session.Event, func())
}

// Sender forwards UI control messages. *messaging.Bus satisfies it.
type Sender interface {
	Send(ctx context.Context, endpoint string, msg messaging.Message) (messaging.Reply, error)
}

// Frame is one server-to-UI message.
type Frame struct {
	Type   string           `json:"type"` // event | reply
	Event  *session.Event   `json:"event,omitempty"`
	Action messaging.Action `json:"action,omitempty"`
	Reply  *messaging.Reply `json:"reply,omitempty"`
}

type Options struct {
	// OriginPatterns is passed to websocket.Accept. Empty allows same-host only.
	OriginPatterns []string
	WriteTimeout   time.Duration
	ReplyTimeout   time.Duration
	Buffer         int
}

// Hub is an http.Handler.
type Hub struct {
	src    Source
	sender Sender
	opts   Options
	conns  atomic.Int64
}

func NewHub(src Source, sender Sender, opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Hub{src: src, sender: sender, opts: opts}
}

// Connections is the number of attached UIs.
func (h *Hub) Connections() int {
	return int(h.conns.Load())
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		log.Printf("[uifeed] accept: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	h.conns.Add(1)
	defer h.conns.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := h.src.Subscribe(h.opts.Buffer)
	defer unsubscribe()

	go h.readLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := h.write(ctx, conn, Frame{Type: "event", Event: &ev}); err != nil {
				if !isClosed(err) {
					log.Printf("[uifeed] write: %v", err)
				}
				return
			}
		}
	}
}

// readLoop forwards control messages until the socket closes.
func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !isClosed(err) && ctx.Err() == nil {
				log.Printf("[uifeed] read: %v", err)
			}
			return
		}
		var msg messaging.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			reply := messaging.Fail(fmt.Errorf("malformed message: %w", err))
			_ = h.write(ctx, conn, Frame{Type: "reply", Reply: &reply})
			continue
		}
		reply := h.forward(ctx, msg)
		if err := h.write(ctx, conn, Frame{Type: "reply", Action: msg.Action, Reply: &reply}); err != nil {
			return
		}
	}
}

func (h *Hub) forward(ctx context.Context, msg messaging.Message) messaging.Reply {
	sendCtx, cancel := context.WithTimeout(ctx, h.opts.ReplyTimeout)
	defer cancel()
	reply, err := h.sender.Send(sendCtx, messaging.BackgroundEndpoint, msg)
	if err != nil {
		return messaging.Fail(err)
	}
	return reply
}

// write is safe to call from both loops; websocket.Conn serializes writers.
func (h *Hub) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, raw)
}

func isClosed(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}

// Serve runs the hub at addr until ctx is done.
func Serve(ctx context.Context, addr string, h *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/feed", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("[uifeed] listening on %s/feed", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

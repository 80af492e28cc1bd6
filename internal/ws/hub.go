// Package ws broadcasts progress samples to WebSocket subscribers. The hub is
// the terminal hop of the reporting pipeline; a slow or dead client never
// blocks a download.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"modelfetch/internal/progress"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	ch chan []byte
}

// Hub fans progress samples out to connected WebSocket clients. It implements
// progress.Publisher.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// Publish serializes the sample once and enqueues it to every subscriber.
// Subscribers whose buffer is full miss the sample; progress is idempotent so
// the next one catches them up.
func (h *Hub) Publish(s progress.Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	h.mu.Unlock()
	return nil
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams samples until the client goes
// away or the server shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.add(sub)
	defer h.remove(sub)
	h.log.Info("progress subscriber connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads are discarded; the socket is one-way. The read loop only exists
	// to observe the client closing, which it signals by cancelling ctx.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				h.log.Info("progress subscriber dropped", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

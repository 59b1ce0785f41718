package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netcapture/internal/domain"
)

const (
	wsWriteTimeout   = 2 * time.Second
	subscriberBuffer = 256
	sseKeepAlive     = 15 * time.Second
)

// MonitorHub fans live events out to websocket clients and in-process
// subscribers (the SSE stream). Slow subscribers miss events; nothing is replayed.
// Broadcast never waits on a client: each websocket has its own queue and writer.
type MonitorHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader

	lmu       sync.RWMutex
	listeners map[chan domain.LiveEvent]struct{}

	redact bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewMonitorHub builds a hub; with redactSensitive set, credential headers in
// captured requests are masked before they leave the process. Browser upgrades
// are accepted from the API's own origin and from allowedOrigins.
func NewMonitorHub(redactSensitive bool, allowedOrigins []string) *MonitorHub {
	return &MonitorHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		}},
		listeners: make(map[chan domain.LiveEvent]struct{}),
		redact:    redactSensitive,
	}
}

func (h *MonitorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cl := &wsClient{conn: c, send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	written := make(chan struct{})
	go cl.writeLoop(written)

	for {
		// reads only detect the client going away
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, cl)
	close(cl.send)
	h.mu.Unlock()
	<-written
	_ = c.Close()
}

// writeLoop is the connection's only writer.
func (cl *wsClient) writeLoop(done chan<- struct{}) {
	defer close(done)
	for data := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// unblocks the read loop, which unregisters and closes send
			_ = cl.conn.Close()
			for range cl.send {
			}
			return
		}
	}
}

// HandleSSE streams live events as server-sent events until the client leaves.
func (h *MonitorHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAM_UNSUPPORTED", "stream unsupported", nil)
		return
	}
	// subscribed before the headers go out, so nothing after them is missed
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := writeSSE(w, flusher, string(ev.Type), ev); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(append(b, '\n', '\n')); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Broadcast implements the capture service's event sink.
func (h *MonitorHub) Broadcast(ev domain.LiveEvent) {
	if h.redact && ev.Request != nil {
		r := redactCapture(*ev.Request)
		ev.Request = &r
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
		}
	}
	h.mu.RUnlock()

	h.lmu.RLock()
	defer h.lmu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel receiving live events. Caller must Unsubscribe.
func (h *MonitorHub) Subscribe() chan domain.LiveEvent {
	ch := make(chan domain.LiveEvent, subscriberBuffer)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

func (h *MonitorHub) Unsubscribe(ch chan domain.LiveEvent) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}

// Clients reports the number of connected websocket clients.
func (h *MonitorHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

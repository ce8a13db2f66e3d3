package command

import (
	"sync"

	"golang.org/x/net/websocket"
)

const clientBuffer = 256

// hub fans log lines out to websocket followers. Slow followers lose lines
// rather than block writers.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Line
	closed  bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan Line)}
}

func (h *hub) register(ws *websocket.Conn) (chan Line, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan Line, clientBuffer)
	h.clients[ws] = ch
	return ch, true
}

func (h *hub) unregister(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[ws]; ok {
		delete(h.clients, ws)
		close(ch)
	}
}

func (h *hub) broadcast(line Line) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ws, ch := range h.clients {
		delete(h.clients, ws)
		close(ch)
	}
}

// serve streams the backlog and then live lines to ws until either side
// goes away. Live lines already covered by the backlog are skipped.
func (h *hub) serve(ws *websocket.Conn, backlog func() []Line) {
	ch, ok := h.register(ws)
	if !ok {
		return
	}
	defer h.unregister(ws)

	var last uint64
	for _, line := range backlog() {
		if err := websocket.JSON.Send(ws, line); err != nil {
			return
		}
		last = line.Seq
	}

	// Reader: answers pings and notices disconnects.
	go func() {
		defer h.unregister(ws)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			if msg == "ping" {
				websocket.Message.Send(ws, "pong") //nolint:errcheck
			}
		}
	}()

	for line := range ch {
		if line.Seq <= last {
			continue
		}
		if err := websocket.JSON.Send(ws, line); err != nil {
			return
		}
	}
}

// Package websocket streams queue status to clients over a WebSocket.
//
// Clients open a WebSocket connection to:
//
//	GET /status/ws
//
// The server immediately sends the current status, then one frame per state
// change. Frames are coalesced: a slow client skips intermediate states but
// always receives the latest one.
//
// Server → client frame:
//
//	{"type":"status","status":{...same shape as GET /status...}}
//
// Client → server frames are read only to detect disconnects; {"type":"ping"}
// is answered with {"type":"pong"}.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/opsync/internal/status"
	"github.com/snehjoshi/opsync/internal/transport/wire"
)

const writeTimeout = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// StatusSource is the part of the engine the stream needs.
type StatusSource interface {
	Status() status.Snapshot
	Subscribe(fn status.Listener) (unsubscribe func())
}

// Handler serves the status stream.
type Handler struct {
	Source StatusSource
}

// Frame is the JSON structure exchanged over the socket.
type Frame struct {
	Type   string       `json:"type"` // "status" | "ping" | "pong"
	Status *wire.Status `json:"status,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Size one: the listener replaces an unsent snapshot with the newer one,
	// so a slow client never blocks the queue.
	updates := make(chan status.Snapshot, 1)
	unsubscribe := h.Source.Subscribe(func(s status.Snapshot) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	// Read client frames to detect disconnects and answer pings.
	control := make(chan Frame, 8)
	done := make(chan struct{})
	defer close(done)
	go readFrames(conn, control, done)

	if !send(conn, statusFrame(h.Source.Status())) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return

		case f, ok := <-control:
			if !ok {
				return // client disconnected
			}
			if f.Type == "ping" && !send(conn, Frame{Type: "pong"}) {
				return
			}

		case s := <-updates:
			if !send(conn, statusFrame(s)) {
				return
			}
		}
	}
}

type messageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// readFrames forwards decoded client frames to control until the connection
// fails or done is closed. control is closed on return.
func readFrames(conn messageReader, control chan<- Frame, done <-chan struct{}) {
	defer close(control)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(raw, &f) != nil {
			continue
		}
		select {
		case control <- f:
		case <-done:
			return
		}
	}
}

func statusFrame(s status.Snapshot) Frame {
	v := wire.FromSnapshot(s)
	return Frame{Type: "status", Status: &v}
}

func send(conn *gorillaws.Conn, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("ws marshal failed", "err", err)
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(gorillaws.TextMessage, data) == nil
}

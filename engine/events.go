package engine

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonwraymond/actionrun/event"
	"github.com/jonwraymond/actionrun/observe"
)

const (
	eventBuffer     = 256
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams events as JSON text frames. ?types= takes a comma
// separated list of event types; without it every event is sent. Events
// are dropped for clients that fall behind.
func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	var types []event.Type
	if raw := r.URL.Query().Get("types"); raw != "" {
		for t := range strings.SplitSeq(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, event.Type(t))
			}
		}
	}

	// Subscribed before the handshake completes so no event is missed.
	events, unsubscribe := e.Subscribe(eventBuffer, types...)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	e.log.Debug(r.Context(), "event stream opened",
		observe.F("remote_addr", r.RemoteAddr),
		observe.F("subscribers", e.bus.Subscribers()),
	)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}

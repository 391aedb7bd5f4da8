package incidentapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait = 10 * time.Second
	streamReadLimit = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// browser consoles on other origins are expected consumers
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream forwards bus messages to a websocket client until either
// side goes away. Clients that fall behind are evicted by the bus and
// must catch up through the query endpoints.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := a.logger

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		L.Warn(ctx, "websocket upgrade failed", "err", err.Error())
		return
	}
	defer func() { _ = conn.Close() }()

	sub := a.stream.Subscribe("ws:" + r.RemoteAddr)
	defer a.stream.Unsubscribe(sub)
	L.Info(ctx, "stream subscriber connected", "subscriber", sub.Name())

	// The read side only exists to notice the client closing.
	gone := make(chan struct{})
	conn.SetReadLimit(streamReadLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			L.Info(ctx, "stream subscriber disconnected", "subscriber", sub.Name())
			return
		case m, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber lagged"),
					time.Now().Add(streamWriteWait))
				L.Warn(ctx, "stream subscriber evicted", "subscriber", sub.Name())
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				L.Warn(ctx, "stream write failed", "subscriber", sub.Name(), "err", err.Error())
				return
			}
		}
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reamlang/ream/internal/ream/runtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatsStream upgrades to a WebSocket and pushes a Stats snapshot
// every interval until the client disconnects.
func StatsStream(rt *runtime.Runtime, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		t := time.NewTicker(interval)
		defer t.Stop()
		for range t.C {
			if err := conn.WriteJSON(rt.Stats()); err != nil {
				return
			}
		}
	}
}

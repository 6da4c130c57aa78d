package controlapi

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
)

// writeWait bounds a single event frame write to the subscriber.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin is not enforced here: the Control API is reached over an
	// operator network, not a public browser origin (§1, TLS termination
	// and CORS are out of scope).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeEvents implements subscribe_events (§6) as a WebSocket upgrade:
// every matching core.Event is forwarded to the client as one JSON text
// frame, in the order the Event Bus delivers it to this subscription.
// ?event_types=a,b&stream_ids=x,y narrows the Filter.
func subscribeEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := parseEventFilter(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("controlapi: events upgrade: %v", err)
			return
		}
		defer conn.Close()

		sub := d.Events.Subscribe(filter)
		defer sub.Close()

		// Discard anything the client sends; this is a server->client-only
		// stream, but frames must still be drained so ping/pong and close
		// control messages are handled by gorilla/websocket's read loop.
		go drainClientReads(conn)

		for e := range sub.C() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

func drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func parseEventFilter(r *http.Request) eventbus.Filter {
	var filter eventbus.Filter
	if v := r.URL.Query().Get("event_types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.EventTypes = append(filter.EventTypes, core.EventType(strings.TrimSpace(t)))
		}
	}
	if v := r.URL.Query().Get("stream_ids"); v != "" {
		for _, id := range strings.Split(v, ",") {
			filter.StreamIDs = append(filter.StreamIDs, core.StreamId(strings.TrimSpace(id)))
		}
	}
	return filter
}

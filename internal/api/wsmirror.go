package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/live"
)

// wsUpgrader mirrors the teacher's internal/ws/server.go upgrader: no
// origin restriction, since this endpoint is a debug/operator tool
// sitting behind the same auth gate as every other API route.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStreamWS serves GET /stream/ws?kind=telemetry|events|envelopes
// as a raw WebSocket mirror of the SSE streams, for operator tooling
// that prefers a socket over an event-stream connection. It carries no
// state beyond the subscription itself: unlike the teacher's
// Broadcaster there is no snapshot-on-connect or achievement fanout,
// just delivery of whatever the matching live.Stream publishes next.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	stream, eventName := s.streamForKind(r.URL.Query().Get("kind"))
	if stream == nil {
		http.Error(w, "unknown kind", http.StatusBadRequest)
		return
	}

	filter := live.Filter{
		OrgID:     r.URL.Query().Get("orgId"),
		SiteID:    r.URL.Query().Get("siteId"),
		MachineID: r.URL.Query().Get("machineId"),
	}
	if !actor.System {
		if filter.OrgID != "" && !actor.CheckOrg(filter.OrgID) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		filter.OrgID = actor.OrgID
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade: %v", err)
		return
	}
	c := newWSClient(conn)
	defer c.close()

	sub := stream.Subscribe(filter)
	defer sub.Unsubscribe()

	go c.readLoop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case item, ok := <-sub.C():
			if !ok {
				return
			}
			msg, err := json.Marshal(wsMessage{Event: eventName, Payload: item.Payload})
			if err != nil {
				continue
			}
			if !c.send(msg) {
				return
			}
		}
	}
}

func (s *Server) streamForKind(kind string) (*live.Stream, string) {
	switch kind {
	case "telemetry":
		return s.telemetry, "telemetry"
	case "events":
		return s.events, "event"
	case "envelopes":
		return s.envelopes, "envelope"
	default:
		return nil, ""
	}
}

type wsMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// wsClient mirrors the teacher's internal/ws/broadcast.go client: a
// send channel drained by a single writePump goroutine so one slow
// socket write never blocks the stream's fanout loop.
type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn, out: make(chan []byte, 64), done: make(chan struct{})}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.out {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames, only watching for the connection
// closing so the outer select can tear the subscription down.
func (c *wsClient) readLoop() {
	defer close(c.done)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) send(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	close(c.out)
}

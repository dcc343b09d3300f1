package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// writeWait bounds how long a single websocket frame write may block,
// per the ping/pong timing inbucket-inbucket's socket controller uses.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvent is the envelope every broadcast frame carries, per spec.md §6's
// listener_notification/listeners_update event pair.
type wsEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub fans out listener_notification and listeners_update events to every
// connected UI websocket client, grounded on inbucket-inbucket's
// msgListener-over-gorilla/websocket pattern but collapsed to a single
// broadcast hub since mailkeeper has no per-mailbox subscription concept.
type Hub struct {
	logger *logrus.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEvent
}

// NewHub creates an empty Hub ready to accept connections and broadcasts.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*wsClient]bool)}
}

// BroadcastNotification sends a listener_notification frame to every
// connected client, wired as a dispatch.NotifySink.
func (h *Hub) BroadcastNotification(n types.Notification) {
	h.broadcast(wsEvent{Event: "listener_notification", Data: n})
}

// BroadcastListenersUpdate sends a listeners_update frame, wired as a
// listener.ChangeCallback.
func (h *Hub) BroadcastListenersUpdate(cfgs []types.ListenerConfig) {
	h.broadcast(wsEvent{Event: "listeners_update", Data: cfgs})
}

func (h *Hub) broadcast(ev wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("websocket client send buffer full, dropping frame")
		}
	}
}

// ServeWS upgrades the request to a websocket connection and registers it
// for broadcasts until the client disconnects. It never sends application
// data inbound; the UI only receives.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan wsEvent, 32)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames but keeps the connection's deadlines
// current via pong handling; its exit triggers cleanup.
func (h *Hub) readPump(c *wsClient) {
	defer h.disconnect(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) disconnect(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

package controllers

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/presentation/controllers/dtos"
	"github.com/iota-uz/dashsync/modules/layouts/services"
	"github.com/iota-uz/dashsync/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	readLimit      = 512
)

type hubMessage struct {
	layoutID string
	payload  []byte
}

// LayoutEventsHub fans committed layout changes out to the websocket clients
// watching the same layout.
type LayoutEventsHub struct {
	register   chan *eventsClient
	unregister chan *eventsClient
	broadcast  chan hubMessage
	done       chan struct{}
	clients    map[*eventsClient]struct{}
	connected  atomic.Int64
	log        *logrus.Entry
}

func NewLayoutEventsHub(log *logrus.Entry) *LayoutEventsHub {
	if log == nil {
		log = logging.Nop()
	}
	return &LayoutEventsHub{
		register:   make(chan *eventsClient),
		unregister: make(chan *eventsClient),
		broadcast:  make(chan hubMessage, 256),
		done:       make(chan struct{}),
		clients:    make(map[*eventsClient]struct{}),
		log:        log.WithField("component", "layouts.events"),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *LayoutEventsHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.connected.Add(1)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if client.layoutID != msg.layoutID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					h.log.WithField("layout_id", client.layoutID).Warn("dropping slow layout events client")
					h.drop(client)
				}
			}
		}
	}
}

func (h *LayoutEventsHub) drop(client *eventsClient) {
	delete(h.clients, client)
	close(client.send)
	h.connected.Add(-1)
}

// Connected returns the number of registered clients.
func (h *LayoutEventsHub) Connected() int {
	return int(h.connected.Load())
}

// Publish queues e for the layout's clients. It never blocks; a full queue
// drops the change.
func (h *LayoutEventsHub) Publish(e *services.LayoutChangedEvent) {
	if h == nil || e == nil {
		return
	}
	data, err := json.Marshal(dtos.LayoutChangeMessage{
		Kind:     string(e.Kind),
		LayoutID: e.LayoutID,
		Region:   e.Region,
		RegionID: e.RegionID,
		IDs:      e.IDs,
	})
	if err != nil {
		h.log.WithError(err).Error("failed to marshal layout change")
		return
	}
	select {
	case h.broadcast <- hubMessage{layoutID: e.LayoutID, payload: data}:
	default:
		h.log.WithField("layout_id", e.LayoutID).Warn("layout events queue full; change dropped")
	}
}

func (h *LayoutEventsHub) join(ctx context.Context, client *eventsClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
	case <-ctx.Done():
	}
	return false
}

func (h *LayoutEventsHub) leave(client *eventsClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

type eventsClient struct {
	hub      *LayoutEventsHub
	conn     *websocket.Conn
	send     chan []byte
	layoutID string
}

func newEventsClient(hub *LayoutEventsHub, conn *websocket.Conn, layoutID string) *eventsClient {
	return &eventsClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		layoutID: layoutID,
	}
}

// readPump only handles control frames; clients never send data.
func (c *eventsClient) readPump() {
	defer c.hub.leave(c)
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *eventsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

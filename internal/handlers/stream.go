package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/narration-stream/internal/player"
)

// StreamHandler pushes playback events over WebSocket and accepts control messages
type StreamHandler struct {
	registry *player.Registry
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(registry *player.Registry) *StreamHandler {
	return &StreamHandler{
		registry: registry,
	}
}

// controlMessage is what clients send, e.g. {"action":"seek","value":0.5}
type controlMessage struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// Upgrade rejects non-WebSocket requests and unknown sessions before the handshake
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := h.registry.Get(c.Params("id")); !ok {
		return sessionNotFound(c)
	}
	return c.Next()
}

// Handle processes WebSocket connections
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	o, ok := h.registry.Get(id)
	if !ok {
		c.WriteJSON(fiber.Map{"type": "error", "message": "session not found"})
		return
	}

	log.Printf("WebSocket connection established for session %s", id)

	events := make(chan player.Event, 128)
	unsubscribe := o.Subscribe(func(ev player.Event) {
		select {
		case events <- ev:
		default:
			if ev.Type != player.EventProgress {
				log.Printf("WebSocket %s: client too slow, dropped %s event", id, ev.Type)
			}
		}
	})
	defer unsubscribe()

	if st, err := o.Status(); err == nil {
		c.WriteJSON(fiber.Map{"type": "status", "status": st})
	}

	// Reads happen on their own goroutine; all writes stay on this one
	closed := make(chan struct{})
	controls := make(chan controlMessage, 16)
	go func() {
		defer close(closed)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			var msg controlMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				msg = controlMessage{Action: string(message)}
			}
			select {
			case controls <- msg:
			case <-o.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := c.WriteJSON(ev); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case msg := <-controls:
			if err := applyAction(o, msg.Action, msg.Value); err != nil {
				c.WriteJSON(fiber.Map{"type": "error", "action": msg.Action, "message": err.Error()})
			}

		case <-o.Done():
			c.WriteJSON(fiber.Map{"type": "closed"})
			return

		case <-closed:
			log.Printf("WebSocket connection closed for session %s", id)
			return
		}
	}
}

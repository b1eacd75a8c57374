package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/notifications"
)

const (
	eventHeartbeatInterval = 30 * time.Second
	eventWriteTimeout      = 10 * time.Second
)

// EventStream handles GET /api/events/stream (SSE)
func (h *Handlers) EventStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	events, unsubscribe := h.notifier.Subscribe()
	defer unsubscribe()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		RespondInternalError(c, "Streaming unsupported")
		return
	}

	sendSSEEvent(c, notifications.Event{
		Type:      notifications.EventConnected,
		Timestamp: time.Now().UnixMilli(),
	})
	flusher.Flush()

	log.Debug().Msg("client connected to event stream")

	ticker := time.NewTicker(eventHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			sendSSEEvent(c, event)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			flusher.Flush()

		case <-c.Request.Context().Done():
			log.Debug().Msg("client disconnected from event stream")
			return
		}
	}
}

func sendSSEEvent(c *gin.Context, event notifications.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same-host UI, origin enforcement adds nothing here
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventWebSocket handles GET /api/events/ws
// Same feed as the SSE stream for clients that prefer a socket
func (h *Handlers) EventWebSocket(c *gin.Context) {
	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("event WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log.MarkHijacked(c)
	c.Abort()

	events, unsubscribe := h.notifier.Subscribe()
	defer unsubscribe()

	// reader exists only to notice the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventHeartbeatInterval)
	defer ticker.Stop()

	if err := writeEvent(conn, notifications.Event{
		Type:      notifications.EventConnected,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(eventWriteTimeout))
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event notifications.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(event)
}

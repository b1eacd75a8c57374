package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/sessions"
	"github.com/agentdeck/agentdeck/sessions/transport"
)

// StartStream handles POST /api/stream
func (h *Handlers) StartStream(c *gin.Context) {
	var body struct {
		Name        string `json:"name"`
		Prompt      string `json:"prompt" binding:"required"`
		WorkingDir  string `json:"workingDir" binding:"required"`
		TurnLimit   int    `json:"turnLimit"`
		ResumeToken string `json:"resumeToken"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}
	if body.TurnLimit < 0 {
		RespondBadRequest(c, "turnLimit must be >= 0")
		return
	}

	live, err := h.sessions.StartStream(body.Name, body.Prompt, body.WorkingDir, body.TurnLimit, body.ResumeToken)
	if err != nil {
		respondSessionError(c, err)
		return
	}

	record, err := h.sessions.Store().GetSession(live.ID)
	if err != nil || record == nil {
		RespondInternalError(c, "Stream started but record unavailable")
		return
	}
	RespondCreated(c, h.sessionView(*record))
}

// ContinueStream handles POST /api/stream/:id/continue
func (h *Handlers) ContinueStream(c *gin.Context) {
	var body struct {
		Prompt string `json:"prompt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	live, err := h.sessions.Continue(c.Param("id"), body.Prompt)
	if err != nil {
		respondSessionError(c, err)
		return
	}

	record, err := h.sessions.Store().GetSession(live.ID)
	if err != nil || record == nil {
		RespondInternalError(c, "Stream continued but record unavailable")
		return
	}
	RespondData(c, h.sessionView(*record))
}

// ApproveTool handles POST /api/stream/:id/approve
func (h *Handlers) ApproveTool(c *gin.Context) {
	var body struct {
		ToolUseID string `json:"toolUseId" binding:"required"`
		Approved  *bool  `json:"approved" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if err := h.sessions.Approve(c.Param("id"), body.ToolUseID, *body.Approved); err != nil {
		respondSessionError(c, err)
		return
	}
	RespondNoContent(c)
}

// GetStreamMessages handles GET /api/stream/:id/messages
// Returns the messages accumulated on the live handle for the current run
func (h *Handlers) GetStreamMessages(c *gin.Context) {
	live := h.sessions.Registry().Get(c.Param("id"))
	if live == nil {
		RespondNotFound(c, "Session not found")
		return
	}
	RespondList[transport.Message](c, live.Messages())
}

// StreamWebSocket handles GET /api/stream/:id/ws
// Read-only feed: each stream-json message is relayed as a text frame as
// it arrives.
func (h *Handlers) StreamWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	live := h.sessions.Registry().Get(sessionID)
	if live == nil {
		RespondNotFound(c, "Session not found")
		return
	}

	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := sessions.NewClient(256)
	h.sessions.Registry().AddSubscriber(sessionID, client)
	defer h.sessions.Registry().RemoveSubscriber(sessionID, client)

	// Reads only serve to detect the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case data, ok := <-client.Send:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket write failed")
				}
				return
			}
		}
	}
}

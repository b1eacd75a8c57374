package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/sessions"
)

// SessionView merges a persisted record with live-handle state
type SessionView struct {
	db.SessionRecord
	Live         bool                         `json:"live"`
	State        string                       `json:"state,omitempty"`
	Subscribers  int                          `json:"subscribers,omitempty"`
	MessageCount int                          `json:"messageCount,omitempty"`
	Approvals    map[string]sessions.Approval `json:"approvals,omitempty"`
}

func (h *Handlers) sessionView(record db.SessionRecord) SessionView {
	view := SessionView{SessionRecord: record}
	live := h.sessions.Registry().Get(record.ID)
	if live == nil {
		return view
	}
	view.Live = true
	view.State = live.State()
	view.Subscribers = h.sessions.Registry().SubscriberCount(record.ID)
	if live.Kind == sessions.KindSDK {
		view.MessageCount = live.MessageCount()
		view.Approvals = live.Approvals()
	}
	return view
}

// ListSessions handles GET /api/sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	records, err := h.sessions.Store().ListSessions()
	if err != nil {
		RespondInternalError(c, "Failed to list sessions")
		return
	}

	views := make([]SessionView, 0, len(records))
	for _, r := range records {
		views = append(views, h.sessionView(r))
	}
	RespondList(c, views)
}

// CreateSession handles POST /api/sessions
func (h *Handlers) CreateSession(c *gin.Context) {
	var body struct {
		Name        string `json:"name"`
		WorkingDir  string `json:"workingDir" binding:"required"`
		ResumeToken string `json:"resumeToken"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	live, err := h.sessions.CreateTerminal(body.Name, body.WorkingDir, body.ResumeToken)
	if err != nil {
		respondSessionError(c, err)
		return
	}

	record, err := h.sessions.Store().GetSession(live.ID)
	if err != nil || record == nil {
		RespondInternalError(c, "Session created but record unavailable")
		return
	}
	RespondCreated(c, h.sessionView(*record))
}

// GetSession handles GET /api/sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	record, err := h.sessions.Store().GetSession(c.Param("id"))
	if err != nil {
		RespondInternalError(c, "Failed to load session")
		return
	}
	if record == nil {
		RespondNotFound(c, "Session not found")
		return
	}
	RespondData(c, h.sessionView(*record))
}

// DeleteSession handles DELETE /api/sessions/:id
func (h *Handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")

	record, err := h.sessions.Store().GetSession(id)
	if err != nil {
		RespondInternalError(c, "Failed to load session")
		return
	}
	if record == nil {
		RespondNotFound(c, "Session not found")
		return
	}

	if err := h.sessions.Delete(id); err != nil {
		RespondInternalError(c, "Failed to delete session")
		return
	}
	RespondNoContent(c)
}

// RestartSession handles POST /api/sessions/:id/restart
func (h *Handlers) RestartSession(c *gin.Context) {
	live, err := h.sessions.Restart(c.Param("id"))
	if err != nil {
		respondSessionError(c, err)
		return
	}

	record, err := h.sessions.Store().GetSession(live.ID)
	if err != nil || record == nil {
		RespondInternalError(c, "Session restarted but record unavailable")
		return
	}
	RespondData(c, h.sessionView(*record))
}

// TerminateSession handles POST /api/sessions/:id/terminate
func (h *Handlers) TerminateSession(c *gin.Context) {
	if err := h.sessions.Terminate(c.Param("id")); err != nil {
		respondSessionError(c, err)
		return
	}
	RespondNoContent(c)
}

// ResizeSession handles POST /api/sessions/:id/resize
func (h *Handlers) ResizeSession(c *gin.Context) {
	var body struct {
		Cols uint16 `json:"cols" binding:"required"`
		Rows uint16 `json:"rows" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if err := h.sessions.Resize(c.Param("id"), body.Cols, body.Rows); err != nil {
		RespondInternalError(c, "Failed to resize session")
		return
	}
	RespondNoContent(c)
}

// SendSessionInput handles POST /api/sessions/:id/input
func (h *Handlers) SendSessionInput(c *gin.Context) {
	var body struct {
		Data string `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if err := h.sessions.SendInput(c.Param("id"), []byte(body.Data)); err != nil {
		respondSessionError(c, err)
		return
	}
	RespondNoContent(c)
}

// GetSessionHistory handles GET /api/sessions/:id/history
func (h *Handlers) GetSessionHistory(c *gin.Context) {
	id := c.Param("id")

	record, err := h.sessions.Store().GetSession(id)
	if err != nil {
		RespondInternalError(c, "Failed to load session")
		return
	}
	if record == nil {
		RespondNotFound(c, "Session not found")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			RespondBadRequest(c, "Invalid limit")
			return
		}
	}

	entries, err := h.sessions.Store().ListHistory(id, limit)
	if err != nil {
		RespondInternalError(c, "Failed to load history")
		return
	}
	RespondList(c, entries)
}

// terminal WebSocket control frames sent as text messages
type terminalControl struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionWebSocket handles WebSocket connection for terminal I/O.
// Binary frames are raw terminal bytes in both directions; text frames
// carry control messages (resize).
func (h *Handlers) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	live := h.sessions.Registry().Get(sessionID)
	if live == nil {
		RespondNotFound(c, "Session not found")
		return
	}

	// Gin wraps the response writer to track state, but WebSocket needs
	// the raw writer for hijacking
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host UI, no cross-origin surface
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Prevent middleware from writing headers on the hijacked connection
	log.MarkHijacked(c)
	c.Abort()

	// Gin's request context doesn't cancel when the WebSocket closes
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := sessions.NewClient(256)
	h.sessions.Registry().AddSubscriber(sessionID, client)
	defer h.sessions.Registry().RemoveSubscriber(sessionID, client)

	// Session output → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-client.Send:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					log.Debug().Err(err).Msg("WebSocket ping failed")
					return
				}
			}
		}
	}()

	// WebSocket → session input
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				log.Debug().Str("sessionId", sessionID).Int("closeStatus", int(closeStatus)).Msg("terminal WebSocket closed normally")
			} else {
				log.Info().Err(err).Str("sessionId", sessionID).Msg("terminal WebSocket read error")
			}
			cancel()
			break
		}

		switch msgType {
		case websocket.MessageBinary:
			if err := h.sessions.SendInput(sessionID, msg); err != nil {
				log.Error().Err(err).Str("sessionId", sessionID).Msg("session input failed")
				cancel()
				conn.Close(websocket.StatusInternalError, "input error")
			}
		case websocket.MessageText:
			var ctl terminalControl
			if err := json.Unmarshal(msg, &ctl); err != nil {
				continue
			}
			if ctl.Type == "resize" {
				if err := h.sessions.Resize(sessionID, ctl.Cols, ctl.Rows); err != nil {
					log.Debug().Err(err).Str("sessionId", sessionID).Msg("resize failed")
				}
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	<-sendDone
	<-pingDone
}

package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// API group
	api := r.Group("/api")

	// Session routes
	api.GET("/sessions", h.ListSessions)
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.DeleteSession)
	api.POST("/sessions/:id/restart", h.RestartSession)
	api.POST("/sessions/:id/terminate", h.TerminateSession)
	api.POST("/sessions/:id/resize", h.ResizeSession)
	api.POST("/sessions/:id/input", h.SendSessionInput)
	api.GET("/sessions/:id/history", h.GetSessionHistory)
	api.GET("/sessions/:id/ws", h.SessionWebSocket)

	// Streaming session routes
	api.POST("/stream", h.StartStream)
	api.POST("/stream/:id/continue", h.ContinueStream)
	api.POST("/stream/:id/approve", h.ApproveTool)
	api.POST("/stream/:id/terminate", h.TerminateSession)
	api.GET("/stream/:id/messages", h.GetStreamMessages)
	api.GET("/stream/:id/ws", h.StreamWebSocket)

	// Discovery routes
	api.GET("/discovery/sessions", h.ListDiscovered)
	api.GET("/discovery/sessions/:externalId", h.GetDiscovered)
	api.GET("/discovery/latest", h.ListLatestDiscovered)
	api.POST("/discovery/import", h.ImportDiscovered)

	// Event feed (SSE and WebSocket)
	api.GET("/events/stream", h.EventStream)
	api.GET("/events/ws", h.EventWebSocket)
}

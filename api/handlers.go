package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/discovery"
	"github.com/agentdeck/agentdeck/notifications"
	"github.com/agentdeck/agentdeck/sessions"
)

// Handlers carries the components API handlers operate on
type Handlers struct {
	sessions *sessions.Service
	scanner  *discovery.Scanner
	importer *discovery.Importer
	notifier *notifications.Service
}

// NewHandlers creates the handler set
func NewHandlers(svc *sessions.Service, scanner *discovery.Scanner, importer *discovery.Importer, notifier *notifications.Service) *Handlers {
	return &Handlers{
		sessions: svc,
		scanner:  scanner,
		importer: importer,
		notifier: notifier,
	}
}

// respondSessionError maps session-layer errors onto HTTP responses
func respondSessionError(c *gin.Context, err error) {
	var launchErr *sessions.LaunchError
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		RespondNotFound(c, "Session not found")
	case errors.Is(err, sessions.ErrNoResumableSession):
		RespondConflict(c, "Session has no resumable conversation yet")
	case errors.Is(err, sessions.ErrTooManySessions):
		RespondTooManyRequests(c, "Too many live sessions")
	case errors.As(err, &launchErr):
		RespondLaunchFailed(c, launchErr.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}

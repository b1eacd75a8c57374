package api

import (
	"github.com/gin-gonic/gin"
)

// ListDiscovered handles GET /api/discovery/sessions
// Scans the transcripts root and returns every resumable conversation,
// most recent first.
func (h *Handlers) ListDiscovered(c *gin.Context) {
	found, err := h.scanner.DiscoverAll()
	if err != nil {
		RespondInternalError(c, "Failed to scan transcripts")
		return
	}
	RespondList(c, found)
}

// ListLatestDiscovered handles GET /api/discovery/latest
// Returns only the most recent transcript per project directory.
func (h *Handlers) ListLatestDiscovered(c *gin.Context) {
	found, err := h.scanner.DiscoverLatestPerProject()
	if err != nil {
		RespondInternalError(c, "Failed to scan transcripts")
		return
	}
	RespondList(c, found)
}

// GetDiscovered handles GET /api/discovery/sessions/:externalId
func (h *Handlers) GetDiscovered(c *gin.Context) {
	ds, err := h.scanner.Lookup(c.Param("externalId"))
	if err != nil {
		RespondInternalError(c, "Failed to scan transcripts")
		return
	}
	if ds == nil {
		RespondNotFound(c, "Transcript not found")
		return
	}
	RespondData(c, ds)
}

// ImportDiscovered handles POST /api/discovery/import
func (h *Handlers) ImportDiscovered(c *gin.Context) {
	var body struct {
		ExternalIDs []string `json:"externalIds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}
	if len(body.ExternalIDs) == 0 {
		RespondBadRequest(c, "externalIds must not be empty")
		return
	}

	results, err := h.importer.ImportSelected(body.ExternalIDs)
	if err != nil {
		RespondInternalError(c, "Failed to import sessions")
		return
	}

	h.notifier.NotifyDiscoveryChanged()
	RespondList(c, results)
}

package discovery

import (
	"encoding/json"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/sessions"
)

// Per-token import outcomes
const (
	OutcomeImported        = "imported"
	OutcomeAlreadyImported = "already_imported"
	OutcomeNotFound        = "not_found"
	OutcomeFailed          = "failed"
)

// ImportResult reports what happened to one requested token
type ImportResult struct {
	ExternalID string `json:"externalId"`
	Outcome    string `json:"outcome"`
	SessionID  string `json:"sessionId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type importMetadata struct {
	MessageCount   int    `json:"messageCount"`
	Version        string `json:"version,omitempty"`
	TranscriptPath string `json:"transcriptPath"`
}

// Importer turns discovered transcripts into persisted session records
type Importer struct {
	store   sessions.Store
	scanner *Scanner
}

// NewImporter creates an importer over the given store and scanner
func NewImporter(store sessions.Store, scanner *Scanner) *Importer {
	return &Importer{store: store, scanner: scanner}
}

// ImportSelected imports the transcripts identified by the given tokens.
// Each token gets its own outcome; one failure never aborts the batch.
// Imported records are resumable but start without a process.
func (im *Importer) ImportSelected(externalIDs []string) ([]ImportResult, error) {
	all, err := im.scanner.DiscoverAll()
	if err != nil {
		return nil, err
	}

	byToken := make(map[string]*DiscoveredSession, len(all))
	for i := range all {
		byToken[all[i].ExternalID] = &all[i]
	}

	results := make([]ImportResult, 0, len(externalIDs))
	for _, token := range externalIDs {
		results = append(results, im.importOne(token, byToken[token]))
	}
	return results, nil
}

func (im *Importer) importOne(token string, ds *DiscoveredSession) ImportResult {
	if ds == nil {
		return ImportResult{ExternalID: token, Outcome: OutcomeNotFound}
	}

	existing, err := im.store.GetSessionByExternalID(token)
	if err != nil {
		return ImportResult{ExternalID: token, Outcome: OutcomeFailed, Error: err.Error()}
	}
	if existing != nil {
		return ImportResult{ExternalID: token, Outcome: OutcomeAlreadyImported, SessionID: existing.ID}
	}

	meta, _ := json.Marshal(importMetadata{
		MessageCount:   ds.MessageCount,
		Version:        ds.Version,
		TranscriptPath: ds.TranscriptPath,
	})

	id := uuid.New().String()
	externalID := token
	transcriptPath := ds.TranscriptPath
	record := &db.SessionRecord{
		ID:             id,
		Name:           filepath.Base(ds.WorkingDir),
		CreatedAt:      ds.CreatedAt.UnixMilli(),
		LastActiveAt:   ds.ModifiedAt.UnixMilli(),
		WorkingDir:     ds.WorkingDir,
		Status:         db.StatusInactive,
		Kind:           db.KindTerminal,
		HasProcess:     false,
		CanReinit:      true,
		Metadata:       string(meta),
		ExternalID:     &externalID,
		TranscriptPath: &transcriptPath,
		Discovered:     true,
	}
	if err := im.store.CreateSession(record); err != nil {
		return ImportResult{ExternalID: token, Outcome: OutcomeFailed, Error: err.Error()}
	}

	log.Info().
		Str("sessionId", id).
		Str("externalId", token).
		Str("cwd", ds.WorkingDir).
		Int("messages", ds.MessageCount).
		Msg("imported discovered session")

	return ImportResult{ExternalID: token, Outcome: OutcomeImported, SessionID: id}
}

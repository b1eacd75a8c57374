package sessions

import (
	"github.com/agentdeck/agentdeck/db"
)

// Store is the persistence port for session records and history. The db
// package implements it; tests use an in-memory fake.
type Store interface {
	CreateSession(r *db.SessionRecord) error
	GetSession(id string) (*db.SessionRecord, error)
	GetSessionByExternalID(externalID string) (*db.SessionRecord, error)
	ListSessions() ([]db.SessionRecord, error)
	UpdateSession(id string, u db.SessionUpdate) error
	DeleteSession(id string) error
	AppendHistory(e *db.HistoryEntry) error
	ListHistory(sessionID string, limit int) ([]db.HistoryEntry, error)
}

// dbAdapter adapts the db package to the Store interface
type dbAdapter struct{}

// NewDBStore returns a Store backed by the application database
func NewDBStore() Store {
	return &dbAdapter{}
}

func (a *dbAdapter) CreateSession(r *db.SessionRecord) error {
	return db.CreateSessionRecord(r)
}

func (a *dbAdapter) GetSession(id string) (*db.SessionRecord, error) {
	return db.GetSessionRecord(id)
}

func (a *dbAdapter) GetSessionByExternalID(externalID string) (*db.SessionRecord, error) {
	return db.GetSessionRecordByExternalID(externalID)
}

func (a *dbAdapter) ListSessions() ([]db.SessionRecord, error) {
	return db.ListSessionRecords()
}

func (a *dbAdapter) UpdateSession(id string, u db.SessionUpdate) error {
	return db.UpdateSessionRecord(id, u)
}

func (a *dbAdapter) DeleteSession(id string) error {
	return db.DeleteSessionRecord(id)
}

func (a *dbAdapter) AppendHistory(e *db.HistoryEntry) error {
	return db.AppendHistory(e)
}

func (a *dbAdapter) ListHistory(sessionID string, limit int) ([]db.HistoryEntry, error) {
	return db.ListHistory(sessionID, limit)
}

package db

import (
	"database/sql"
	"time"
)

// SessionStatus values for SessionRecord.Status
const (
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusTerminated = "terminated"
	StatusCrashed    = "crashed"
	StatusCompleted  = "completed"
)

// SessionKind values for SessionRecord.Kind
const (
	KindTerminal = "terminal"
	KindSDK      = "sdk"
)

// History entry directions
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// SessionRecord is the durable record of a session.
// ExternalID is the identifier minted by the agent CLI itself (used for
// --resume); it is distinct from our own ID and unique when present.
type SessionRecord struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	CreatedAt      int64   `json:"createdAt"`
	LastActiveAt   int64   `json:"lastActiveAt"`
	WorkingDir     string  `json:"workingDir"`
	Status         string  `json:"status"`
	Kind           string  `json:"kind"`
	HasProcess     bool    `json:"hasProcess"`
	CanReinit      bool    `json:"canReinit"`
	Metadata       string  `json:"metadata,omitempty"` // kind-specific JSON blob
	ExternalID     *string `json:"externalId,omitempty"`
	TranscriptPath *string `json:"transcriptPath,omitempty"`
	Discovered     bool    `json:"discovered"`
}

// SessionUpdate holds the mutable fields of a SessionRecord for partial
// updates. Nil pointers mean "leave unchanged".
type SessionUpdate struct {
	Name           *string
	LastActiveAt   *int64
	Status         *string
	HasProcess     *bool
	CanReinit      *bool
	Metadata       *string
	ExternalID     *string
	TranscriptPath *string
}

// HistoryEntry is one append-only line of session history
type HistoryEntry struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Direction string `json:"direction"` // "input" or "output"
	Content   string `json:"content"`
}

// NowMs returns the current time as Unix milliseconds (int64)
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NullString converts *string to sql.NullString
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// StringPtr converts sql.NullString to *string
func StringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

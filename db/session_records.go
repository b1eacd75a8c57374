package db

import (
	"database/sql"
	"fmt"
	"strings"
)

const sessionColumns = `id, name, created_at, last_active_at, working_dir, status, kind,
	has_process, can_reinit, metadata, external_id, transcript_path, discovered`

func scanSessionRow(row *sql.Row) (SessionRecord, error) {
	var r SessionRecord
	var externalID, transcriptPath sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.LastActiveAt, &r.WorkingDir,
		&r.Status, &r.Kind, &r.HasProcess, &r.CanReinit, &r.Metadata,
		&externalID, &transcriptPath, &r.Discovered)
	if err != nil {
		return r, err
	}
	r.ExternalID = StringPtr(externalID)
	r.TranscriptPath = StringPtr(transcriptPath)
	return r, nil
}

func scanSessionRows(rows *sql.Rows) (SessionRecord, error) {
	var r SessionRecord
	var externalID, transcriptPath sql.NullString
	err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, &r.LastActiveAt, &r.WorkingDir,
		&r.Status, &r.Kind, &r.HasProcess, &r.CanReinit, &r.Metadata,
		&externalID, &transcriptPath, &r.Discovered)
	if err != nil {
		return r, err
	}
	r.ExternalID = StringPtr(externalID)
	r.TranscriptPath = StringPtr(transcriptPath)
	return r, nil
}

// CreateSessionRecord inserts a new session record
func CreateSessionRecord(r *SessionRecord) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = NowMs()
	}
	if r.LastActiveAt == 0 {
		r.LastActiveAt = r.CreatedAt
	}

	_, err := Run(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.CreatedAt, r.LastActiveAt, r.WorkingDir, r.Status, r.Kind,
		r.HasProcess, r.CanReinit, r.Metadata,
		NullString(r.ExternalID), NullString(r.TranscriptPath), r.Discovered)
	return err
}

// GetSessionRecord retrieves a session record by ID, nil if not found
func GetSessionRecord(id string) (*SessionRecord, error) {
	return SelectOne(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		[]QueryParam{id},
		scanSessionRow,
	)
}

// GetSessionRecordByExternalID retrieves a session record by the CLI-minted
// identifier, nil if not found
func GetSessionRecordByExternalID(externalID string) (*SessionRecord, error) {
	return SelectOne(
		`SELECT `+sessionColumns+` FROM sessions WHERE external_id = ?`,
		[]QueryParam{externalID},
		scanSessionRow,
	)
}

// ListSessionRecords returns all session records, most recently active first
func ListSessionRecords() ([]SessionRecord, error) {
	return Select(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY last_active_at DESC`,
		nil,
		scanSessionRows,
	)
}

// UpdateSessionRecord applies a partial update to a session record.
// Fields left nil in the update are not touched.
func UpdateSessionRecord(id string, u SessionUpdate) error {
	var sets []string
	var params []QueryParam

	if u.Name != nil {
		sets = append(sets, "name = ?")
		params = append(params, *u.Name)
	}
	if u.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		params = append(params, *u.LastActiveAt)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		params = append(params, *u.Status)
	}
	if u.HasProcess != nil {
		sets = append(sets, "has_process = ?")
		params = append(params, *u.HasProcess)
	}
	if u.CanReinit != nil {
		sets = append(sets, "can_reinit = ?")
		params = append(params, *u.CanReinit)
	}
	if u.Metadata != nil {
		sets = append(sets, "metadata = ?")
		params = append(params, *u.Metadata)
	}
	if u.ExternalID != nil {
		sets = append(sets, "external_id = ?")
		params = append(params, *u.ExternalID)
	}
	if u.TranscriptPath != nil {
		sets = append(sets, "transcript_path = ?")
		params = append(params, *u.TranscriptPath)
	}

	if len(sets) == 0 {
		return nil
	}

	params = append(params, id)
	result, err := Run(
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		params...,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session record %s not found", id)
	}
	return nil
}

// DeleteSessionRecord removes a session record (history cascades)
func DeleteSessionRecord(id string) error {
	found, err := Exists(`SELECT 1 FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("session record %s not found", id)
	}
	_, err = Run(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

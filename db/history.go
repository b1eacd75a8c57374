package db

import "database/sql"

// AppendHistory appends one history entry for a session. Entries are never
// updated or reordered afterwards.
func AppendHistory(e *HistoryEntry) error {
	if e.Timestamp == 0 {
		e.Timestamp = NowMs()
	}

	result, err := Run(`
		INSERT INTO session_history (session_id, ts, direction, content)
		VALUES (?, ?, ?, ?)
	`, e.SessionID, e.Timestamp, e.Direction, e.Content)
	if err != nil {
		return err
	}

	e.ID, _ = result.LastInsertId()
	return nil
}

// ListHistory returns the most recent limit entries for a session in
// chronological order. limit <= 0 returns everything.
func ListHistory(sessionID string, limit int) ([]HistoryEntry, error) {
	scanner := func(rows *sql.Rows) (HistoryEntry, error) {
		var e HistoryEntry
		err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Direction, &e.Content)
		return e, err
	}

	if limit <= 0 {
		return Select(`
			SELECT id, session_id, ts, direction, content
			FROM session_history WHERE session_id = ? ORDER BY id ASC
		`, []QueryParam{sessionID}, scanner)
	}

	// Grab the newest rows, then flip back to chronological order
	entries, err := Select(`
		SELECT id, session_id, ts, direction, content
		FROM session_history WHERE session_id = ? ORDER BY id DESC LIMIT ?
	`, []QueryParam{sessionID, limit}, scanner)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

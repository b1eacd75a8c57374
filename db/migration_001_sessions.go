package db

import "database/sql"

func init() {
	RegisterMigration(Migration{
		Version:     1,
		Description: "session records and history",
		Up:          migration001Sessions,
	})
}

func migration001Sessions(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'inactive',
			kind TEXT NOT NULL DEFAULT 'terminal',
			has_process INTEGER NOT NULL DEFAULT 0,
			can_reinit INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			external_id TEXT,
			transcript_path TEXT,
			discovered INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}

	// ExternalID is minted by the agent CLI; at most one record may claim it
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_external_id
		ON sessions(external_id) WHERE external_id IS NOT NULL
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS session_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			direction TEXT NOT NULL,
			content TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_session_history_session
		ON session_history(session_id, id)
	`)
	return err
}

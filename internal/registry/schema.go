package registry

import "fmt"

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY
);`

const schemaBooks = `
CREATE TABLE IF NOT EXISTS books (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT,
	narrator TEXT,
	cover TEXT,
	state TEXT NOT NULL DEFAULT 'unregistered',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

const schemaTracks = `
CREATE TABLE IF NOT EXISTS tracks (
	book_id TEXT NOT NULL,
	key TEXT NOT NULL,
	position INTEGER NOT NULL,
	title TEXT,
	path TEXT NOT NULL,
	duration_seconds REAL NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
	PRIMARY KEY (book_id, key),
	FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE
);`

const schemaChapters = `
CREATE TABLE IF NOT EXISTS chapters (
	book_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	title TEXT NOT NULL,
	track_key TEXT NOT NULL,
	offset_seconds REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (book_id, idx),
	FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE
);`

const schemaLocations = `
CREATE TABLE IF NOT EXISTS locations (
	book_id TEXT PRIMARY KEY,
	track_key TEXT NOT NULL,
	timestamp_seconds REAL NOT NULL CHECK (timestamp_seconds >= 0),
	chapter_index INTEGER NOT NULL DEFAULT 0,
	saved_at INTEGER NOT NULL,
	FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE
);`

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			schemaBooks,
			schemaTracks,
			schemaChapters,
			schemaLocations,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_books_state ON books(state);`,
			`CREATE INDEX IF NOT EXISTS idx_locations_saved_at ON locations(saved_at DESC);`,
		},
	},
}

// MigrateSchema brings the database up to the latest schema version
func (s *Store) MigrateSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry: missing database connection")
	}

	if _, err := s.db.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("registry: create schema_migrations table: %w", err)
	}

	current, err := s.currentSchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

func (s *Store) currentSchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("registry: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("registry: begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("registry: migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("registry: record migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

// Package registry is the local book registry: which books exist, whether
// their audio is on disk, and the last saved listening location of each.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/mo"
	_ "modernc.org/sqlite"
)

var logger = log.For("registry")

// ErrNotFound is returned when a book is not in the registry
var ErrNotFound = errors.New("registry: book not found")

// Options tune the sqlite connection
type Options struct {
	BusyTimeout time.Duration
}

// Store is a sqlite-backed registry
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu sync.Mutex
}

// Open opens (creating if needed) the registry at path and migrates it.
// path may be ":memory:".
func Open(path string, options Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", int(options.BusyTimeout/time.Millisecond)),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("registry: %s: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.MigrateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("registry: missing database connection")
	}
	return s.db.Ping()
}

// SaveBook inserts or replaces a book together with its tracks and chapters.
// The saved location, if any, is kept. A zero state leaves an existing
// book's state untouched.
func (s *Store) SaveBook(book types.Book, state types.BookState) error {
	if book.ID == "" {
		return fmt.Errorf("registry: book id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	_, err = tx.Exec(`
		INSERT INTO books (id, title, author, narrator, cover, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			narrator = excluded.narrator,
			cover = excluded.cover,
			state = CASE WHEN ? THEN excluded.state ELSE books.state END,
			updated_at = excluded.updated_at`,
		book.ID, book.Title, book.Author, book.Narrator, book.CoverURL, state.String(), now, now,
		state != types.BookUnregistered,
	)
	if err != nil {
		return fmt.Errorf("registry: save book %s: %w", book.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM tracks WHERE book_id = ?`, book.ID); err != nil {
		return err
	}
	for i, tr := range book.Tracks {
		if _, err := tx.Exec(`
			INSERT INTO tracks (book_id, key, position, title, path, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?)`,
			book.ID, tr.Key, i, tr.Title, tr.Path, tr.Duration,
		); err != nil {
			return fmt.Errorf("registry: save track %s/%s: %w", book.ID, tr.Key, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM chapters WHERE book_id = ?`, book.ID); err != nil {
		return err
	}
	for _, ch := range book.Chapters {
		if _, err := tx.Exec(`
			INSERT INTO chapters (book_id, idx, title, track_key, offset_seconds, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?)`,
			book.ID, ch.Index, ch.Title, ch.TrackKey, ch.Offset, ch.Duration,
		); err != nil {
			return fmt.Errorf("registry: save chapter %s/%d: %w", book.ID, ch.Index, err)
		}
	}

	return tx.Commit()
}

// SetState updates a registered book's download state
func (s *Store) SetState(bookID string, state types.BookState) error {
	res, err := s.db.Exec(`UPDATE books SET state = ?, updated_at = ? WHERE id = ?`,
		state.String(), s.now().Unix(), bookID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// State returns the download state of a book. Books the registry does not
// know, and lookup failures, report BookUnregistered.
func (s *Store) State(bookID string) types.BookState {
	var name string
	err := s.db.QueryRow(`SELECT state FROM books WHERE id = ?`, bookID).Scan(&name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.WithError(err).Warnf("state lookup for %s failed", bookID)
		}
		return types.BookUnregistered
	}
	return types.ParseBookState(name)
}

// Book loads a book with its tracks and chapters
func (s *Store) Book(bookID string) (types.Book, error) {
	var book types.Book
	var author, narrator, cover sql.NullString
	err := s.db.QueryRow(`SELECT id, title, author, narrator, cover FROM books WHERE id = ?`, bookID).
		Scan(&book.ID, &book.Title, &author, &narrator, &cover)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Book{}, ErrNotFound
	}
	if err != nil {
		return types.Book{}, err
	}
	book.Author, book.Narrator, book.CoverURL = author.String, narrator.String, cover.String

	rows, err := s.db.Query(`
		SELECT key, title, path, duration_seconds FROM tracks
		WHERE book_id = ? ORDER BY position`, bookID)
	if err != nil {
		return types.Book{}, err
	}
	for rows.Next() {
		var tr types.Track
		var title sql.NullString
		if err := rows.Scan(&tr.Key, &title, &tr.Path, &tr.Duration); err != nil {
			rows.Close()
			return types.Book{}, err
		}
		tr.Title = title.String
		book.Tracks = append(book.Tracks, tr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.Book{}, err
	}

	rows, err = s.db.Query(`
		SELECT idx, title, track_key, offset_seconds, duration_seconds FROM chapters
		WHERE book_id = ? ORDER BY idx`, bookID)
	if err != nil {
		return types.Book{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ch types.Chapter
		if err := rows.Scan(&ch.Index, &ch.Title, &ch.TrackKey, &ch.Offset, &ch.Duration); err != nil {
			return types.Book{}, err
		}
		book.Chapters = append(book.Chapters, ch)
	}
	return book, rows.Err()
}

// BookSummary is a registry listing row
type BookSummary struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Author string          `json:"author,omitempty"`
	State  types.BookState `json:"state"`
}

// Books lists every registered book ordered by title
func (s *Store) Books() ([]BookSummary, error) {
	rows, err := s.db.Query(`SELECT id, title, COALESCE(author, ''), state FROM books ORDER BY title COLLATE NOCASE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookSummary
	for rows.Next() {
		var b BookSummary
		var state string
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &state); err != nil {
			return nil, err
		}
		b.State = types.ParseBookState(state)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Location returns the last saved listening location of a book
func (s *Store) Location(bookID string) (mo.Option[types.PlaybackPosition], error) {
	pos := types.PlaybackPosition{BookID: bookID}
	var savedAt int64
	err := s.db.QueryRow(`
		SELECT track_key, timestamp_seconds, chapter_index, saved_at
		FROM locations WHERE book_id = ?`, bookID).
		Scan(&pos.TrackKey, &pos.Timestamp, &pos.ChapterIndex, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[types.PlaybackPosition](), nil
	}
	if err != nil {
		return mo.None[types.PlaybackPosition](), fmt.Errorf("registry: location for %s: %w", bookID, err)
	}
	pos.LastSavedAt = time.UnixMilli(savedAt)
	return mo.Some(pos), nil
}

// SaveLocation records the listening location of a registered book. A zero
// LastSavedAt is stamped with the current time.
func (s *Store) SaveLocation(bookID string, pos types.PlaybackPosition) error {
	if pos.Timestamp < 0 {
		pos.Timestamp = 0
	}
	if pos.LastSavedAt.IsZero() {
		pos.LastSavedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO locations (book_id, track_key, timestamp_seconds, chapter_index, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
			track_key = excluded.track_key,
			timestamp_seconds = excluded.timestamp_seconds,
			chapter_index = excluded.chapter_index,
			saved_at = excluded.saved_at`,
		bookID, pos.TrackKey, pos.Timestamp, pos.ChapterIndex, pos.LastSavedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("registry: save location for %s: %w", bookID, err)
	}
	return nil
}

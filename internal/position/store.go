// Package position holds the last known book and listening position for
// quick lookups from any surface.
package position

import (
	"fmt"
	"sync"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/metafates/gache"
	"github.com/samber/mo"
)

type record struct {
	Book     types.Book             `json:"book"`
	Position types.PlaybackPosition `json:"position"`
}

// Latest is what the store holds: the book and where it was left
type Latest struct {
	Book     types.Book
	Position types.PlaybackPosition
}

// LatestStore is a single-slot, read-mostly store. It survives across
// session boundaries and, when given a path, across restarts.
type LatestStore struct {
	mu    sync.RWMutex
	slot  mo.Option[Latest]
	cache *gache.Cache[*record]
}

// NewLatestStore creates a store. An empty path keeps it in memory only.
func NewLatestStore(path string) *LatestStore {
	s := &LatestStore{slot: mo.None[Latest]()}
	if path != "" {
		s.cache = gache.New[*record](&gache.Options{
			Path:       path,
			FileSystem: &filesystem.GacheFs{},
		})
	}
	return s
}

// Load restores the slot from disk. A missing file leaves the slot empty.
func (s *LatestStore) Load() error {
	if s.cache == nil {
		return nil
	}
	cached, expired, err := s.cache.Get()
	if err != nil {
		return fmt.Errorf("load latest position: %w", err)
	}
	if expired || cached == nil {
		return nil
	}

	s.mu.Lock()
	s.slot = mo.Some(Latest{Book: cached.Book, Position: cached.Position})
	s.mu.Unlock()
	return nil
}

// Set replaces the slot
func (s *LatestStore) Set(book types.Book, pos types.PlaybackPosition) {
	s.mu.Lock()
	s.slot = mo.Some(Latest{Book: book, Position: pos})
	s.mu.Unlock()
}

// Get returns the slot
func (s *LatestStore) Get() mo.Option[Latest] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot
}

// Position returns the stored position when it belongs to bookID
func (s *LatestStore) Position(bookID string) mo.Option[types.PlaybackPosition] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest, ok := s.slot.Get()
	if !ok || latest.Book.ID != bookID {
		return mo.None[types.PlaybackPosition]()
	}
	return mo.Some(latest.Position)
}

// Persist writes the slot to disk
func (s *LatestStore) Persist() error {
	if s.cache == nil {
		return nil
	}

	s.mu.RLock()
	latest, ok := s.slot.Get()
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.cache.Set(&record{Book: latest.Book, Position: latest.Position}); err != nil {
		return fmt.Errorf("persist latest position: %w", err)
	}
	return nil
}

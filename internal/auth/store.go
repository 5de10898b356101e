package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
)

// StoredClient is a paired control client as persisted on disk
type StoredClient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Surface   string    `json:"surface"`   // "ipc" or "headunit"
	TokenHash string    `json:"tokenHash"` // SHA-256 of the token
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// Store persists paired clients as a JSON document
type Store struct {
	path    string
	mu      sync.RWMutex
	clients map[string]*StoredClient // by id
	byHash  map[string]string        // token hash -> id
}

// NewStore opens the client store at path. A missing file is an empty store.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		clients: make(map[string]*StoredClient),
		byHash:  make(map[string]string),
	}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load client store: %w", err)
	}
	return s, nil
}

// AddClient records a client and the hash of its token
func (s *Store) AddClient(c StoredClient, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.TokenHash = HashToken(token)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.clients[c.ID] = &c
	s.byHash[c.TokenHash] = c.ID
	return s.saveLocked()
}

// RemoveClient forgets a client
func (s *Store) RemoveClient(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	delete(s.byHash, c.TokenHash)
	delete(s.clients, clientID)
	return s.saveLocked()
}

// ClientByToken returns the client owning token
func (s *Store) ClientByToken(token string) (StoredClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[HashToken(token)]
	if !ok {
		return StoredClient{}, ErrClientNotFound
	}
	return *s.clients[id], nil
}

// Touch updates a client's last-seen time. It is not persisted until the
// next write.
func (s *Store) Touch(clientID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		c.LastSeen = at
	}
}

// ListClients returns every paired client, oldest first
func (s *Store) ListClients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{ID: c.ID, Name: c.Name, Surface: c.Surface, CreatedAt: c.CreatedAt, LastSeen: c.LastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type storeFile struct {
	Clients []*StoredClient `json:"clients"`
}

func (s *Store) load() error {
	data, err := filesystem.API().ReadFile(s.path)
	if err != nil {
		return err
	}

	var stored storeFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse client store: %w", err)
	}
	for _, c := range stored.Clients {
		s.clients[c.ID] = c
		s.byHash[c.TokenHash] = c.ID
	}
	return nil
}

func (s *Store) saveLocked() error {
	stored := storeFile{Clients: make([]*StoredClient, 0, len(s.clients))}
	for _, c := range s.clients {
		stored.Clients = append(stored.Clients, c)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client store: %w", err)
	}
	if err := filesystem.API().MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	if err := filesystem.API().WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write client store: %w", err)
	}
	return nil
}

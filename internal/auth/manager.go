// Package auth covers the two kinds of authentication the daemon deals
// with: the library account that gates playback, and pairing of the local
// control clients (IPC and head unit) that drive it.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/google/uuid"
)

var logger = log.For("auth")

const (
	tokenBytes      = 32 // 256-bit tokens
	maxAuthFailures = 5
	lockoutDuration = 60 * time.Second
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockedOut      = errors.New("too many failed attempts")
)

// ClientInfo describes a paired client
type ClientInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Surface   string    `json:"surface"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// Pairing is the result of a successful pairing
type Pairing struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
	// Notified is true when the user was shown a desktop notification for
	// this pairing
	Notified bool `json:"notified"`
}

// Manager pairs control clients and checks their tokens
type Manager struct {
	store    *Store
	testMode bool
	notify   func(clientName, surface string) error
	now      func() time.Time

	mu           sync.Mutex
	authFailures map[string]int       // peer -> failure count
	lockouts     map[string]time.Time // peer -> lockout end
}

// NewManager creates a manager. In test mode pairing is silent.
func NewManager(store *Store, testMode bool) *Manager {
	return &Manager{
		store:        store,
		testMode:     testMode,
		notify:       ShowPairingNotification,
		now:          time.Now,
		authFailures: make(map[string]int),
		lockouts:     make(map[string]time.Time),
	}
}

// Pair registers a new client for surface and returns its token. Outside
// test mode the user is notified of every pairing.
func (m *Manager) Pair(clientName, surface string) (Pairing, error) {
	token, err := generateToken()
	if err != nil {
		return Pairing{}, fmt.Errorf("failed to generate token: %w", err)
	}

	p := Pairing{ClientID: uuid.NewString(), Token: token}
	if !m.testMode {
		if err := m.notify(clientName, surface); err != nil {
			logger.WithError(err).Warn("failed to show pairing notification")
		} else {
			p.Notified = true
		}
	}

	err = m.store.AddClient(StoredClient{ID: p.ClientID, Name: clientName, Surface: surface, CreatedAt: m.now()}, token)
	if err != nil {
		return Pairing{}, fmt.Errorf("failed to store client: %w", err)
	}

	logger.WithField("surface", surface).Infof("paired client %q", clientName)
	return p, nil
}

// Authenticate resolves a token to its client. peer identifies the
// connection for lockout accounting; repeated failures lock the peer out.
func (m *Manager) Authenticate(peer, token string) (ClientInfo, error) {
	if m.IsLockedOut(peer) {
		return ClientInfo{}, ErrLockedOut
	}
	if token == "" {
		m.RecordAuthFailure(peer)
		return ClientInfo{}, ErrUnauthorized
	}

	c, err := m.store.ClientByToken(token)
	if err != nil {
		m.RecordAuthFailure(peer)
		return ClientInfo{}, ErrUnauthorized
	}

	m.store.Touch(c.ID, m.now())
	m.mu.Lock()
	delete(m.authFailures, peer)
	m.mu.Unlock()
	return ClientInfo{ID: c.ID, Name: c.Name, Surface: c.Surface, CreatedAt: c.CreatedAt}, nil
}

// ValidateToken reports whether token belongs to a paired client
func (m *Manager) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	_, err := m.store.ClientByToken(token)
	return err == nil
}

// RecordAuthFailure counts a failed attempt from peer
func (m *Manager) RecordAuthFailure(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.authFailures[peer]++
	if m.authFailures[peer] >= maxAuthFailures {
		m.lockouts[peer] = m.now().Add(lockoutDuration)
		m.authFailures[peer] = 0
		logger.Warnf("locked out %s for %s", peer, lockoutDuration)
	}
}

// IsLockedOut reports whether peer is currently locked out
func (m *Manager) IsLockedOut(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	end, ok := m.lockouts[peer]
	if !ok {
		return false
	}
	if m.now().After(end) {
		delete(m.lockouts, peer)
		return false
	}
	return true
}

// RevokeClient removes a client's access
func (m *Manager) RevokeClient(clientID string) error {
	return m.store.RemoveClient(clientID)
}

// ListClients returns every paired client
func (m *Manager) ListClients() []ClientInfo {
	return m.store.ListClients()
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken creates a SHA-256 hash of a token for storage
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

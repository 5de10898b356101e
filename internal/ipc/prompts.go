package ipc

import (
	"context"
	"errors"
	"sync"

	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

var (
	// ErrNoSurface is returned when a prompt has nobody to ask
	ErrNoSurface = errors.New("no surface attached to answer the prompt")
	// ErrUnknownPrompt is returned when answering a prompt that is not pending
	ErrUnknownPrompt = errors.New("unknown or expired prompt")
)

// SyncPrompt asks attached surfaces whether to move to a synced position
type SyncPrompt struct {
	ID     string                  `json:"id"`
	BookID string                  `json:"bookId"`
	Local  *types.PlaybackPosition `json:"local,omitempty"`
	Remote types.PlaybackPosition  `json:"remote"`
}

// PromptBroker routes sync prompts to whichever surfaces are subscribed
// and waits for the first answer
type PromptBroker struct {
	bus *eventbus.Bus[SyncPrompt]

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewPromptBroker creates a broker with no surfaces
func NewPromptBroker() *PromptBroker {
	return &PromptBroker{
		bus:     eventbus.New[SyncPrompt](),
		pending: make(map[string]chan bool),
	}
}

// ConfirmSync publishes a prompt and blocks until it is answered or ctx is
// done
func (b *PromptBroker) ConfirmSync(ctx context.Context, local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition) (bool, error) {
	if b.bus.Subscribers() == 0 {
		return false, ErrNoSurface
	}

	p := SyncPrompt{ID: uuid.NewString(), BookID: remote.BookID, Remote: remote}
	if l, ok := local.Get(); ok {
		p.Local = &l
	}

	answer := make(chan bool, 1)
	b.mu.Lock()
	b.pending[p.ID] = answer
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, p.ID)
		b.mu.Unlock()
	}()

	if err := b.bus.Publish(ctx, p); err != nil {
		return false, err
	}
	logger.Debugf("sync prompt %s sent for %s", p.ID, p.BookID)

	select {
	case accepted := <-answer:
		return accepted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Answer resolves a pending prompt. Later answers to the same prompt are
// rejected.
func (b *PromptBroker) Answer(id string, accept bool) error {
	b.mu.Lock()
	answer, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknownPrompt
	}
	answer <- accept
	return nil
}

// Subscribe returns the stream of prompts
func (b *PromptBroker) Subscribe() (<-chan SyncPrompt, func()) {
	return b.bus.Subscribe()
}

// Close stops accepting subscribers
func (b *PromptBroker) Close() {
	b.bus.Close()
}

package ipc

import (
	"context"
	"sync"
)

// Forward relays the session's streams to emit until ctx is done. Each
// value is passed with its push type.
func Forward(ctx context.Context, s Session, emit func(msgType string, data any)) {
	states, cancelStates := s.States()
	defer cancelStates()
	chapters, cancelChapters := s.Chapters()
	defer cancelChapters()
	errs, cancelErrs := s.Errors()
	defer cancelErrs()
	dismissals, cancelDismissals := s.Dismissals()
	defer cancelDismissals()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if ok {
				emit(PushState, st)
			}
		case ch, ok := <-chapters:
			if ok {
				emit(PushChapters, ch)
			}
		case e, ok := <-errs:
			if ok {
				emit(PushError, ErrorPush{Kind: e.Kind.String(), Message: e.Error()})
			}
		case id, ok := <-dismissals:
			if ok {
				emit(PushDismiss, DismissPush{BookID: id})
			}
		}
	}
}

// PromptRelay subscribes to a broker's prompts only while at least one
// client is attached, so the broker can tell when nobody is there to
// answer.
type PromptRelay struct {
	prompts *PromptBroker
	emit    func(msgType string, data any)

	mu       sync.Mutex
	attached int
	stop     func()
}

// NewPromptRelay creates a relay that passes prompts to emit
func NewPromptRelay(prompts *PromptBroker, emit func(msgType string, data any)) *PromptRelay {
	return &PromptRelay{prompts: prompts, emit: emit}
}

// Attach counts a client in, subscribing on the first one
func (r *PromptRelay) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attached++
	if r.attached > 1 {
		return
	}

	asks, cancel := r.prompts.Subscribe()
	done := make(chan struct{})
	r.stop = func() {
		cancel()
		close(done)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case p := <-asks:
				r.emit(PushSyncPrompt, p)
			}
		}
	}()
}

// Detach counts a client out, unsubscribing after the last one
func (r *PromptRelay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attached == 0 {
		return
	}
	r.attached--
	if r.attached == 0 {
		r.stop()
		r.stop = nil
	}
}

// Attached returns the number of attached clients
func (r *PromptRelay) Attached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

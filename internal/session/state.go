package session

import "fmt"

// StateKind is the variant of a State
type StateKind int

const (
	StateIdle StateKind = iota
	StateLoading
	StatePlaying
	StatePaused
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText encodes the kind by name
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name. Unknown names decode as idle.
func (k *StateKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "loading":
		*k = StateLoading
	case "playing":
		*k = StatePlaying
	case "paused":
		*k = StatePaused
	case "error":
		*k = StateError
	default:
		*k = StateIdle
	}
	return nil
}

// State is the single session state slot. BookID is empty only for Idle;
// Message is set only for Error.
type State struct {
	Kind    StateKind `json:"kind"`
	BookID  string    `json:"bookId,omitempty"`
	Message string    `json:"message,omitempty"`
}

func Idle() State                      { return State{Kind: StateIdle} }
func Loading(bookID string) State      { return State{Kind: StateLoading, BookID: bookID} }
func Playing(bookID string) State      { return State{Kind: StatePlaying, BookID: bookID} }
func Paused(bookID string) State       { return State{Kind: StatePaused, BookID: bookID} }
func Errored(bookID, msg string) State { return State{Kind: StateError, BookID: bookID, Message: msg} }

// IsActive reports whether a book is loading or bound
func (s State) IsActive() bool {
	return s.Kind == StateLoading || s.Kind == StatePlaying || s.Kind == StatePaused
}

func (s State) String() string {
	switch s.Kind {
	case StateIdle:
		return "idle"
	case StateError:
		return fmt.Sprintf("error(%s, %q)", s.BookID, s.Message)
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.BookID)
	}
}

// Trigger is something that can move the state machine
type Trigger int

const (
	TriggerOpen Trigger = iota
	TriggerBind
	TriggerPlay
	TriggerPause
	TriggerFail
	TriggerStop
)

// Triggers lists every trigger
var Triggers = []Trigger{TriggerOpen, TriggerBind, TriggerPlay, TriggerPause, TriggerFail, TriggerStop}

func (t Trigger) String() string {
	switch t {
	case TriggerOpen:
		return "open"
	case TriggerBind:
		return "bind"
	case TriggerPlay:
		return "play"
	case TriggerPause:
		return "pause"
	case TriggerFail:
		return "fail"
	case TriggerStop:
		return "stop"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Transition is a trigger with its arguments. Playing is read by
// TriggerBind, Message by TriggerFail.
type Transition struct {
	Trigger Trigger
	BookID  string
	Playing bool
	Message string
}

// next is the transition function. It is total: every (state, transition)
// pair yields a state, and pairs that make no sense leave s unchanged.
func next(s State, t Transition) State {
	sameBook := s.BookID == t.BookID

	switch t.Trigger {
	case TriggerOpen:
		if s.Kind == StateLoading && sameBook {
			return s
		}
		return Loading(t.BookID)

	case TriggerBind:
		if s.Kind != StateLoading || !sameBook {
			return s
		}
		if t.Playing {
			return Playing(t.BookID)
		}
		return Paused(t.BookID)

	case TriggerPlay:
		if sameBook && (s.Kind == StatePaused || s.Kind == StatePlaying || s.Kind == StateError) {
			return Playing(t.BookID)
		}
		return s

	case TriggerPause:
		if sameBook && (s.Kind == StatePaused || s.Kind == StatePlaying || s.Kind == StateError) {
			return Paused(t.BookID)
		}
		return s

	case TriggerFail:
		if s.Kind == StateIdle || s.Kind == StateError || sameBook {
			return Errored(t.BookID, t.Message)
		}
		return s

	case TriggerStop:
		return Idle()
	}
	return s
}

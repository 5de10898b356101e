package media

import (
	"sync"
	"time"
)

// Command represents a transport command from the OS
type Command int

const (
	CmdPlay Command = iota
	CmdPause
	CmdTogglePlayPause
	CmdStop
	CmdSkipForward
	CmdSkipBackward
	CmdChangePlaybackRate
	CmdNextTrack
	CmdPreviousTrack
	CmdSeekForward
	CmdSeekBackward
	CmdChangePlaybackPosition
	CmdChangeRepeatMode
	CmdChangeShuffleMode
)

// AllCommands lists every command in declaration order
var AllCommands = []Command{
	CmdPlay, CmdPause, CmdTogglePlayPause, CmdStop,
	CmdSkipForward, CmdSkipBackward, CmdChangePlaybackRate,
	CmdNextTrack, CmdPreviousTrack, CmdSeekForward, CmdSeekBackward,
	CmdChangePlaybackPosition, CmdChangeRepeatMode, CmdChangeShuffleMode,
}

// String returns the command name
func (c Command) String() string {
	switch c {
	case CmdPlay:
		return "play"
	case CmdPause:
		return "pause"
	case CmdTogglePlayPause:
		return "togglePlayPause"
	case CmdStop:
		return "stop"
	case CmdSkipForward:
		return "skipForward"
	case CmdSkipBackward:
		return "skipBackward"
	case CmdChangePlaybackRate:
		return "changePlaybackRate"
	case CmdNextTrack:
		return "nextTrack"
	case CmdPreviousTrack:
		return "previousTrack"
	case CmdSeekForward:
		return "seekForward"
	case CmdSeekBackward:
		return "seekBackward"
	case CmdChangePlaybackPosition:
		return "changePlaybackPosition"
	case CmdChangeRepeatMode:
		return "changeRepeatMode"
	case CmdChangeShuffleMode:
		return "changeShuffleMode"
	default:
		return "unknown"
	}
}

// ParseCommand maps a command name back to a Command
func ParseCommand(s string) (Command, bool) {
	for _, c := range AllCommands {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Status is a handler's answer to a command
type Status int

const (
	StatusSuccess Status = iota
	// StatusNoActionableItem means there is nothing loaded to act on. It is
	// the expected answer before a book is opened and is not a failure.
	StatusNoActionableItem
	StatusCommandFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoActionableItem:
		return "noActionableNowPlayingItem"
	default:
		return "commandFailed"
	}
}

// Event is a delivered command with its arguments
type Event struct {
	Command Command
	// Interval is set for skip commands
	Interval time.Duration
	// Rate is set for change-rate commands
	Rate float64
}

// Handler handles one command
type Handler func(e Event) Status

// TargetID identifies a registered handler
type TargetID uint64

type target struct {
	id TargetID
	h  Handler
}

// Targets is the platform-independent half of a CommandCenter: it keeps
// registered handlers and enablement, and dispatches delivered commands.
type Targets struct {
	mu           sync.RWMutex
	nextID       TargetID
	targets      map[Command][]target
	disabled     map[Command]bool
	skipInterval time.Duration
}

// NewTargets creates an empty command registry with every command enabled
func NewTargets() *Targets {
	return &Targets{
		targets:  make(map[Command][]target),
		disabled: make(map[Command]bool),
	}
}

// AddTarget registers h for cmd
func (t *Targets) AddTarget(cmd Command, h Handler) TargetID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.targets[cmd] = append(t.targets[cmd], target{id: t.nextID, h: h})
	return t.nextID
}

// RemoveTarget unregisters a handler. Unknown ids are ignored.
func (t *Targets) RemoveTarget(id TargetID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cmd, list := range t.targets {
		for i, tg := range list {
			if tg.id == id {
				t.targets[cmd] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SetEnabled enables or disables delivery of cmd
func (t *Targets) SetEnabled(cmd Command, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled[cmd] = !enabled
}

// Enabled reports whether cmd will be delivered
func (t *Targets) Enabled(cmd Command) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.disabled[cmd]
}

// SetPreferredSkipInterval sets the interval attached to skip commands
func (t *Targets) SetPreferredSkipInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipInterval = d
}

// SkipInterval returns the preferred skip interval
func (t *Targets) SkipInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.skipInterval
}

// Handlers returns how many handlers are registered for cmd
func (t *Targets) Handlers(cmd Command) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.targets[cmd])
}

// Dispatch delivers e to every handler registered for its command and
// returns the first non-success status. A disabled or unhandled command
// fails without reaching any handler.
func (t *Targets) Dispatch(e Event) Status {
	t.mu.RLock()
	if t.disabled[e.Command] {
		t.mu.RUnlock()
		return StatusCommandFailed
	}
	if (e.Command == CmdSkipForward || e.Command == CmdSkipBackward) && e.Interval == 0 {
		e.Interval = t.skipInterval
	}
	handlers := make([]Handler, 0, len(t.targets[e.Command]))
	for _, tg := range t.targets[e.Command] {
		handlers = append(handlers, tg.h)
	}
	t.mu.RUnlock()

	if len(handlers) == 0 {
		return StatusCommandFailed
	}

	status := StatusSuccess
	for _, h := range handlers {
		if s := h(e); s != StatusSuccess && status == StatusSuccess {
			status = s
		}
	}
	return status
}

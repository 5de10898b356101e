// Package engine defines the playback engine contract the session
// coordinator binds to, and the announcement an engine makes once built.
package engine

import (
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

// EventKind is the kind of an engine notification
type EventKind int

const (
	EventPlaybackBegan EventKind = iota
	EventPlaybackStopped
	EventPlaybackFailed
	EventPlaybackCompleted
	EventPositionUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventPlaybackBegan:
		return "playbackBegan"
	case EventPlaybackStopped:
		return "playbackStopped"
	case EventPlaybackFailed:
		return "playbackFailed"
	case EventPlaybackCompleted:
		return "playbackCompleted"
	case EventPositionUpdated:
		return "positionUpdated"
	default:
		return "unknown"
	}
}

// Event is a state or position notification from an engine
type Event struct {
	Kind     EventKind
	Position types.PlaybackPosition
	Err      error
}

// Engine is an opaque playback object for one book. Implementations must be
// safe for use from multiple goroutines.
type Engine interface {
	// ID identifies this engine instance
	ID() string
	BookID() string

	Play()
	Pause()
	IsPlaying() bool

	Seek(pos types.PlaybackPosition) error
	SkipBy(d time.Duration) error

	Rate() types.PlaybackRate
	SetRate(r types.PlaybackRate)

	Chapters() []types.Chapter
	CurrentChapter() (types.Chapter, bool)
	CurrentPosition() (types.PlaybackPosition, bool)

	// Subscribe returns the engine's notifications. cancel stops delivery.
	Subscribe() (events <-chan Event, cancel func())

	// Unload stops playback and releases resources. The engine is unusable
	// afterwards.
	Unload()
}

// Announcement is published on the bus when an engine has been constructed
// for an open request. Token echoes the request's token so stale
// announcements can be told apart.
type Announcement struct {
	Token  uint64
	Engine Engine
}

// Package media provides OS-level media session integration: the now-playing
// surface and the source of transport commands.
package media

import (
	"time"
)

// PlaybackState represents the playback state shown by the OS
type PlaybackState int

const (
	StateStopped PlaybackState = iota
	StatePlaying
	StatePaused
)

// String returns the MPRIS name of the state
func (s PlaybackState) String() string {
	switch s {
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// MediaTypeAudioBook is the only media type the daemon publishes
const MediaTypeAudioBook = "audiobook"

// Info is the now-playing dictionary. Times are in seconds.
type Info struct {
	Title       string
	Artist      string
	Album       string
	Elapsed     float64
	Duration    float64
	Rate        float64
	DefaultRate float64
	MediaType   string
	Artwork     []byte
}

// NowPlayingSurface accepts now-playing metadata and a playback state
type NowPlayingSurface interface {
	SetNowPlaying(info Info) error
	SetPlaybackState(state PlaybackState) error
	ClearNowPlaying() error
}

// CommandCenter is the OS transport-command source. Handlers may be invoked
// on any goroutine.
type CommandCenter interface {
	AddTarget(cmd Command, h Handler) TargetID
	RemoveTarget(id TargetID)
	SetEnabled(cmd Command, enabled bool)
	SetPreferredSkipInterval(d time.Duration)
}

// Session is the full platform integration
type Session interface {
	NowPlayingSurface
	CommandCenter

	// Close releases resources
	Close() error
}

// NoOpSession is a session that shows nothing but still routes commands,
// so commands injected by other surfaces behave the same everywhere.
// Used when media session integration is not available.
type NoOpSession struct {
	*Targets
}

// NewNoOpSession creates a new no-op session
func NewNoOpSession() *NoOpSession {
	return &NoOpSession{Targets: NewTargets()}
}

func (s *NoOpSession) SetNowPlaying(info Info) error {
	return nil
}

func (s *NoOpSession) SetPlaybackState(state PlaybackState) error {
	return nil
}

func (s *NoOpSession) ClearNowPlaying() error {
	return nil
}

func (s *NoOpSession) Close() error {
	return nil
}

// Package remote connects OS and head-unit transport commands to the
// playback session. The router is ready before any book is opened, so
// commands that arrive early get a "nothing to act on" answer instead of
// going nowhere.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/media"
	"github.com/austinkregel/local-media/audiobookd/internal/session"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

// DefaultSkipInterval is the preferred skip step advertised to surfaces
const DefaultSkipInterval = 30 * time.Second

var logger = log.For("remote")

// handled are the commands the router answers
var handled = []media.Command{
	media.CmdPlay,
	media.CmdPause,
	media.CmdTogglePlayPause,
	media.CmdSkipForward,
	media.CmdSkipBackward,
	media.CmdChangePlaybackRate,
}

// disabled are turned off so surfaces render skip buttons instead of
// track navigation
var disabled = []media.Command{
	media.CmdNextTrack,
	media.CmdPreviousTrack,
	media.CmdSeekForward,
	media.CmdSeekBackward,
	media.CmdChangePlaybackPosition,
	media.CmdChangeRepeatMode,
	media.CmdChangeShuffleMode,
}

// AudioSession is the process audio device
type AudioSession interface {
	Configure() error
	Activate() error
}

// Transport is the part of the session the router drives
type Transport interface {
	Start(ctx context.Context)
	Play() error
	Pause() error
	TogglePlayPause() error
	SkipBy(d time.Duration) error
	SetRate(r types.PlaybackRate) error
}

// Warmer is something an external surface needs loaded before it lists
// content
type Warmer interface {
	Ping() error
}

// Options configure a Router
type Options struct {
	SkipInterval time.Duration
	// Registry is pinged when an external surface attaches
	Registry Warmer
}

// Router registers transport handlers once and routes commands to the
// session
type Router struct {
	commands media.CommandCenter
	audio    AudioSession
	session  Transport
	opts     Options

	mu          sync.Mutex
	initialized bool
	targets     []media.TargetID
}

// NewRouter creates a router. Nothing is registered until EnsureInitialized.
func NewRouter(commands media.CommandCenter, audio AudioSession, s Transport, opts Options) *Router {
	if opts.SkipInterval <= 0 {
		opts.SkipInterval = DefaultSkipInterval
	}
	return &Router{
		commands: commands,
		audio:    audio,
		session:  s,
		opts:     opts,
	}
}

// EnsureInitialized configures audio, registers the command handlers and
// starts the session. Only the first call does anything.
func (r *Router) EnsureInitialized(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureInitializedLocked(ctx)
}

func (r *Router) ensureInitializedLocked(ctx context.Context) {
	if r.initialized {
		logger.Debug("already initialized")
		return
	}
	start := time.Now()

	if r.audio != nil {
		if err := r.audio.Configure(); err != nil {
			logger.WithError(err).Error("failed to configure audio session")
		}
	}

	for _, id := range r.targets {
		r.commands.RemoveTarget(id)
	}
	r.targets = r.targets[:0]
	r.applySettings()
	r.addTargets()

	r.session.Start(ctx)
	r.initialized = true
	logger.Infof("remote commands ready in %s (%d targets)", time.Since(start).Round(time.Millisecond), len(r.targets))
}

// EnsureInitializedForExternalSurface prepares for a surface such as a head
// unit attaching. It can be called on every connect: handlers are never
// registered twice, but the audio session is reactivated and the command
// settings are applied again.
func (r *Router) EnsureInitializedForExternalSurface(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.Registry != nil {
		if err := r.opts.Registry.Ping(); err != nil {
			logger.WithError(err).Warn("registry not ready")
		}
	}

	r.ensureInitializedLocked(ctx)

	if r.audio != nil {
		if err := r.audio.Activate(); err != nil {
			logger.WithError(err).Error("failed to activate audio session")
		}
	}
	r.applySettings()
	logger.Info("external surface ready")
}

func (r *Router) applySettings() {
	for _, cmd := range handled {
		r.commands.SetEnabled(cmd, true)
	}
	for _, cmd := range disabled {
		r.commands.SetEnabled(cmd, false)
	}
	r.commands.SetPreferredSkipInterval(r.opts.SkipInterval)
}

func (r *Router) addTargets() {
	add := func(cmd media.Command, h media.Handler) {
		r.targets = append(r.targets, r.commands.AddTarget(cmd, h))
	}

	add(media.CmdPlay, func(media.Event) media.Status {
		return status("play", r.session.Play())
	})
	add(media.CmdPause, func(media.Event) media.Status {
		return status("pause", r.session.Pause())
	})
	add(media.CmdTogglePlayPause, func(media.Event) media.Status {
		return status("toggle", r.session.TogglePlayPause())
	})
	add(media.CmdSkipForward, func(e media.Event) media.Status {
		return status("skip forward", r.session.SkipBy(r.interval(e)))
	})
	add(media.CmdSkipBackward, func(e media.Event) media.Status {
		return status("skip backward", r.session.SkipBy(-r.interval(e)))
	})
	add(media.CmdChangePlaybackRate, func(e media.Event) media.Status {
		if e.Rate <= 0 {
			logger.Warnf("invalid playback rate %v", e.Rate)
			return media.StatusCommandFailed
		}
		return status("change rate", r.session.SetRate(types.NearestRate(e.Rate)))
	})
}

func (r *Router) interval(e media.Event) time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return r.opts.SkipInterval
}

// status maps a transport result to a command status
func status(op string, err error) media.Status {
	switch {
	case err == nil:
		logger.Debugf("%s executed", op)
		return media.StatusSuccess
	case errors.Is(err, session.ErrNoEngine):
		logger.Warnf("%s received but no book is loaded", op)
		return media.StatusNoActionableItem
	default:
		logger.WithError(err).Errorf("%s failed", op)
		return media.StatusCommandFailed
	}
}

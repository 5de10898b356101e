// Package nowplaying is the single writer to the OS now-playing surface.
package nowplaying

import (
	"math"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/media"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

// DefaultDebounce is the quiet period before a metadata update is applied
const DefaultDebounce = 300 * time.Millisecond

var logger = log.For("nowplaying")

// Snapshot is the metadata for one moment of playback. Times are in seconds.
type Snapshot struct {
	Title     string
	Artist    string
	Album     string
	Elapsed   float64
	Duration  float64
	IsPlaying bool
	Rate      types.PlaybackRate
	Artwork   []byte
}

// Presenter publishes snapshots to a media.NowPlayingSurface. Metadata
// updates are debounced on the trailing edge: each update replaces the
// pending one and restarts the window, so a burst lands as a single write
// carrying the last snapshot. State, rate and artwork changes are written
// immediately.
type Presenter struct {
	surface  media.NowPlayingSurface
	debounce time.Duration

	mu      sync.Mutex
	current media.Info
	playing bool
	artwork []byte
	timer   *time.Timer
	gen     uint64
}

// NewPresenter creates a presenter. A zero debounce uses DefaultDebounce.
func NewPresenter(surface media.NowPlayingSurface, debounce time.Duration) *Presenter {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Presenter{surface: surface, debounce: debounce}
}

// UpdateNowPlaying schedules snap to be applied once updates go quiet
func (p *Presenter) UpdateNowPlaying(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(snap.Artwork) > 0 {
		p.artwork = snap.Artwork
	}
	info := p.buildInfo(snap)
	p.playing = snap.IsPlaying

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.debounce, func() {
		p.apply(gen, info)
	})
}

func (p *Presenter) buildInfo(snap Snapshot) media.Info {
	duration := math.Max(1.0, math.Abs(snap.Duration))
	elapsed := math.Max(0, math.Min(snap.Elapsed, duration))

	rate := float64(snap.Rate)
	if rate == 0 {
		rate = float64(types.DefaultRate)
	}
	effective := 0.0
	if snap.IsPlaying {
		effective = rate
	}

	return media.Info{
		Title:       snap.Title,
		Artist:      snap.Artist,
		Album:       snap.Album,
		Elapsed:     elapsed,
		Duration:    duration,
		Rate:        effective,
		DefaultRate: rate,
		MediaType:   media.MediaTypeAudioBook,
		Artwork:     p.artwork,
	}
}

// apply publishes a pending snapshot. The playing state is read at apply
// time since SetPlaybackState may have flipped it during the window.
func (p *Presenter) apply(gen uint64, info media.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	playing := p.playing
	info.Rate = 0
	if playing {
		info.Rate = info.DefaultRate
	}
	p.timer = nil
	p.current = info

	if err := p.surface.SetNowPlaying(info); err != nil {
		logger.WithError(err).Warn("failed to publish now playing info")
	}
	if err := p.surface.SetPlaybackState(stateFor(playing)); err != nil {
		logger.WithError(err).Warn("failed to publish playback state")
	}
	logger.Debugf("now playing updated: %q %.0fs/%.0fs playing=%v", info.Title, info.Elapsed, info.Duration, playing)
}

// SetPlaybackState flips playing/paused immediately
func (p *Presenter) SetPlaybackState(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playing = playing
	if p.current.Title != "" {
		rate := p.current.DefaultRate
		if rate == 0 {
			rate = float64(types.DefaultRate)
		}
		if playing {
			p.current.Rate = rate
		} else {
			p.current.Rate = 0
		}
		if err := p.surface.SetNowPlaying(p.current); err != nil {
			logger.WithError(err).Warn("failed to publish now playing info")
		}
	}
	if err := p.surface.SetPlaybackState(stateFor(playing)); err != nil {
		logger.WithError(err).Warn("failed to publish playback state")
	}
}

// UpdatePlaybackRate publishes a new default rate immediately
func (p *Presenter) UpdatePlaybackRate(rate types.PlaybackRate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.DefaultRate = float64(rate)
	if p.playing {
		p.current.Rate = float64(rate)
	}
	if p.current.Title == "" {
		return
	}
	if err := p.surface.SetNowPlaying(p.current); err != nil {
		logger.WithError(err).Warn("failed to publish playback rate")
	}
}

// UpdateArtwork caches image for later snapshots and publishes it
// immediately. A nil image drops the cached artwork.
func (p *Presenter) UpdateArtwork(image []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.artwork = image
	if image == nil || p.current.Title == "" {
		return
	}
	p.current.Artwork = image
	if err := p.surface.SetNowPlaying(p.current); err != nil {
		logger.WithError(err).Warn("failed to publish artwork")
	}
}

// Clear cancels any pending update and clears the surface
func (p *Presenter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.current = media.Info{}
	p.artwork = nil
	p.playing = false

	if err := p.surface.ClearNowPlaying(); err != nil {
		logger.WithError(err).Warn("failed to clear now playing info")
	}
	logger.Info("now playing cleared")
}

// Current returns the last applied info
func (p *Presenter) Current() media.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func stateFor(playing bool) media.PlaybackState {
	if playing {
		return media.StatePlaying
	}
	return media.StatePaused
}

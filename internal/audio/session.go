package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/hajimehoshi/oto/v2"
)

var logger = log.For("audio")

// ErrNotConfigured is returned when outputs are requested before Configure
var ErrNotConfigured = errors.New("audio session not configured")

// Session owns the process-wide oto context. oto allows a single context
// per process, so it is created once by Configure and shared by every
// engine's output.
type Session struct {
	sampleRate int
	channels   int
	volume     float64

	mu     sync.Mutex
	ctx    *oto.Context
	active bool
	newCtx func(sampleRate, channels int) (*oto.Context, error)
}

// NewSession describes an audio session; nothing is opened until Configure
func NewSession(sampleRate int, volume float64) *Session {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &Session{
		sampleRate: sampleRate,
		channels:   defaultChannels,
		volume:     clampVolume(volume),
		newCtx:     openContext,
	}
}

func openContext(sampleRate, channels int) (*oto.Context, error) {
	ctx, ready, err := oto.NewContext(sampleRate, channels, bytesPerSample)
	if err != nil {
		return nil, err
	}
	<-ready
	return ctx, nil
}

// Configure opens the audio device. Calling it again is a no-op.
func (s *Session) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return nil
	}
	ctx, err := s.newCtx(s.sampleRate, s.channels)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	s.ctx = ctx
	s.active = true
	logger.Infof("audio session configured: %dHz, %d channels", s.sampleRate, s.channels)
	return nil
}

// Activate resumes the device after another surface took it over
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return ErrNotConfigured
	}
	if err := s.ctx.Resume(); err != nil {
		return fmt.Errorf("failed to resume audio session: %w", err)
	}
	s.active = true
	return nil
}

// Deactivate suspends the device
func (s *Session) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}
	s.active = false
	return s.ctx.Suspend()
}

// Active reports whether the device is configured and not suspended
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewOutput creates a player on the shared context
func (s *Session) NewOutput() (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, ErrNotConfigured
	}
	return newOtoOutput(s.ctx, s.sampleRate, s.channels, s.volume), nil
}

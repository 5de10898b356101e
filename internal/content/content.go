// Package content turns an open request into a playback engine. Building
// the engine is asynchronous from the caller's point of view: the engine is
// announced on a bus, and Open returning marks the content load complete.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/audio"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
)

var logger = log.For("content")

var (
	// ErrManifest means the book's track list could not be loaded
	ErrManifest = errors.New("manifest load failed")
	// ErrPlayerCreation means the engine could not be built
	ErrPlayerCreation = errors.New("player creation failed")
)

// OpenRequest asks for an engine for Book. Token is echoed in the
// announcement.
type OpenRequest struct {
	Book     types.Book
	Token    uint64
	Autoplay bool
}

// Service loads book content. Open returns when loading has completed,
// successfully or not.
type Service interface {
	Open(ctx context.Context, req OpenRequest) error
}

// Library supplies full book definitions
type Library interface {
	Book(bookID string) (types.Book, error)
}

// OutputFactory creates audio outputs
type OutputFactory interface {
	NewOutput() (audio.Output, error)
}

// LocalService builds BookEngines over files on disk
type LocalService struct {
	library Library
	outputs OutputFactory
	decoder audio.Decoder
	bus     *eventbus.Bus[engine.Announcement]
	tick    time.Duration
}

// NewLocalService creates a service announcing engines on bus
func NewLocalService(library Library, outputs OutputFactory, decoder audio.Decoder, bus *eventbus.Bus[engine.Announcement]) *LocalService {
	return &LocalService{
		library: library,
		outputs: outputs,
		decoder: decoder,
		bus:     bus,
		tick:    audio.DefaultTick,
	}
}

// Open builds an engine for req.Book and announces it
func (s *LocalService) Open(ctx context.Context, req OpenRequest) error {
	book, err := s.manifest(req.Book)
	if err != nil {
		return err
	}

	out, err := s.outputs.NewOutput()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlayerCreation, err)
	}
	eng, err := audio.NewBookEngine(book, s.decoder, out, s.tick)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: %v", ErrPlayerCreation, err)
	}

	logger.WithField("token", req.Token).Debugf("announcing engine %s for %s", eng.ID(), book.ID)
	if err := s.bus.Publish(ctx, engine.Announcement{Token: req.Token, Engine: eng}); err != nil {
		eng.Unload()
		return err
	}
	return nil
}

// manifest fills in the track list from the library when the request does
// not carry one, and checks every track is on disk
func (s *LocalService) manifest(book types.Book) (types.Book, error) {
	if len(book.Tracks) == 0 {
		full, err := s.library.Book(book.ID)
		if err != nil {
			return types.Book{}, fmt.Errorf("%w: %v", ErrManifest, err)
		}
		book = full
	}
	if len(book.Tracks) == 0 {
		return types.Book{}, fmt.Errorf("%w: book %s has no tracks", ErrManifest, book.ID)
	}

	missing := lo.Filter(book.Tracks, func(t types.Track, _ int) bool {
		ok, err := filesystem.API().Exists(t.Path)
		return err != nil || !ok
	})
	if len(missing) > 0 {
		return types.Book{}, fmt.Errorf("%w: %d of %d tracks missing (first: %s)",
			ErrManifest, len(missing), len(book.Tracks), missing[0].Path)
	}
	return book, nil
}

// Cover reads the book's cover image. Books without one return nil.
func Cover(book types.Book) ([]byte, error) {
	if book.CoverURL == "" {
		return nil, nil
	}
	return filesystem.API().ReadFile(book.CoverURL)
}

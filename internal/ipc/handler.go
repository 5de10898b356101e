package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/reconcile"
	"github.com/austinkregel/local-media/audiobookd/internal/registry"
	"github.com/austinkregel/local-media/audiobookd/internal/session"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
)

var logger = log.For("ipc")

// Session is the playback session as seen by control clients
type Session interface {
	OpenBook(ctx context.Context, book types.Book, autoplay bool) error
	Play() error
	Pause() error
	TogglePlayPause() error
	SkipBy(d time.Duration) error
	SkipToChapter(i int) error
	SetRate(r types.PlaybackRate) error
	CyclePlaybackRate() types.PlaybackRate
	StopPlayback(ctx context.Context, dismissDependentUI bool)
	ResumeSync(ctx context.Context) (reconcile.Decision, error)
	Snapshot() session.Status

	States() (<-chan session.State, func())
	Chapters() (<-chan session.ChapterUpdate, func())
	Errors() (<-chan *session.SessionError, func())
	Dismissals() (<-chan string, func())
}

// Library resolves book ids
type Library interface {
	Book(bookID string) (types.Book, error)
	Books() ([]registry.BookSummary, error)
}

// Dispatcher executes session commands. Pairing, authentication and
// subscriptions belong to the transport.
type Dispatcher struct {
	session Session
	library Library
	prompts *PromptBroker
}

// NewDispatcher creates a dispatcher
func NewDispatcher(s Session, library Library, prompts *PromptBroker) *Dispatcher {
	return &Dispatcher{session: s, library: library, prompts: prompts}
}

// LongRunning reports whether cmd may block for a user or a load and should
// not hold up the connection
func LongRunning(cmd CommandType) bool {
	return cmd == CmdOpenBook || cmd == CmdSync
}

// Handle executes req and returns the response with req's id
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	resp := d.handle(ctx, req)
	resp.ID = req.ID
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req *Request) *Response {
	switch req.Cmd {
	case CmdOpenBook:
		return d.handleOpenBook(ctx, req)
	case CmdPlay:
		return transport(d.session.Play())
	case CmdPause:
		return transport(d.session.Pause())
	case CmdToggle:
		return transport(d.session.TogglePlayPause())
	case CmdSkip:
		var r SkipRequest
		if err := decode(req, &r); err != nil {
			return invalid(err)
		}
		return transport(d.session.SkipBy(time.Duration(r.Seconds * float64(time.Second))))
	case CmdSkipToChapter:
		var r SkipToChapterRequest
		if err := decode(req, &r); err != nil {
			return invalid(err)
		}
		return transport(d.session.SkipToChapter(r.Index))
	case CmdSetRate:
		var r RateRequest
		if err := decode(req, &r); err != nil {
			return invalid(err)
		}
		if r.Rate <= 0 {
			return NewErrorResponse(CodeInvalidRequest, "rate must be positive")
		}
		rate := types.NearestRate(r.Rate)
		if err := d.session.SetRate(rate); err != nil {
			return transport(err)
		}
		return success(RateResponse{Rate: rate})
	case CmdCyclePlaybackRate:
		return success(RateResponse{Rate: d.session.CyclePlaybackRate()})
	case CmdStop:
		var r StopRequest
		if err := decode(req, &r); err != nil {
			return invalid(err)
		}
		d.session.StopPlayback(ctx, r.Dismiss)
		return success(nil)
	case CmdStatus:
		return success(d.session.Snapshot())
	case CmdBooks:
		books, err := d.library.Books()
		if err != nil {
			logger.WithError(err).Error("failed to list books")
			return NewErrorResponse(CodeFailed, "failed to list books")
		}
		return success(books)
	case CmdSync:
		return d.handleSync(ctx)
	case CmdSyncAnswer:
		var r SyncAnswerRequest
		if err := decode(req, &r); err != nil {
			return invalid(err)
		}
		if err := d.prompts.Answer(r.PromptID, r.Accept); err != nil {
			return NewErrorResponse(CodeNotFound, err.Error())
		}
		return success(nil)
	default:
		return NewErrorResponse(CodeInvalidRequest, "unknown command")
	}
}

func (d *Dispatcher) handleOpenBook(ctx context.Context, req *Request) *Response {
	var r OpenBookRequest
	if err := decode(req, &r); err != nil {
		return invalid(err)
	}
	if r.BookID == "" {
		return NewErrorResponse(CodeInvalidRequest, "bookId is required")
	}

	book, err := d.library.Book(r.BookID)
	if errors.Is(err, registry.ErrNotFound) {
		// unknown to the registry; the session reports it as not downloaded
		book = types.Book{ID: r.BookID}
	} else if err != nil {
		logger.WithError(err).Errorf("failed to load book %s", r.BookID)
		return NewErrorResponse(CodeFailed, "failed to load book")
	}

	if err := d.session.OpenBook(ctx, book, r.Autoplay); err != nil {
		var se *session.SessionError
		if errors.As(err, &se) {
			return NewErrorResponse(se.Kind.String(), se.Error())
		}
		return NewErrorResponse(CodeFailed, err.Error())
	}
	return success(d.session.Snapshot())
}

func (d *Dispatcher) handleSync(ctx context.Context) *Response {
	dec, err := d.session.ResumeSync(ctx)
	if errors.Is(err, session.ErrNoEngine) {
		return transport(err)
	}
	if err != nil && !errors.Is(err, reconcile.ErrNoPosition) {
		logger.WithError(err).Warn("sync finished with an error")
	}

	resp := SyncResponse{Prompted: dec.RequiresUserPrompt, Accepted: dec.Accepted}
	if dec.Chosen.TrackKey != "" {
		resp.Position = lo.ToPtr(dec.Chosen)
	}
	return success(resp)
}

// transport maps a transport command result to a response
func transport(err error) *Response {
	switch {
	case err == nil:
		return success(nil)
	case errors.Is(err, session.ErrNoEngine):
		return NewErrorResponse(CodeNoActionableItem, err.Error())
	default:
		return NewErrorResponse(CodeFailed, err.Error())
	}
}

func success(data any) *Response {
	resp, err := NewSuccessResponse(data)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		return NewErrorResponse(CodeFailed, "internal error")
	}
	return resp
}

func invalid(err error) *Response {
	return NewErrorResponse(CodeInvalidRequest, err.Error())
}

func decode(req *Request, v any) error {
	if len(req.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("invalid %s request: %w", req.Cmd, err)
	}
	return nil
}

// Package session owns the single audiobook playback session: which book
// is open, the engine bound to it, and the state every surface observes.
//
// All state lives on one actor goroutine. Public methods hop onto it and
// block until their operation has run, so callers on any goroutine see a
// consistent order of effects.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/content"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/reconcile"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/mo"
)

var logger = log.For("session")

// ChapterUpdate is published when the chapter list or current chapter
// changes
type ChapterUpdate struct {
	BookID   string                   `json:"bookId"`
	Chapters []types.Chapter          `json:"chapters"`
	Current  mo.Option[types.Chapter] `json:"current"`
}

// pendingOpen is an OpenBook waiting for its engine
type pendingOpen struct {
	token    uint64
	book     types.Book
	autoplay bool
	result   chan *SessionError // nil on bind
}

// view is the copy of actor state readable from any goroutine
type view struct {
	state    State
	book     mo.Option[types.Book]
	engine   engine.Engine
	position mo.Option[types.PlaybackPosition]
	chapter  mo.Option[types.Chapter]
	chapters []types.Chapter
	playing  bool
	rate     types.PlaybackRate
	artwork  []byte
}

// Coordinator is the session state machine
type Coordinator struct {
	deps Deps
	opts Options

	ops           chan func()
	announcements <-chan engine.Announcement
	cancelAnn     func()
	life          context.Context
	cancelLife    context.CancelFunc
	startOnce     sync.Once
	started       chan struct{}
	stopped       chan struct{}

	states     *eventbus.Replay[State]
	chapters   *eventbus.Replay[ChapterUpdate]
	errs       *eventbus.Replay[*SessionError]
	dismissals *eventbus.Replay[string]

	// actor-owned
	state   State
	book    mo.Option[types.Book]
	handle  *handle
	pending *pendingOpen
	token   uint64
	artwork []byte

	mu   sync.RWMutex
	seen view
}

// New creates a coordinator and subscribes it to engine announcements. It
// does nothing until Start.
func New(deps Deps, opts Options) *Coordinator {
	if deps.NowPlaying == nil {
		deps.NowPlaying = noNowPlaying{}
	}
	c := &Coordinator{
		deps:       deps,
		opts:       opts.withDefaults(),
		ops:        make(chan func()),
		life:       context.Background(),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
		states:     eventbus.NewReplay[State](),
		chapters:   eventbus.NewReplay[ChapterUpdate](),
		errs:       eventbus.NewReplay[*SessionError](),
		dismissals: eventbus.NewReplay[string](),
		state:      Idle(),
	}
	c.announcements, c.cancelAnn = deps.Announcements.Subscribe()
	c.seen.state = c.state
	c.states.Publish(c.state)
	return c
}

// Start runs the actor until ctx is done. Further calls are no-ops.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.life, c.cancelLife = context.WithCancel(ctx)
		close(c.started)
		go c.run()
		logger.Debug("coordinator started")
	})
}

// Started reports whether Start has been called
func (c *Coordinator) Started() bool {
	select {
	case <-c.started:
		return true
	default:
		return false
	}
}

// Done is closed once the actor has shut down
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	defer c.cancelAnn()

	for {
		var events <-chan engine.Event
		if c.handle != nil {
			events = c.handle.events
		}

		select {
		case <-c.life.Done():
			c.stopLocked(false)
			c.syncView()
			logger.Debug("coordinator stopped")
			return
		case op := <-c.ops:
			op()
		case a := <-c.announcements:
			c.onAnnouncement(a)
		case ev := <-events:
			c.onEngineEvent(ev)
		}
		c.syncView()
	}
}

// call runs fn on the actor and waits for it. It reports false when the
// coordinator has shut down.
func (c *Coordinator) call(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.ops <- func() {
		fn()
		c.syncView()
		close(done)
	}:
	case <-c.stopped:
		return false
	}
	<-done
	return true
}

func (c *Coordinator) setState(s State) {
	if s == c.state {
		return
	}
	logger.Debugf("state %s -> %s", c.state, s)
	c.state = s
	c.states.Publish(s)
}

func (c *Coordinator) apply(t Transition) {
	c.setState(next(c.state, t))
}

func (c *Coordinator) syncView() {
	v := view{state: c.state, book: c.book, artwork: c.artwork, rate: types.DefaultRate}
	if h := c.handle; h != nil {
		v.engine = h.engine
		v.position = h.position
		v.chapter = h.chapter
		v.chapters = h.chapters
		v.playing = h.playing
		v.rate = h.engine.Rate()
	}
	c.mu.Lock()
	c.seen = v
	c.mu.Unlock()
}

func (c *Coordinator) view() view {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seen
}

// OpenBook opens book and waits until its engine is bound, loading fails,
// or the open timeout passes. The returned error is a *SessionError.
func (c *Coordinator) OpenBook(ctx context.Context, book types.Book, autoplay bool) error {
	logger.Infof("opening %q (%s)", book.Title, book.ID)

	var p *pendingOpen
	var early *SessionError
	if !c.call(func() { p, early = c.beginOpen(book, autoplay) }) {
		return Unknown("Session coordinator stopped")
	}
	if early != nil {
		return early
	}

	completed := make(chan error, 1)
	go func() {
		// not tied to ctx: a load outlives a caller that gave up on it, and
		// its late engine is discarded by token
		completed <- c.deps.Content.Open(c.life, content.OpenRequest{Book: book, Token: p.token, Autoplay: autoplay})
	}()

	timeout := time.NewTimer(c.opts.OpenTimeout)
	defer timeout.Stop()

	select {
	case e := <-p.result:
		return asError(e)
	case err := <-completed:
		if err != nil {
			logger.WithError(err).Errorf("content service failed for %s", book.ID)
			return c.failOpen(p, contentError(err))
		}
		return c.awaitGrace(ctx, p)
	case <-timeout.C:
		return c.failOpen(p, Unknown("Timeout loading audiobook"))
	case <-ctx.Done():
		return c.failOpen(p, Unknown(ctx.Err().Error()))
	}
}

// awaitGrace gives an announcement racing the content service's completion
// one short window to arrive
func (c *Coordinator) awaitGrace(ctx context.Context, p *pendingOpen) error {
	grace := time.NewTimer(c.opts.BindGrace)
	defer grace.Stop()

	select {
	case e := <-p.result:
		return asError(e)
	case <-grace.C:
		return c.failOpen(p, &SessionError{Kind: PlayerCreationFailed})
	case <-ctx.Done():
		return c.failOpen(p, Unknown(ctx.Err().Error()))
	}
}

func (c *Coordinator) beginOpen(book types.Book, autoplay bool) (*pendingOpen, *SessionError) {
	if c.state.Kind == StateLoading && c.state.BookID == book.ID {
		logger.Warnf("already loading %s", book.ID)
		e := &SessionError{Kind: AlreadyLoading}
		c.errs.Publish(e)
		return nil, e
	}

	if c.state.IsActive() {
		cur, _ := c.book.Get()
		c.stopLocked(cur.ID != book.ID)
	}

	if e := c.validate(book); e != nil {
		logger.Warnf("cannot open %s: %s", book.ID, e.Kind)
		c.failLocked(book.ID, e)
		return nil, e
	}

	c.token++
	p := &pendingOpen{
		token:    c.token,
		book:     book,
		autoplay: autoplay,
		result:   make(chan *SessionError, 1),
	}
	c.pending = p
	c.book = mo.Some(book)
	c.apply(Transition{Trigger: TriggerOpen, BookID: book.ID})
	return p, nil
}

// validate runs the precondition checks in order: sign-in, download state,
// connectivity
func (c *Coordinator) validate(book types.Book) *SessionError {
	if a := c.deps.Auth; a != nil && a.RequiresAuth() && !a.HasCredentials() {
		return &SessionError{Kind: NotAuthenticated}
	}

	st := c.deps.Registry.State(book.ID)
	if st == types.BookUnregistered || st == types.BookDownloadNeeded {
		return &SessionError{Kind: NotDownloaded}
	}
	if !st.IsDownloaded() && (c.deps.Network == nil || !c.deps.Network.IsConnected()) {
		return &SessionError{Kind: NetworkUnavailable}
	}
	return nil
}

// failOpen resolves p with e unless it was already resolved. A superseded
// open does not touch the state, which belongs to the newer one.
func (c *Coordinator) failOpen(p *pendingOpen, e *SessionError) error {
	out := e
	ok := c.call(func() {
		if c.pending == p {
			c.pending = nil
			c.failLocked(p.book.ID, e)
			return
		}
		select {
		case r := <-p.result:
			out = r
		default:
		}
	})
	if !ok {
		return e
	}
	return asError(out)
}

func (c *Coordinator) failLocked(bookID string, e *SessionError) {
	c.apply(Transition{Trigger: TriggerFail, BookID: bookID, Message: e.Error()})
	c.errs.Publish(e)
}

func (c *Coordinator) onAnnouncement(a engine.Announcement) {
	p := c.pending
	if a.Engine == nil {
		return
	}
	if p == nil || a.Token != p.token || a.Engine.BookID() != p.book.ID {
		if c.handle != nil && c.handle.engine == a.Engine {
			return
		}
		logger.WithField("token", a.Token).Infof("discarding stale engine for %s", a.Engine.BookID())
		a.Engine.Unload()
		return
	}

	c.pending = nil
	c.bindLocked(a.Engine, p)
	c.syncView()
	p.result <- nil
}

// bindLocked adopts eng. The chapter and state notifications are published
// exactly once here; engine events raised while binding wait in the
// subscription until the actor loop drains them.
func (c *Coordinator) bindLocked(eng engine.Engine, p *pendingOpen) {
	if c.handle != nil {
		c.teardownLocked(c.handle)
	}

	events, cancel := eng.Subscribe()
	h := &handle{
		token:    p.token,
		book:     p.book,
		engine:   eng,
		events:   events,
		cancel:   cancel,
		chapters: eng.Chapters(),
		lastSave: c.opts.Now(),
	}
	c.handle = h

	local := c.localPosition(p.book.ID)
	if pos, ok := local.Get(); ok {
		if err := eng.Seek(pos); err != nil {
			logger.WithError(err).Warnf("could not restore %s", pos.Description())
		}
	}
	if p.autoplay {
		eng.Play()
	}

	h.playing = eng.IsPlaying()
	h.position = h.latestPosition()
	if ch, ok := eng.CurrentChapter(); ok {
		h.chapter = mo.Some(ch)
	}

	c.publishChapters(h)
	c.apply(Transition{Trigger: TriggerBind, BookID: p.book.ID, Playing: h.playing})

	if len(c.artwork) > 0 {
		c.deps.NowPlaying.UpdateArtwork(c.artwork)
	}
	c.deps.NowPlaying.SetPlaybackState(h.playing)
	c.deps.NowPlaying.UpdateNowPlaying(h.snapshot())
	if pos, ok := h.position.Get(); ok && c.deps.Latest != nil {
		c.deps.Latest.Set(p.book, pos)
	}

	logger.Infof("bound engine %s for %s (chapters: %d, playing: %v)", eng.ID(), p.book.ID, len(h.chapters), h.playing)

	if c.deps.Remote != nil {
		go c.reconcileOnOpen(h.token, p.book, local)
	}
}

// localPosition is the newer of the registry's saved location and the
// latest-position store
func (c *Coordinator) localPosition(bookID string) mo.Option[types.PlaybackPosition] {
	saved, err := c.deps.Registry.Location(bookID)
	if err != nil {
		logger.WithError(err).Warnf("could not read saved location of %s", bookID)
	}
	if c.deps.Latest == nil {
		return saved
	}

	latest := c.deps.Latest.Position(bookID)
	l, hasLatest := latest.Get()
	s, hasSaved := saved.Get()
	if hasLatest && (!hasSaved || l.LastSavedAt.After(s.LastSavedAt)) {
		return latest
	}
	return saved
}

func (c *Coordinator) publishChapters(h *handle) {
	c.chapters.Publish(ChapterUpdate{
		BookID:   h.book.ID,
		Chapters: append([]types.Chapter(nil), h.chapters...),
		Current:  h.chapter,
	})
}

func (c *Coordinator) onEngineEvent(ev engine.Event) {
	h := c.handle
	if h == nil {
		return
	}
	id := h.book.ID

	switch ev.Kind {
	case engine.EventPlaybackBegan:
		logger.Debugf("playback began at %s", ev.Position.Description())
		h.playing = true
		c.notePosition(h, ev.Position)
		c.apply(Transition{Trigger: TriggerPlay, BookID: id})
		c.publishPlaying(h)

	case engine.EventPlaybackStopped, engine.EventPlaybackCompleted:
		if ev.Kind == engine.EventPlaybackCompleted {
			logger.Infof("finished %s", id)
		}
		h.playing = false
		c.notePosition(h, ev.Position)
		c.apply(Transition{Trigger: TriggerPause, BookID: id})
		c.publishPlaying(h)

	case engine.EventPlaybackFailed:
		logger.WithError(ev.Err).Errorf("playback failed for %s", id)
		h.playing = false
		c.apply(Transition{Trigger: TriggerFail, BookID: id, Message: "Playback failed"})
		c.errs.Publish(Unknown("Playback failed"))
		c.publishPlaying(h)

	case engine.EventPositionUpdated:
		c.onPosition(h, ev.Position)
	}
}

// publishPlaying flips the surface state now and replaces any pending
// snapshot, which may still carry the previous state
func (c *Coordinator) publishPlaying(h *handle) {
	c.deps.NowPlaying.SetPlaybackState(h.playing)
	c.deps.NowPlaying.UpdateNowPlaying(h.snapshot())
}

// notePosition keeps the position carried by a state event, if any
func (c *Coordinator) notePosition(h *handle, pos types.PlaybackPosition) {
	if pos.TrackKey != "" {
		h.position = mo.Some(pos)
	}
}

func (c *Coordinator) onPosition(h *handle, pos types.PlaybackPosition) {
	h.position = mo.Some(pos)
	if c.deps.Latest != nil {
		c.deps.Latest.Set(h.book, pos)
	}

	if ch, ok := h.engine.CurrentChapter(); ok && h.chapterChanged(ch) {
		h.chapter = mo.Some(ch)
		c.publishChapters(h)
		logger.Debugf("chapter changed to %q", ch.Title)
	}

	c.deps.NowPlaying.UpdateNowPlaying(h.snapshot())

	now := c.opts.Now()
	if now.Sub(h.lastSave) >= c.opts.SaveInterval {
		h.lastSave = now
		if err := c.deps.Registry.SaveLocation(h.book.ID, pos.WithTimestamp(pos.Timestamp, now)); err != nil {
			logger.WithError(err).Warn("failed to save location")
		}
	}
}

// StopPlayback ends the session. The last position is written to the
// registry before the engine is released, so a following OpenBook of the
// same book sees it.
func (c *Coordinator) StopPlayback(ctx context.Context, dismissDependentUI bool) {
	c.call(func() { c.stopLocked(dismissDependentUI) })
}

func (c *Coordinator) stopLocked(dismiss bool) {
	logger.Infof("stopping playback (dismiss: %v)", dismiss)

	p := c.pending
	c.pending = nil
	if h := c.handle; h != nil {
		c.teardownLocked(h)
		c.handle = nil
	}

	if book, ok := c.book.Get(); ok && dismiss {
		c.dismissals.Publish(book.ID)
	}
	c.book = mo.None[types.Book]()
	c.artwork = nil
	c.deps.NowPlaying.Clear()
	c.apply(Transition{Trigger: TriggerStop})

	if p != nil {
		c.syncView()
		p.result <- Unknown("Loading cancelled")
	}
}

// teardownLocked saves the position of h, cancels its subscription and
// unloads the engine
func (c *Coordinator) teardownLocked(h *handle) {
	if pos, ok := h.latestPosition().Get(); ok {
		pos = pos.WithTimestamp(pos.Timestamp, c.opts.Now())
		if err := c.deps.Registry.SaveLocation(h.book.ID, pos); err != nil {
			logger.WithError(err).Errorf("failed to save location of %s", h.book.ID)
		}
		if c.deps.Latest != nil {
			c.deps.Latest.Set(h.book, pos)
			if err := c.deps.Latest.Persist(); err != nil {
				logger.WithError(err).Warn("failed to persist latest position")
			}
		}
		if c.deps.Pusher != nil {
			go c.push(pos)
		}
	}

	h.cancel()
	h.engine.Pause()
	h.engine.Unload()
}

func (c *Coordinator) push(pos types.PlaybackPosition) {
	ctx, cancel := context.WithTimeout(c.life, pushTimeout)
	defer cancel()
	if err := c.deps.Pusher.PushPosition(ctx, pos); err != nil {
		logger.WithError(err).Warnf("could not sync position of %s", pos.BookID)
	}
}

// withEngine runs fn against the bound handle on the actor
func (c *Coordinator) withEngine(op string, fn func(h *handle) error) error {
	err := ErrNoEngine
	c.call(func() {
		if c.handle == nil {
			logger.Warnf("cannot %s: no active engine", op)
			return
		}
		err = fn(c.handle)
	})
	return err
}

// Play resumes the bound engine
func (c *Coordinator) Play() error {
	return c.withEngine("play", func(h *handle) error {
		h.engine.Play()
		h.playing = true
		c.publishPlaying(h)
		return nil
	})
}

// Pause pauses the bound engine
func (c *Coordinator) Pause() error {
	return c.withEngine("pause", func(h *handle) error {
		h.engine.Pause()
		h.playing = false
		c.publishPlaying(h)
		return nil
	})
}

// TogglePlayPause flips between playing and paused
func (c *Coordinator) TogglePlayPause() error {
	return c.withEngine("toggle", func(h *handle) error {
		h.playing = !h.engine.IsPlaying()
		if h.playing {
			h.engine.Play()
		} else {
			h.engine.Pause()
		}
		c.publishPlaying(h)
		return nil
	})
}

// SkipToChapter moves to the start of chapter i. Out of range indexes are
// ignored.
func (c *Coordinator) SkipToChapter(i int) error {
	return c.withEngine("skip to chapter", func(h *handle) error {
		if i < 0 || i >= len(h.chapters) {
			logger.Warnf("invalid chapter index %d (have %d)", i, len(h.chapters))
			return nil
		}
		ch := h.chapters[i]
		logger.Debugf("skipping to chapter %q", ch.Title)
		return h.engine.Seek(types.PlaybackPosition{
			BookID:       h.book.ID,
			TrackKey:     ch.TrackKey,
			Timestamp:    ch.Offset,
			ChapterIndex: ch.Index,
			LastSavedAt:  c.opts.Now(),
		})
	})
}

// SkipBy moves d forward (or backward when negative) within the book
func (c *Coordinator) SkipBy(d time.Duration) error {
	return c.withEngine("skip", func(h *handle) error {
		return h.engine.SkipBy(d)
	})
}

// CyclePlaybackRate advances to the next rate, wrapping, and returns it.
// With nothing bound the default rate is returned.
func (c *Coordinator) CyclePlaybackRate() types.PlaybackRate {
	rate := types.DefaultRate
	_ = c.withEngine("change rate", func(h *handle) error {
		rate = h.engine.Rate().Next()
		c.setRateLocked(h, rate)
		return nil
	})
	return rate
}

// SetRate switches to r
func (c *Coordinator) SetRate(r types.PlaybackRate) error {
	return c.withEngine("change rate", func(h *handle) error {
		c.setRateLocked(h, r)
		return nil
	})
}

func (c *Coordinator) setRateLocked(h *handle, r types.PlaybackRate) {
	h.engine.SetRate(r)
	c.deps.NowPlaying.UpdatePlaybackRate(r)
	logger.Debugf("playback rate changed to %s", r)
}

// SetArtwork sets the cover of the open book. It is forwarded to the
// now-playing surface immediately.
func (c *Coordinator) SetArtwork(image []byte) {
	c.call(func() {
		c.artwork = image
		c.deps.NowPlaying.UpdateArtwork(image)
	})
}

// reconcileOnOpen offers to move to the synced position when it is
// meaningfully newer than the local one
func (c *Coordinator) reconcileOnOpen(token uint64, book types.Book, local mo.Option[types.PlaybackPosition]) {
	remote, err := c.deps.Remote.FetchRemotePosition(c.life, book)
	if err != nil {
		logger.WithError(err).Warnf("could not fetch synced position of %s", book.ID)
		return
	}

	ctx, cancel := context.WithTimeout(c.life, c.opts.PromptTimeout)
	defer cancel()
	d, err := reconcile.ChooseLocalLocation(ctx, local, remote, c.opts.ServerUpdateDelay, c.deps.Prompter)
	c.applyDecision(token, local, d, err)
}

// ResumeSync compares the bound book's current position with the synced
// one and moves there if they differ and the user agrees
func (c *Coordinator) ResumeSync(ctx context.Context) (reconcile.Decision, error) {
	var token uint64
	var book types.Book
	var local mo.Option[types.PlaybackPosition]
	err := c.withEngine("sync", func(h *handle) error {
		token, book, local = h.token, h.book, h.latestPosition()
		return nil
	})
	if err != nil {
		return reconcile.Decision{}, err
	}
	if c.deps.Remote == nil {
		return reconcile.Decision{Chosen: local.OrEmpty()}, nil
	}

	remote, err := c.deps.Remote.FetchRemotePosition(ctx, book)
	if err != nil {
		return reconcile.Decision{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.PromptTimeout)
	defer cancel()
	d, err := reconcile.ChooseSyncLocation(pctx, local, remote, c.deps.Prompter)
	c.applyDecision(token, local, d, err)
	return d, err
}

// applyDecision moves the engine to the chosen position when it is not
// the local one the decision started from. Without a local position a
// declined or failed prompt still resumes at the remote one.
func (c *Coordinator) applyDecision(token uint64, local mo.Option[types.PlaybackPosition], d reconcile.Decision, err error) {
	if errors.Is(err, reconcile.ErrNoPosition) {
		return
	}
	if err != nil {
		logger.WithError(err).Warn("sync prompt failed, staying")
	}
	if l, ok := local.Get(); ok && l.Description() == d.Chosen.Description() {
		return
	}

	c.call(func() {
		h := c.handle
		if h == nil || h.token != token {
			return
		}
		logger.Infof("moving to synced position %s (accepted: %v)", d.Chosen.Description(), d.Accepted)
		if err := h.engine.Seek(d.Chosen); err != nil {
			logger.WithError(err).Warn("failed to seek to synced position")
			return
		}
		h.position = mo.Some(d.Chosen)
		c.deps.NowPlaying.UpdateNowPlaying(h.snapshot())
	})
}

// State returns the current state
func (c *Coordinator) State() State {
	return c.view().state
}

// Engine returns the bound engine
func (c *Coordinator) Engine() (engine.Engine, bool) {
	v := c.view()
	return v.engine, v.engine != nil
}

// CurrentBook returns the open book
func (c *Coordinator) CurrentBook() mo.Option[types.Book] {
	return c.view().book
}

// Position returns the last known position of the bound book
func (c *Coordinator) Position() mo.Option[types.PlaybackPosition] {
	return c.view().position
}

// Artwork returns the cover of the open book
func (c *Coordinator) Artwork() []byte {
	return c.view().artwork
}

// States streams state changes, starting with the current state
func (c *Coordinator) States() (<-chan State, func()) {
	return c.states.Subscribe()
}

// Chapters streams chapter list and current chapter changes
func (c *Coordinator) Chapters() (<-chan ChapterUpdate, func()) {
	return c.chapters.Subscribe()
}

// Errors streams session errors
func (c *Coordinator) Errors() (<-chan *SessionError, func()) {
	return c.errs.Subscribe()
}

// Dismissals streams the ids of books whose dependent UI should close
func (c *Coordinator) Dismissals() (<-chan string, func()) {
	return c.dismissals.Subscribe()
}

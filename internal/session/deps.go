package session

import (
	"context"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/content"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/nowplaying"
	"github.com/austinkregel/local-media/audiobookd/internal/position"
	"github.com/austinkregel/local-media/audiobookd/internal/reconcile"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/mo"
)

const (
	DefaultOpenTimeout       = 20 * time.Second
	DefaultBindGrace         = 200 * time.Millisecond
	DefaultServerUpdateDelay = 300 * time.Second
	DefaultPromptTimeout     = 30 * time.Second
	DefaultSaveInterval      = 5 * time.Second
	pushTimeout              = 30 * time.Second
)

// Registry is the book registry
type Registry interface {
	State(bookID string) types.BookState
	Location(bookID string) (mo.Option[types.PlaybackPosition], error)
	SaveLocation(bookID string, pos types.PlaybackPosition) error
}

// RemotePositions fetches synced positions
type RemotePositions interface {
	FetchRemotePosition(ctx context.Context, book types.Book) (mo.Option[types.PlaybackPosition], error)
}

// PositionPusher sends positions to the sync service
type PositionPusher interface {
	PushPosition(ctx context.Context, pos types.PlaybackPosition) error
}

// Authenticator is the account auth policy
type Authenticator interface {
	RequiresAuth() bool
	HasCredentials() bool
}

// Reachability reports network connectivity
type Reachability interface {
	IsConnected() bool
}

// NowPlaying is the presenter the coordinator feeds
type NowPlaying interface {
	UpdateNowPlaying(snap nowplaying.Snapshot)
	SetPlaybackState(playing bool)
	UpdatePlaybackRate(rate types.PlaybackRate)
	UpdateArtwork(image []byte)
	Clear()
}

// Deps are the coordinator's collaborators. Content, Announcements and
// Registry are required. A nil Network counts as offline.
type Deps struct {
	Content       content.Service
	Announcements *eventbus.Bus[engine.Announcement]
	Registry      Registry
	NowPlaying    NowPlaying

	Remote   RemotePositions
	Pusher   PositionPusher
	Prompter reconcile.Prompter
	Auth     Authenticator
	Network  Reachability
	Latest   *position.LatestStore
}

// Options tune the coordinator. Zero values take the defaults.
type Options struct {
	OpenTimeout       time.Duration
	BindGrace         time.Duration
	ServerUpdateDelay time.Duration
	PromptTimeout     time.Duration
	SaveInterval      time.Duration
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.BindGrace <= 0 {
		o.BindGrace = DefaultBindGrace
	}
	if o.ServerUpdateDelay <= 0 {
		o.ServerUpdateDelay = DefaultServerUpdateDelay
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = DefaultPromptTimeout
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type noNowPlaying struct{}

func (noNowPlaying) UpdateNowPlaying(nowplaying.Snapshot)  {}
func (noNowPlaying) SetPlaybackState(bool)                 {}
func (noNowPlaying) UpdatePlaybackRate(types.PlaybackRate) {}
func (noNowPlaying) UpdateArtwork([]byte)                  {}
func (noNowPlaying) Clear()                                {}

// Package reconcile decides which of a local and a remotely synced listening
// position playback should resume from.
//
// Two policies exist and are deliberately kept apart. ChooseSyncLocation is
// used when resuming into a surface that is already showing the book and
// offers any differing remote position. ChooseLocalLocation is used on open
// and only offers a remote position that is newer than the local one by more
// than a grace window.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/mo"
)

// ErrNoPosition is returned when neither side has a position
var ErrNoPosition = errors.New("reconcile: no local or remote position")

// Prompter asks the user whether to move to the remote position. It must
// not block past ctx.
type Prompter interface {
	ConfirmSync(ctx context.Context, local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition) (bool, error)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition) (bool, error)

func (f PrompterFunc) ConfirmSync(ctx context.Context, local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition) (bool, error) {
	return f(ctx, local, remote)
}

// Decision is the outcome of a reconciliation
type Decision struct {
	Chosen             types.PlaybackPosition
	RequiresUserPrompt bool
	Accepted           bool
}

// ChooseSyncLocation: local wins unless a remote position exists that
// describes a different place, in which case the user decides.
func ChooseSyncLocation(ctx context.Context, local, remote mo.Option[types.PlaybackPosition], p Prompter) (Decision, error) {
	r, hasRemote := remote.Get()
	if !hasRemote || sameDescription(local, r) {
		return fallback(local, remote)
	}
	return prompt(ctx, local, r, p)
}

// ChooseLocalLocation: remote wins only if it is newer than local by more
// than delay, describes a different place and the user accepts.
func ChooseLocalLocation(ctx context.Context, local, remote mo.Option[types.PlaybackPosition], delay time.Duration, p Prompter) (Decision, error) {
	r, hasRemote := remote.Get()
	if hasRemote && !sameDescription(local, r) && RemoteIsNewer(local, remote, delay) {
		return prompt(ctx, local, r, p)
	}
	return fallback(local, remote)
}

// RemoteIsNewer reports whether remote was saved more than delay after
// local. With no local position, any remote position is newer.
func RemoteIsNewer(local, remote mo.Option[types.PlaybackPosition], delay time.Duration) bool {
	l, hasLocal := local.Get()
	r, hasRemote := remote.Get()
	switch {
	case hasLocal && hasRemote:
		return r.LastSavedAt.After(l.LastSavedAt.Add(delay))
	default:
		return !hasLocal && hasRemote
	}
}

func sameDescription(local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition) bool {
	l, ok := local.Get()
	return ok && l.Description() == remote.Description()
}

func fallback(local, remote mo.Option[types.PlaybackPosition]) (Decision, error) {
	if l, ok := local.Get(); ok {
		return Decision{Chosen: l}, nil
	}
	if r, ok := remote.Get(); ok {
		return Decision{Chosen: r}, nil
	}
	return Decision{}, ErrNoPosition
}

// prompt asks p. A failed or cancelled prompt counts as "stay" and the
// error is returned alongside the decision.
func prompt(ctx context.Context, local mo.Option[types.PlaybackPosition], remote types.PlaybackPosition, p Prompter) (Decision, error) {
	d := Decision{RequiresUserPrompt: true, Chosen: local.OrElse(remote)}
	if p == nil {
		return d, nil
	}

	accepted, err := p.ConfirmSync(ctx, local, remote)
	if err != nil {
		return d, err
	}
	if accepted {
		d.Chosen = remote
		d.Accepted = true
	}
	return d, nil
}

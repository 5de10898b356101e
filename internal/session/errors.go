package session

import (
	"errors"

	"github.com/austinkregel/local-media/audiobookd/internal/content"
)

// ErrorKind classifies a SessionError
type ErrorKind int

const (
	NotAuthenticated ErrorKind = iota
	NotDownloaded
	NetworkUnavailable
	ManifestLoadFailed
	PlayerCreationFailed
	AlreadyLoading
	UnknownError
)

func (k ErrorKind) String() string {
	switch k {
	case NotAuthenticated:
		return "notAuthenticated"
	case NotDownloaded:
		return "notDownloaded"
	case NetworkUnavailable:
		return "networkUnavailable"
	case ManifestLoadFailed:
		return "manifestLoadFailed"
	case PlayerCreationFailed:
		return "playerCreationFailed"
	case AlreadyLoading:
		return "alreadyLoading"
	default:
		return "unknown"
	}
}

// SessionError is the error type returned by OpenBook and published on the
// error stream
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Sentinels for errors.Is
var (
	ErrNotAuthenticated     = &SessionError{Kind: NotAuthenticated}
	ErrNotDownloaded        = &SessionError{Kind: NotDownloaded}
	ErrNetworkUnavailable   = &SessionError{Kind: NetworkUnavailable}
	ErrManifestLoadFailed   = &SessionError{Kind: ManifestLoadFailed}
	ErrPlayerCreationFailed = &SessionError{Kind: PlayerCreationFailed}
	ErrAlreadyLoading       = &SessionError{Kind: AlreadyLoading}
)

// ErrNoEngine is returned by transport operations when no book is bound.
// It is the normal answer before anything is opened.
var ErrNoEngine = errors.New("no active engine")

// Unknown wraps a free-form failure
func Unknown(msg string) *SessionError {
	return &SessionError{Kind: UnknownError, Message: msg}
}

func (e *SessionError) Error() string {
	switch e.Kind {
	case NotAuthenticated:
		return "Please sign in to your library account to play this audiobook."
	case NotDownloaded:
		return "This audiobook needs to be downloaded first."
	case NetworkUnavailable:
		return "No network connection. Please try again when online."
	case ManifestLoadFailed:
		return "Failed to load audiobook data. Please try again."
	case PlayerCreationFailed:
		return "Failed to create audio player. Please try again."
	case AlreadyLoading:
		return "Audiobook is already loading."
	default:
		return e.Message
	}
}

// Is matches on kind, and on message too for Unknown errors that carry one
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok || t.Kind != e.Kind {
		return false
	}
	return t.Kind != UnknownError || t.Message == "" || t.Message == e.Message
}

// contentError maps a content service failure to a SessionError
func contentError(err error) *SessionError {
	switch {
	case errors.Is(err, content.ErrManifest):
		return &SessionError{Kind: ManifestLoadFailed}
	case errors.Is(err, content.ErrPlayerCreation):
		return &SessionError{Kind: PlayerCreationFailed}
	default:
		return Unknown(err.Error())
	}
}

// asError avoids returning a typed nil through the error interface
func asError(e *SessionError) error {
	if e == nil {
		return nil
	}
	return e
}

//go:build !linux

package media

import "fmt"

// NewSession creates a new platform-specific media session.
// This is the fallback for platforms without MPRIS.
func NewSession(identity string) (Session, error) {
	return nil, fmt.Errorf("media session not supported on this platform")
}

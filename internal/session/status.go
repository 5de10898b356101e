package session

import (
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
)

// Status is a point-in-time summary of the session for UI surfaces
type Status struct {
	State    State                   `json:"state"`
	BookID   string                  `json:"bookId,omitempty"`
	Title    string                  `json:"title,omitempty"`
	Author   string                  `json:"author,omitempty"`
	Playing  bool                    `json:"playing"`
	Rate     types.PlaybackRate      `json:"rate"`
	Chapter  *types.Chapter          `json:"chapter,omitempty"`
	Chapters int                     `json:"chapters"`
	Position *types.PlaybackPosition `json:"position,omitempty"`
}

// Snapshot returns the current status
func (c *Coordinator) Snapshot() Status {
	v := c.view()
	st := Status{
		State:    v.state,
		BookID:   v.state.BookID,
		Playing:  v.playing,
		Rate:     v.rate,
		Chapters: len(v.chapters),
	}
	if book, ok := v.book.Get(); ok {
		st.Title = book.Title
		st.Author = book.Author
	}
	if ch, ok := v.chapter.Get(); ok {
		st.Chapter = lo.ToPtr(ch)
	}
	if pos, ok := v.position.Get(); ok {
		st.Position = lo.ToPtr(pos)
	}
	return st
}

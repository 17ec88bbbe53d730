package domain

import (
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

type Post struct {
	BoardItem

	Author string

	// Text is the post body in the backend's native markup.
	Text string

	// Index is the 1-based absolute position within the thread:
	// (page-1)*perPage + position on page.
	Index int

	Time time.Time

	// RawTime keeps the unparsed remote timestamp for diagnostics and
	// fallback rendering when Time could not be parsed.
	RawTime string
}

func NewPost(id string) *Post {
	return &Post{BoardItem: newBoardItem(id), Index: -1}
}

// PlainText returns the post body with all markup stripped.
func (p *Post) PlainText() string {
	return stripPolicy.Sanitize(p.Text)
}

// Thread returns the owning thread, or nil for an unparented post.
func (p *Post) Thread() *Thread {
	if t, ok := p.parent.(*Thread); ok {
		return t
	}
	return nil
}

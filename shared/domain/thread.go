package domain

type Thread struct {
	BoardItem

	Author     string
	Sticky     bool
	Open       bool
	ReplyCount int
	Views      int
	Preview    string
	Tags       []string

	Posts []*Post

	// LastPost is an owned summary of the most recent post. Backends that
	// cannot supply a true id synthesize one with the sentinel id "-1".
	LastPost *Post

	// FirstUnread points into Posts and is only set when a first-unread
	// listing was requested.
	FirstUnread *Post
}

func NewThread(id string) *Thread {
	return &Thread{BoardItem: newBoardItem(id), Open: true}
}

// AddPost appends p to the thread's post listing.
func (t *Thread) AddPost(p *Post) error {
	if err := link(t, p); err != nil {
		return err
	}
	t.Posts = append(t.Posts, p)
	return nil
}

// SetPosts replaces the post listing wholesale, clearing any previous
// first-unread marker.
func (t *Thread) SetPosts(posts []*Post) error {
	t.childMu.Lock()
	for _, c := range t.children {
		c.Base().parent = nil
	}
	t.children = nil
	t.childMu.Unlock()

	t.Posts = nil
	t.FirstUnread = nil
	for _, p := range posts {
		if err := t.AddPost(p); err != nil {
			return err
		}
	}
	return nil
}

// Forum returns the owning forum, or nil for an unparented thread.
func (t *Thread) Forum() *Forum {
	if f, ok := t.parent.(*Forum); ok {
		return f
	}
	return nil
}

package parser

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/logger"
)

// Op names an asynchronous contract operation.
type Op string

const (
	OpLogin         Op = "login"
	OpLogout        Op = "logout"
	OpBoardInfo     Op = "board_info"
	OpForumList     Op = "forum_list"
	OpThreadList    Op = "thread_list"
	OpPostList      Op = "post_list"
	OpUnreadForums  Op = "unread_forums"
	OpSubmitThread  Op = "submit_thread"
	OpSubmitPost    Op = "submit_post"
	OpMarkForumRead Op = "mark_forum_read"
	OpPostQuote     Op = "post_quote"
)

// ErrBusy is returned when an operation is started while another is in
// flight and the new one does not supersede.
var ErrBusy = stderrors.New("parser: operation already in flight")

// Event is the completion record delivered for every async operation.
// Exactly one payload field is set on success; Err is set on failure.
type Event struct {
	ID uuid.UUID
	Op Op

	Forum  *domain.Forum
	Forums []*domain.Forum
	Thread *domain.Thread
	Post   *domain.Post
	Login  *LoginResult
	Info   *BoardInfo
	Quote  string

	Err error
}

type operation struct {
	id     uuid.UUID
	op     Op
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle wraps a Parser with the async execution discipline: one
// in-flight operation, supersede-on-start for the listing operations,
// completion events on a channel.
type Handle struct {
	parser Parser
	events chan Event

	mu      sync.Mutex
	current *operation
}

func NewHandle(p Parser) *Handle {
	return &Handle{
		parser: p,
		events: make(chan Event, 16),
	}
}

func (h *Handle) Parser() Parser { return h.parser }

// Events delivers one Event per completed operation. Cancelled operations
// deliver nothing.
func (h *Handle) Events() <-chan Event { return h.events }

// Cancel requests cancellation of the in-flight operation, if any. The
// wire call is not aborted; its result is discarded.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.cancel()
		h.current = nil
	}
}

func (h *Handle) start(ctx context.Context, op Op, supersede bool, run func(context.Context) Event) (uuid.UUID, error) {
	h.mu.Lock()
	if h.current != nil {
		if !supersede {
			inFlight := h.current.op
			h.mu.Unlock()
			logger.Log.Warn("rejecting concurrent operation",
				"component", "parser",
				"parser", h.parser.Name(),
				"op", op,
				"in_flight", inFlight)
			return uuid.Nil, ErrBusy
		}
		h.current.cancel()
	}

	opCtx, cancel := context.WithCancel(ctx)
	cur := &operation{id: uuid.New(), op: op, cancel: cancel, done: make(chan struct{})}
	h.current = cur
	h.mu.Unlock()

	go func() {
		defer close(cur.done)
		started := time.Now()
		ev := run(opCtx)
		ev.ID = cur.id
		ev.Op = op
		observe(op, time.Since(started), ev.Err)

		h.mu.Lock()
		if h.current == cur {
			h.current = nil
		}
		h.mu.Unlock()

		if opCtx.Err() != nil {
			return
		}
		select {
		case h.events <- ev:
		case <-opCtx.Done():
		}
	}()
	return cur.id, nil
}

func (h *Handle) LoginAsync(ctx context.Context, creds Credentials) (uuid.UUID, error) {
	return h.start(ctx, OpLogin, false, func(ctx context.Context) Event {
		res, err := h.parser.Login(ctx, creds)
		return Event{Login: res, Err: err}
	})
}

func (h *Handle) LogoutAsync(ctx context.Context) (uuid.UUID, error) {
	return h.start(ctx, OpLogout, false, func(ctx context.Context) Event {
		return Event{Err: h.parser.Logout(ctx)}
	})
}

func (h *Handle) BoardInfoAsync(ctx context.Context) (uuid.UUID, error) {
	return h.start(ctx, OpBoardInfo, false, func(ctx context.Context) Event {
		info, err := h.parser.BoardInfo(ctx)
		return Event{Info: info, Err: err}
	})
}

func (h *Handle) ForumListAsync(ctx context.Context, forumID string) (uuid.UUID, error) {
	return h.start(ctx, OpForumList, false, func(ctx context.Context) Event {
		f, err := h.parser.ForumList(ctx, forumID)
		return Event{Forum: f, Err: err}
	})
}

// ThreadListAsync supersedes: starting it cancels whatever is in flight.
func (h *Handle) ThreadListAsync(ctx context.Context, f *domain.Forum) (uuid.UUID, error) {
	return h.start(ctx, OpThreadList, true, func(ctx context.Context) Event {
		out, err := h.parser.ThreadList(ctx, f)
		return Event{Forum: out, Err: err}
	})
}

// PostListAsync supersedes, same as ThreadListAsync.
func (h *Handle) PostListAsync(ctx context.Context, t *domain.Thread, sel PostSelector) (uuid.UUID, error) {
	return h.start(ctx, OpPostList, true, func(ctx context.Context) Event {
		out, err := h.parser.PostList(ctx, t, sel)
		return Event{Thread: out, Err: err}
	})
}

func (h *Handle) UnreadForumsAsync(ctx context.Context) (uuid.UUID, error) {
	return h.start(ctx, OpUnreadForums, false, func(ctx context.Context) Event {
		forums, err := h.parser.UnreadForums(ctx)
		return Event{Forums: forums, Err: err}
	})
}

func (h *Handle) SubmitNewThreadAsync(ctx context.Context, f *domain.Forum, t *domain.Thread) (uuid.UUID, error) {
	return h.start(ctx, OpSubmitThread, false, func(ctx context.Context) Event {
		out, err := h.parser.SubmitNewThread(ctx, f, t)
		return Event{Thread: out, Err: err}
	})
}

func (h *Handle) SubmitNewPostAsync(ctx context.Context, t *domain.Thread, p *domain.Post) (uuid.UUID, error) {
	return h.start(ctx, OpSubmitPost, false, func(ctx context.Context) Event {
		out, err := h.parser.SubmitNewPost(ctx, t, p)
		return Event{Post: out, Err: err}
	})
}

func (h *Handle) MarkForumReadAsync(ctx context.Context, f *domain.Forum) (uuid.UUID, error) {
	return h.start(ctx, OpMarkForumRead, false, func(ctx context.Context) Event {
		return Event{Err: h.parser.MarkForumRead(ctx, f)}
	})
}

func (h *Handle) PostQuoteAsync(ctx context.Context, p *domain.Post) (uuid.UUID, error) {
	return h.start(ctx, OpPostQuote, false, func(ctx context.Context) Event {
		quote, err := h.parser.PostQuote(ctx, p)
		return Event{Quote: quote, Err: err}
	})
}

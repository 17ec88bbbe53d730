// Package parser defines the backend contract every board implementation
// satisfies, plus the shared defaults and the async execution wrapper.
package parser

import (
	"context"
	"fmt"

	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
)

type Credentials struct {
	Username string
	Password string
}

type LoginResult struct {
	Success bool
	Message string
}

// BoardInfo describes the remote board software as reported by the board
// itself.
type BoardInfo struct {
	Name    string
	Version string
	URL     string
}

// PostSelector picks the window of a thread's posts to fetch.
type PostSelector int

const (
	FirstPost PostSelector = iota
	FirstUnreadPost
	LastPost
)

// Parser is the synchronous backend contract. Implementations are not
// safe for concurrent use; the async Handle serializes access.
type Parser interface {
	Name() string
	PrettyName() string
	BaseURL() string
	Settings() *config.Settings

	// CanParse probes whether this backend can talk to the given board.
	// It must not mutate backend state.
	CanParse(ctx context.Context, rawURL string) (bool, error)

	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
	Logout(ctx context.Context) error
	BoardInfo(ctx context.Context) (*BoardInfo, error)

	// ForumList returns the forum with the given id populated with its
	// immediate child forums.
	ForumList(ctx context.Context, forumID string) (*domain.Forum, error)
	RootForumList(ctx context.Context) (*domain.Forum, error)
	UnreadForums(ctx context.Context) ([]*domain.Forum, error)

	// ThreadList fills the forum's Threads for the page selected by the
	// forum's PageNumber/PerPage cursor and sets PageCount.
	ThreadList(ctx context.Context, f *domain.Forum) (*domain.Forum, error)
	// PostList fills the thread's Posts for the window named by the
	// selector and sets the thread's page cursor.
	PostList(ctx context.Context, t *domain.Thread, sel PostSelector) (*domain.Thread, error)

	SubmitNewThread(ctx context.Context, f *domain.Forum, t *domain.Thread) (*domain.Thread, error)
	SubmitNewPost(ctx context.Context, t *domain.Thread, p *domain.Post) (*domain.Post, error)
	MarkForumRead(ctx context.Context, f *domain.Forum) error
	PostQuote(ctx context.Context, p *domain.Post) (string, error)

	EncryptionSettings(ctx context.Context) (*config.Settings, error)
	ItemURL(item domain.Item) (string, error)
	LastRequestURL() string

	// Clone returns an independent handle over the same board. Compiled
	// backends duplicate their session; script backends share a runtime.
	Clone() Parser
}

// Base carries the identity and page-size state common to all backends.
// Embed it and expose it through the accessor methods.
type Base struct {
	name       string
	prettyName string
	baseURL    string
	settings   *config.Settings

	postsPerPage   int
	threadsPerPage int
	pageSizeLocked bool
}

func NewBase(name, prettyName, baseURL string, settings *config.Settings) Base {
	if settings == nil {
		settings = config.NewSettings()
	}
	return Base{
		name:           name,
		prettyName:     prettyName,
		baseURL:        baseURL,
		settings:       settings,
		postsPerPage:   domain.PerPageDefault,
		threadsPerPage: domain.PerPageDefault,
	}
}

func (b *Base) Name() string               { return b.name }
func (b *Base) PrettyName() string         { return b.prettyName }
func (b *Base) BaseURL() string            { return b.baseURL }
func (b *Base) Settings() *config.Settings { return b.settings }
func (b *Base) PostsPerPage() int          { return b.postsPerPage }
func (b *Base) ThreadsPerPage() int        { return b.threadsPerPage }
func (b *Base) PageSizeLocked() bool       { return b.pageSizeLocked }

// SetPageSizes overrides the per-page defaults. Locked sizes come from
// boards that ignore the requested window.
func (b *Base) SetPageSizes(posts, threads int, locked bool) {
	if b.pageSizeLocked {
		return
	}
	if posts > 0 {
		b.postsPerPage = posts
	}
	if threads > 0 {
		b.threadsPerPage = threads
	}
	b.pageSizeLocked = locked
}

// unreadWindow bounds the unread walk to the first page of each forum.
// Threads past this window are not seen; a forum whose only unread
// threads sit deeper is reported read.
const unreadWindow = 50

// UnreadWalk is the default unread-forum discovery for backends without a
// native unread query. It lists each child forum's first page and recurses
// into categories and forums flagged unread. Categories can carry threads
// of their own, so their window is checked before descending.
func UnreadWalk(ctx context.Context, p Parser, forumID string) ([]*domain.Forum, error) {
	listed, err := p.ForumList(ctx, forumID)
	if err != nil {
		return nil, err
	}

	var out []*domain.Forum
	for _, child := range listed.Forums {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if child.Type != domain.ForumTypeForum && child.Type != domain.ForumTypeCategory {
			continue
		}
		if child.Type == domain.ForumTypeForum && !child.HasUnread {
			continue
		}
		probe := domain.NewForum(child.Id)
		probe.Name = child.Name
		probe.PageNumber = 1
		probe.PerPage = unreadWindow
		withThreads, err := p.ThreadList(ctx, probe)
		if err != nil {
			return nil, err
		}
		for _, t := range withThreads.Threads {
			if t.HasUnread {
				out = append(out, child)
				break
			}
		}
		sub, err := UnreadWalk(ctx, p, child.Id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// QuoteWrap is the generic quote fallback used when a board has no native
// quote fetch.
func QuoteWrap(p *domain.Post) string {
	return fmt.Sprintf("[quote=%s]%s[/quote]\n", p.Author, p.Text)
}

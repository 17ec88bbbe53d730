package xenforo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/errors"
)

func newTestScraper(t *testing.T, mux *http.ServeMux) *Scraper {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL, config.NewSettings(), web.NewClient(""))
}

func page(body string) string {
	return `<html id="XenForo"><body>` + body + `</body></html>`
}

func TestCanParse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(""))
	})
	s := newTestScraper(t, mux)

	ok, err := s.CanParse(context.Background(), s.BaseURL())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanParseRejectsOtherSoftware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>some blog</body></html>`)
	})
	s := newTestScraper(t, mux)

	ok, err := s.CanParse(context.Background(), s.BaseURL())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForumListClassifiesNodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`<ol>
			<li id="node-3" class="node forum unread"><h3 class="nodeTitle"><a href="forums/general.3/">General</a></h3></li>
			<li id="node-4" class="node category"><h3 class="nodeTitle"><a href="#cat">Topics</a></h3></li>
			<li id="node-5" class="node link"><h3 class="nodeTitle"><a href="https://elsewhere.example">Elsewhere</a></h3></li>
		</ol>`))
	})
	s := newTestScraper(t, mux)

	root, err := s.ForumList(context.Background(), "-1")
	require.NoError(t, err)
	require.Len(t, root.Forums, 3)
	assert.Equal(t, domain.ForumTypeForum, root.Forums[0].Type)
	assert.True(t, root.Forums[0].HasUnread)
	assert.Equal(t, "General", root.Forums[0].Name)
	assert.Equal(t, domain.ForumTypeCategory, root.Forums[1].Type)
	assert.Equal(t, domain.ForumTypeLink, root.Forums[2].Type)
	assert.Equal(t, "https://elsewhere.example", root.Forums[2].Link)
}

// A node class we cannot map is an error for the whole listing, never a
// guessed type.
func TestForumListFailsClosedOnUnknownNode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`<li id="node-9" class="node mystery"><h3 class="nodeTitle"><a>?</a></h3></li>`))
	})
	s := newTestScraper(t, mux)

	_, err := s.ForumList(context.Background(), "-1")
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ProtocolError](err))
}

func threadItem(id, title, author, extraClass string) string {
	return fmt.Sprintf(`<li id="thread-%s" class="discussionListItem %s" data-author="%s">
		<h3 class="title"><a href="threads/x.%s/">%s</a></h3>
		<dl class="lastPostInfo"><dd><a class="username">%s</a></dd></dl>
	</li>`, id, extraClass, author, id, title, author)
}

func TestThreadListSkipsBrokenItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/forums/7/page-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`
			<div class="PageNav" data-last="12"></div>
			<ol>`+
			threadItem("100", "Good thread", "alice", "sticky")+
			`<li id="thread-101" class="discussionListItem"><h3 class="title"><a>No author block</a></h3></li>`+
			threadItem("102", "Another", "bob", "unread")+
			`</ol>`))
	})
	s := newTestScraper(t, mux)

	f := domain.NewForum("7")
	out, err := s.ThreadList(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, out.Threads, 2)
	assert.Equal(t, "100", out.Threads[0].Id)
	assert.True(t, out.Threads[0].Sticky)
	assert.Equal(t, "102", out.Threads[1].Id)
	assert.True(t, out.Threads[1].HasUnread)
	assert.Equal(t, 12, out.PageCount)
}

func postItem(id, author, text string) string {
	return fmt.Sprintf(`<li id="post-%s" class="message" data-author="%s">
		<blockquote class="messageText">%s</blockquote>
	</li>`, id, author, text)
}

func TestPostListFirstUnreadFromRedirect(t *testing.T) {
	mux := http.NewServeMux()
	body := page(`<div class="PageNav" data-last="2"></div><ol>` +
		postItem("21", "alice", "first") + postItem("22", "bob", "second") + `</ol>`)
	mux.HandleFunc("/threads/5/unread", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/threads/5/page-2#post-22", http.StatusFound)
	})
	mux.HandleFunc("/threads/5/page-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	s := newTestScraper(t, mux)

	th := domain.NewThread("5")
	th.PerPage = 20
	out, err := s.PostList(context.Background(), th, parser.FirstUnreadPost)
	require.NoError(t, err)

	require.NotNil(t, out.FirstUnread)
	assert.Equal(t, "22", out.FirstUnread.Id)
	assert.True(t, out.FirstUnread.HasUnread)
	assert.Equal(t, 2, out.PageNumber)
	require.Len(t, out.Posts, 2)
	assert.Equal(t, 21, out.Posts[0].Index)
}

// A message item without a post id is dropped; the posts around it keep
// contiguous absolute indexes.
func TestPostIndexHasNoGapAfterSkippedItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/5/page-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`<div class="PageNav" data-last="3"></div><ol>`+
			postItem("41", "alice", "first")+
			`<li class="message" data-author="ghost"><blockquote class="messageText">no id</blockquote></li>`+
			postItem("43", "bob", "third")+`</ol>`))
	})
	s := newTestScraper(t, mux)

	th := domain.NewThread("5")
	th.PageNumber = 3
	th.PerPage = 20
	out, err := s.PostList(context.Background(), th, parser.FirstPost)
	require.NoError(t, err)

	require.Len(t, out.Posts, 2)
	assert.Equal(t, 41, out.Posts[0].Index)
	assert.Equal(t, 42, out.Posts[1].Index)
}

func TestSubmitWithoutTokenIsProtocolError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/5/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`<form></form>`))
	})
	s := newTestScraper(t, mux)

	p := domain.NewPost("")
	p.Text = "hello"
	_, err := s.SubmitNewPost(context.Background(), domain.NewThread("5"), p)
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ProtocolError](err))
}

func TestSubmitNewPostHarvestsToken(t *testing.T) {
	var gotToken string
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/5/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(`<input type="hidden" name="_xfToken" value="tok123">`))
	})
	mux.HandleFunc("/threads/5/add-reply", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotToken = r.FormValue("_xfToken")
		http.Redirect(w, r, "/threads/5/page-3#post-77", http.StatusFound)
	})
	mux.HandleFunc("/threads/5/page-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(""))
	})
	s := newTestScraper(t, mux)

	p := domain.NewPost("")
	p.Text = "hello"
	out, err := s.SubmitNewPost(context.Background(), domain.NewThread("5"), p)
	require.NoError(t, err)
	assert.Equal(t, "tok123", gotToken)
	assert.Equal(t, "77", out.Id)
}

func TestUnreadForumsDedupes(t *testing.T) {
	mux := http.NewServeMux()
	item := func(threadID, forumID, forumName string) string {
		return fmt.Sprintf(`<li id="thread-%s" class="discussionListItem">
			<a class="forumLink" href="forums/x.%s/">%s</a></li>`, threadID, forumID, forumName)
	}
	mux.HandleFunc("/find-new/threads", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page(item("1", "3", "General")+item("2", "3", "General")+item("3", "8", "Off Topic")))
	})
	s := newTestScraper(t, mux)

	forums, err := s.UnreadForums(context.Background())
	require.NoError(t, err)
	require.Len(t, forums, 2)
	assert.Equal(t, "3", forums[0].Id)
	assert.Equal(t, "8", forums[1].Id)
	assert.True(t, forums[0].HasUnread)
}

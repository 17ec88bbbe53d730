// Package xenforo implements the HTML-scraping backend for boards without
// any machine interface. Everything is read out of the rendered markup, so
// every extraction is defensive: a listing item missing a required node is
// skipped with a log line rather than failing the whole page.
package xenforo

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/sgml"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/errors"
	"github.com/boardline/boardline/shared/logger"
)

const (
	Name       = "xenforo1x"
	PrettyName = "XenForo 1.x"
)

var (
	nodeItemRe       = regexp.MustCompile(`\bnode\b`)
	nodeIDRe         = regexp.MustCompile(`^node-(\d+)$`)
	discussionItemRe = regexp.MustCompile(`\bdiscussionListItem\b`)
	threadIDRe       = regexp.MustCompile(`^thread-(\d+)$`)
	titleRe          = regexp.MustCompile(`\btitle\b`)
	usernameRe       = regexp.MustCompile(`\busername\b`)
	lastPostRe       = regexp.MustCompile(`\blastPostInfo\b`)
	pageNavRe        = regexp.MustCompile(`\bPageNav\b`)
	messageItemRe    = regexp.MustCompile(`\bmessage\b`)
	postIDRe         = regexp.MustCompile(`^post-(\d+)$`)
	messageTextRe    = regexp.MustCompile(`\bmessageText\b`)
	dateTimeRe       = regexp.MustCompile(`\bDateTime\b`)
	tokenNameRe      = regexp.MustCompile(`^_xfToken$`)
	nodeTitleRe      = regexp.MustCompile(`\bnodeTitle\b`)
	redirectPostRe   = regexp.MustCompile(`post-(\d+)`)
	loggedInRe       = regexp.MustCompile(`\bLoggedIn\b`)
)

type Scraper struct {
	parser.Base

	fetcher web.Fetcher
}

func New(baseURL string, settings *config.Settings, fetcher web.Fetcher) *Scraper {
	if fetcher == nil {
		fetcher = web.NewClient(settings.Text("web.useragent", ""))
	}
	return &Scraper{
		Base:    parser.NewBase(Name, PrettyName, strings.TrimRight(baseURL, "/"), settings),
		fetcher: fetcher,
	}
}

func (s *Scraper) Clone() parser.Parser {
	return New(s.BaseURL(), s.Settings().Clone(), s.fetcher.Clone())
}

func (s *Scraper) LastRequestURL() string { return s.fetcher.LastRequestURL() }

func (s *Scraper) fetchDoc(ctx context.Context, rawURL string, opts web.Options) (*sgml.Document, error) {
	resp, err := s.fetcher.Get(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	doc, err := sgml.Parse(resp.Body)
	if err != nil {
		return nil, &errors.ProtocolError{Message: "unparseable page: " + err.Error(), URL: rawURL}
	}
	return doc, nil
}

// CanParse looks for the board software's fingerprint on the root page.
func (s *Scraper) CanParse(ctx context.Context, rawURL string) (bool, error) {
	probe := New(rawURL, s.Settings().Clone(), s.fetcher.Clone())
	doc, err := probe.fetchDoc(ctx, probe.BaseURL()+"/", web.SkipCache)
	if err != nil {
		if errors.Is[*errors.TransportError](err) || errors.Is[*errors.ProtocolError](err) {
			return false, nil
		}
		return false, err
	}
	html := doc.FirstElement("html", "id", regexp.MustCompile(`^XenForo$`))
	return html != nil, nil
}

// harvestToken pulls the anti-forgery token every write operation must
// carry. A page without one means the session cannot write.
func harvestToken(doc *sgml.Document, pageURL string) (string, error) {
	input := doc.FirstElement("input", "name", tokenNameRe)
	if input == nil || input.Attr("value") == "" {
		return "", &errors.ProtocolError{Message: "page carries no anti-forgery token", URL: pageURL}
	}
	return input.Attr("value"), nil
}

func (s *Scraper) Login(ctx context.Context, creds parser.Credentials) (*parser.LoginResult, error) {
	doc, err := s.fetchDoc(ctx, s.BaseURL()+"/login/", web.SkipCache)
	if err != nil {
		return nil, err
	}
	token, err := harvestToken(doc, s.BaseURL()+"/login/")
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("login", creds.Username)
	form.Set("password", creds.Password)
	form.Set("remember", "1")
	form.Set("cookie_check", "1")
	form.Set("_xfToken", token)
	resp, err := s.fetcher.PostForm(ctx, s.BaseURL()+"/login/login", form)
	if err != nil {
		return nil, err
	}

	landing, err := sgml.Parse(resp.Body)
	if err != nil {
		return nil, &errors.ProtocolError{Message: "unparseable login response: " + err.Error(), URL: resp.FinalURL}
	}
	html := landing.FirstElement("html", "class", loggedInRe)
	if html == nil {
		return &parser.LoginResult{Success: false, Message: "board rejected credentials"}, nil
	}
	return &parser.LoginResult{Success: true}, nil
}

func (s *Scraper) Logout(ctx context.Context) error {
	_, err := s.fetcher.Get(ctx, s.BaseURL()+"/logout/", web.SkipCache)
	return err
}

func (s *Scraper) BoardInfo(ctx context.Context) (*parser.BoardInfo, error) {
	doc, err := s.fetchDoc(ctx, s.BaseURL()+"/", 0)
	if err != nil {
		return nil, err
	}
	info := &parser.BoardInfo{Name: s.PrettyName(), URL: s.BaseURL()}
	if titles := doc.ElementsByName("title"); len(titles) > 0 {
		info.Name = titles[0].Text()
	}
	if gen := doc.FirstElement("meta", "name", regexp.MustCompile(`^generator$`)); gen != nil {
		info.Version = gen.Attr("content")
	}
	return info, nil
}

// classifyNode maps a node's class string onto a forum type. An
// unrecognized node is an error, never a guess: a wrongly typed forum
// would send later requests to pages that do not exist.
func classifyNode(tag *sgml.Tag) (domain.ForumType, error) {
	switch {
	case tag.HasClass("forum"):
		return domain.ForumTypeForum, nil
	case tag.HasClass("category"):
		return domain.ForumTypeCategory, nil
	case tag.HasClass("link"):
		return domain.ForumTypeLink, nil
	case tag.HasClass("page"):
		return domain.ForumTypeLink, nil
	}
	return domain.ForumTypeUnknown, errors.Protocolf("unrecognized node class %q", tag.Attr("class"))
}

func (s *Scraper) ForumList(ctx context.Context, forumID string) (*domain.Forum, error) {
	pageURL := s.BaseURL() + "/"
	var out *domain.Forum
	if forumID == "" || forumID == "-1" {
		out = domain.NewRootForum("-1")
	} else {
		pageURL = fmt.Sprintf("%s/forums/%s/", s.BaseURL(), forumID)
		out = domain.NewForum(forumID)
	}

	doc, err := s.fetchDoc(ctx, pageURL, 0)
	if err != nil {
		return nil, err
	}

	for _, li := range doc.ElementsByAttr("li", "class", nodeItemRe) {
		idm := nodeIDRe.FindStringSubmatch(li.Attr("id"))
		if idm == nil {
			continue
		}
		typ, err := classifyNode(li)
		if err != nil {
			return nil, err
		}
		title := li.First("", "class", nodeTitleRe)
		if title == nil {
			logger.Log.Warn("skipping node without title",
				"component", "xenforo", "node", li.Attr("id"))
			continue
		}
		f := domain.NewForum(idm[1])
		f.Type = typ
		f.Name = title.Text()
		f.Title = f.Name
		f.HasUnread = li.HasClass("unread")
		if typ == domain.ForumTypeLink {
			if a := title.First("a", "", nil); a != nil {
				f.Link = a.Attr("href")
			}
		}
		if err := out.AddForum(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Scraper) RootForumList(ctx context.Context) (*domain.Forum, error) {
	return s.ForumList(ctx, "-1")
}

// UnreadForums uses the board's find-new listing instead of crawling, so
// unread threads deep in a forum are still found.
func (s *Scraper) UnreadForums(ctx context.Context) ([]*domain.Forum, error) {
	doc, err := s.fetchDoc(ctx, s.BaseURL()+"/find-new/threads", web.SkipCache)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []*domain.Forum
	for _, li := range doc.ElementsByAttr("li", "class", discussionItemRe) {
		forumLink := li.First("a", "class", regexp.MustCompile(`\bforumLink\b`))
		if forumLink == nil {
			continue
		}
		id := forumIDFromHref(forumLink.Attr("href"))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		f := domain.NewForum(id)
		f.Name = forumLink.Text()
		f.Type = domain.ForumTypeForum
		f.HasUnread = true
		out = append(out, f)
	}
	return out, nil
}

var forumHrefRe = regexp.MustCompile(`forums/(?:[^/.]*\.)?(\d+)`)

func forumIDFromHref(href string) string {
	if m := forumHrefRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func pageCountFromNav(doc *sgml.Document) int {
	nav := doc.FirstElement("", "class", pageNavRe)
	if nav == nil {
		return 1
	}
	if n, err := strconv.Atoi(nav.Attr("data-last")); err == nil && n > 0 {
		return n
	}
	return 1
}

// ThreadList scrapes one listing page. Items missing any required node
// (title, author, last-post block) are skipped individually; boards decorate
// deleted and moderated threads into shapes we cannot read.
func (s *Scraper) ThreadList(ctx context.Context, f *domain.Forum) (*domain.Forum, error) {
	page := f.PageNumber
	if page < 1 {
		page = 1
	}
	pageURL := fmt.Sprintf("%s/forums/%s/page-%d", s.BaseURL(), f.Id, page)
	doc, err := s.fetchDoc(ctx, pageURL, web.SkipCache)
	if err != nil {
		return nil, err
	}

	out := domain.NewForum(f.Id)
	out.Name = f.Name
	out.Type = f.Type
	out.PageNumber = page
	out.PerPage = f.PerPage
	out.PageCount = pageCountFromNav(doc)

	var threads []*domain.Thread
	for _, li := range doc.ElementsByAttr("li", "class", discussionItemRe) {
		t, err := threadFromItem(li)
		if err != nil {
			logger.Log.Warn("skipping unreadable thread item",
				"component", "xenforo", "forum", f.Id, "error", err)
			continue
		}
		threads = append(threads, t)
	}
	if err := out.SetThreads(threads); err != nil {
		return nil, err
	}
	return out, nil
}

func threadFromItem(li *sgml.Tag) (*domain.Thread, error) {
	idm := threadIDRe.FindStringSubmatch(li.Attr("id"))
	if idm == nil {
		return nil, fmt.Errorf("item has no thread id")
	}
	title := li.First("h3", "class", titleRe)
	if title == nil {
		return nil, fmt.Errorf("thread %s has no title node", idm[1])
	}
	author := li.Attr("data-author")
	if author == "" {
		if a := li.First("a", "class", usernameRe); a != nil {
			author = a.Text()
		}
	}
	if author == "" {
		return nil, fmt.Errorf("thread %s has no author", idm[1])
	}
	lastPost := li.First("dl", "class", lastPostRe)
	if lastPost == nil {
		return nil, fmt.Errorf("thread %s has no last-post block", idm[1])
	}

	t := domain.NewThread(idm[1])
	t.Title = title.Text()
	t.Author = author
	t.Sticky = li.HasClass("sticky")
	t.HasUnread = li.HasClass("unread")
	t.Open = !li.HasClass("locked")

	if preview := li.First("", "class", regexp.MustCompile(`\bPreviewTooltip\b`)); preview != nil {
		t.Preview = preview.Attr("title")
	}

	last := domain.NewPost("-1")
	if a := lastPost.First("a", "class", usernameRe); a != nil {
		last.Author = a.Text()
	}
	if dt := lastPost.First("", "class", dateTimeRe); dt != nil {
		last.RawTime = dt.Text()
		if unix, err := strconv.ParseInt(dt.Attr("data-time"), 10, 64); err == nil {
			last.Time = time.Unix(unix, 0)
		}
	}
	t.LastPost = last
	return t, nil
}

// PostList scrapes a thread page. The first-unread selector rides the
// board's unread redirect: the landing URL names the post to mark.
func (s *Scraper) PostList(ctx context.Context, t *domain.Thread, sel parser.PostSelector) (*domain.Thread, error) {
	page := t.PageNumber
	if page < 1 {
		page = 1
	}

	var pageURL string
	switch sel {
	case parser.FirstPost:
		pageURL = fmt.Sprintf("%s/threads/%s/page-%d", s.BaseURL(), t.Id, page)
	case parser.FirstUnreadPost:
		pageURL = fmt.Sprintf("%s/threads/%s/unread", s.BaseURL(), t.Id)
	case parser.LastPost:
		pageURL = fmt.Sprintf("%s/threads/%s/page-999999", s.BaseURL(), t.Id)
	default:
		return nil, errors.Protocolf("unknown post selector %d", sel)
	}

	doc, err := s.fetchDoc(ctx, pageURL, web.SkipCache)
	if err != nil {
		return nil, err
	}
	finalURL := s.fetcher.LastRequestURL()

	out := domain.NewThread(t.Id)
	out.Title = t.Title
	out.PerPage = t.PerPage
	out.PageCount = pageCountFromNav(doc)
	out.PageNumber = pageFromURL(finalURL, page, sel, out.PageCount)

	perPage := out.PerPage
	if perPage <= 0 {
		perPage = s.PostsPerPage()
	}

	var posts []*domain.Post
	for _, li := range doc.ElementsByAttr("li", "class", messageItemRe) {
		idm := postIDRe.FindStringSubmatch(li.Attr("id"))
		if idm == nil {
			continue
		}
		p := domain.NewPost(idm[1])
		p.Author = li.Attr("data-author")
		if body := li.First("", "class", messageTextRe); body != nil {
			p.Text = strings.TrimSpace(body.InnerHTML())
		}
		if dt := li.First("", "class", dateTimeRe); dt != nil {
			p.RawTime = dt.Text()
			if unix, err := strconv.ParseInt(dt.Attr("data-time"), 10, 64); err == nil {
				p.Time = time.Unix(unix, 0)
			}
		}
		// skipped items must not leave gaps in the numbering
		p.Index = (out.PageNumber-1)*perPage + len(posts) + 1
		posts = append(posts, p)
	}
	if err := out.SetPosts(posts); err != nil {
		return nil, err
	}

	if sel == parser.FirstUnreadPost {
		if m := redirectPostRe.FindStringSubmatch(finalURL); m != nil {
			for _, p := range out.Posts {
				if p.Id == m[1] {
					out.FirstUnread = p
					p.HasUnread = true
					break
				}
			}
		}
		if out.FirstUnread == nil && len(out.Posts) > 0 {
			out.FirstUnread = out.Posts[0]
		}
	}
	return out, nil
}

var pageURLRe = regexp.MustCompile(`/page-(\d+)`)

func pageFromURL(finalURL string, requested int, sel parser.PostSelector, pageCount int) int {
	if m := pageURLRe.FindStringSubmatch(finalURL); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 {
			if n > pageCount {
				return pageCount
			}
			return n
		}
	}
	if sel == parser.LastPost {
		return pageCount
	}
	return requested
}

func (s *Scraper) SubmitNewThread(ctx context.Context, f *domain.Forum, t *domain.Thread) (*domain.Thread, error) {
	formURL := fmt.Sprintf("%s/forums/%s/create-thread", s.BaseURL(), f.Id)
	doc, err := s.fetchDoc(ctx, formURL, web.SkipCache)
	if err != nil {
		return nil, err
	}
	token, err := harvestToken(doc, formURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("title", t.Title)
	form.Set("message", firstPostText(t))
	form.Set("_xfToken", token)
	resp, err := s.fetcher.PostForm(ctx, fmt.Sprintf("%s/forums/%s/add-thread", s.BaseURL(), f.Id), form)
	if err != nil {
		return nil, err
	}

	out := domain.NewThread(threadIDFromHref(resp.FinalURL))
	out.Title = t.Title
	return out, nil
}

func firstPostText(t *domain.Thread) string {
	if len(t.Posts) > 0 {
		return t.Posts[0].Text
	}
	return ""
}

var threadHrefRe = regexp.MustCompile(`threads/(?:[^/.]*\.)?(\d+)`)

func threadIDFromHref(href string) string {
	if m := threadHrefRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func (s *Scraper) SubmitNewPost(ctx context.Context, t *domain.Thread, p *domain.Post) (*domain.Post, error) {
	threadURL := fmt.Sprintf("%s/threads/%s/", s.BaseURL(), t.Id)
	doc, err := s.fetchDoc(ctx, threadURL, web.SkipCache)
	if err != nil {
		return nil, err
	}
	token, err := harvestToken(doc, threadURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("message", p.Text)
	form.Set("_xfToken", token)
	resp, err := s.fetcher.PostForm(ctx, fmt.Sprintf("%s/threads/%s/add-reply", s.BaseURL(), t.Id), form)
	if err != nil {
		return nil, err
	}

	out := domain.NewPost(postIDFromHref(resp.FinalURL))
	out.Text = p.Text
	return out, nil
}

func postIDFromHref(href string) string {
	if m := redirectPostRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func (s *Scraper) MarkForumRead(ctx context.Context, f *domain.Forum) error {
	pageURL := s.BaseURL() + "/"
	if f != nil && !f.IsRoot() {
		pageURL = fmt.Sprintf("%s/forums/%s/", s.BaseURL(), f.Id)
	}
	doc, err := s.fetchDoc(ctx, pageURL, web.SkipCache)
	if err != nil {
		return err
	}
	token, err := harvestToken(doc, pageURL)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("_xfToken", token)
	if f != nil && !f.IsRoot() {
		form.Set("node_id", f.Id)
	}
	_, err = s.fetcher.PostForm(ctx, s.BaseURL()+"/forums/mark-read", form)
	return err
}

func (s *Scraper) PostQuote(ctx context.Context, p *domain.Post) (string, error) {
	return parser.QuoteWrap(p), nil
}

func (s *Scraper) EncryptionSettings(ctx context.Context) (*config.Settings, error) {
	out := config.NewSettings()
	out.SetOrAdd("encryption.enabled", "false")
	return out, nil
}

func (s *Scraper) ItemURL(item domain.Item) (string, error) {
	switch v := item.(type) {
	case *domain.Forum:
		return fmt.Sprintf("%s/forums/%s/", s.BaseURL(), v.Id), nil
	case *domain.Thread:
		return fmt.Sprintf("%s/threads/%s/", s.BaseURL(), v.Id), nil
	case *domain.Post:
		return fmt.Sprintf("%s/posts/%s/", s.BaseURL(), v.Id), nil
	}
	return "", errors.Protocolf("no URL form for item %T", item)
}

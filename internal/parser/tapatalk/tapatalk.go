// Package tapatalk implements the typed remote-call backend for boards
// exposing a mobile XML-RPC gateway at mobiquo/mobiquo.php.
package tapatalk

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/errors"
	"github.com/boardline/boardline/shared/logger"
)

const (
	Name       = "tapatalk4x"
	PrettyName = "Tapatalk Gateway 4.x"

	gatewayPath = "/mobiquo/mobiquo.php"

	// gateways drop idle sessions; re-login silently past this
	loginTimeout = 15 * time.Minute
)

type Client struct {
	parser.Base

	fetcher web.Fetcher
	rpcURL  string

	// clock injection for the idle re-login tests
	now func() time.Time

	creds       parser.Credentials
	loggedIn    bool
	lastLogin   time.Time
	supportSHA1 bool
	configOnce  bool
	boardConfig Struct

	// instance-owned forum cache from the last full map fetch
	forumByID map[string]Struct
	rootID    string
}

func New(baseURL string, settings *config.Settings, fetcher web.Fetcher) *Client {
	if fetcher == nil {
		fetcher = web.NewClient(settings.Text("web.useragent", ""))
	}
	return &Client{
		Base:    parser.NewBase(Name, PrettyName, baseURL, settings),
		fetcher: fetcher,
		rpcURL:  strings.TrimRight(baseURL, "/") + gatewayPath,
		now:     time.Now,
	}
}

// Clone duplicates the session cookies into an independent client. The
// forum cache is not shared; each instance owns its own.
func (c *Client) Clone() parser.Parser {
	out := New(c.BaseURL(), c.Settings().Clone(), c.fetcher.Clone())
	out.creds = c.creds
	out.now = c.now
	return out
}

func (c *Client) LastRequestURL() string { return c.fetcher.LastRequestURL() }

func (c *Client) call(ctx context.Context, method string, params ...any) (any, error) {
	body, err := marshalCall(method, params...)
	if err != nil {
		return nil, &errors.ProtocolError{Message: "encoding " + method + ": " + err.Error(), URL: c.rpcURL}
	}
	resp, err := c.fetcher.PostBody(ctx, c.rpcURL, "text/xml", body)
	if err != nil {
		return nil, err
	}
	return unmarshalResponse([]byte(resp.Body), c.rpcURL)
}

// authedCall re-authenticates first when the last login is older than the
// gateway keeps a session alive. Activity on the session does not extend it.
func (c *Client) authedCall(ctx context.Context, method string, params ...any) (any, error) {
	if c.loggedIn && c.now().Sub(c.lastLogin) > loginTimeout {
		logger.Log.Debug("session older than login timeout, re-authenticating",
			"component", "tapatalk", "board", c.BaseURL())
		if _, err := c.Login(ctx, c.creds); err != nil {
			return nil, err
		}
	}
	return c.call(ctx, method, params...)
}

func (c *Client) loadConfig(ctx context.Context) (Struct, error) {
	if c.configOnce {
		return c.boardConfig, nil
	}
	res, err := c.call(ctx, "get_config")
	if err != nil {
		return nil, err
	}
	cfg, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("get_config returned %T, want struct", res)
	}
	c.boardConfig = cfg
	c.supportSHA1 = cfg.Bool("support_sha1")
	c.configOnce = true
	return cfg, nil
}

func (c *Client) CanParse(ctx context.Context, rawURL string) (bool, error) {
	probe := New(rawURL, c.Settings().Clone(), c.fetcher.Clone())
	_, err := probe.loadConfig(ctx)
	if err != nil {
		if errors.Is[*errors.TransportError](err) || errors.Is[*errors.ProtocolError](err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) Login(ctx context.Context, creds parser.Credentials) (*parser.LoginResult, error) {
	if _, err := c.loadConfig(ctx); err != nil {
		return nil, err
	}
	password := creds.Password
	if c.supportSHA1 {
		sum := sha1.Sum([]byte(creds.Password))
		password = hex.EncodeToString(sum[:])
	}
	res, err := c.call(ctx, "login", creds.Username, password)
	if err != nil {
		return nil, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("login returned %T, want struct", res)
	}
	result := &parser.LoginResult{Success: s.Bool("result")}
	result.Message, _ = s.Text("result_text")
	if result.Success {
		c.creds = creds
		c.loggedIn = true
		c.lastLogin = c.now()
	}
	return result, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, "logout_user")
	c.loggedIn = false
	c.creds = parser.Credentials{}
	if err != nil && !errors.Is[*errors.ProtocolError](err) {
		// older gateways lack logout_user; a fault just means that
		return err
	}
	return nil
}

func (c *Client) BoardInfo(ctx context.Context) (*parser.BoardInfo, error) {
	cfg, err := c.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	info := &parser.BoardInfo{URL: c.BaseURL()}
	info.Version, _ = cfg.Text("version")
	if sw, ok := cfg.Text("sys_version"); ok && info.Version == "" {
		info.Version = sw
	}
	info.Name, _ = cfg.Text("board_name")
	if info.Name == "" {
		info.Name = c.PrettyName()
	}
	return info, nil
}

// refreshForumMap pulls the complete forum tree and indexes it by id. The
// root id is not reported directly; it is realized from the parent_id the
// top-level entries carry.
func (c *Client) refreshForumMap(ctx context.Context) error {
	res, err := c.authedCall(ctx, "get_forum")
	if err != nil {
		return err
	}
	entries, ok := res.([]any)
	if !ok {
		return errors.Protocolf("get_forum returned %T, want array", res)
	}

	index := make(map[string]Struct)
	var walk func(items []any, parentID string)
	walk = func(items []any, parentID string) {
		for _, item := range items {
			s, ok := item.(Struct)
			if !ok {
				continue
			}
			id, ok := s.Text("forum_id")
			if !ok || id == "" {
				// a forum without an id cannot be addressed; skip it
				logger.Log.Warn("skipping forum entry without id",
					"component", "tapatalk", "board", c.BaseURL())
				continue
			}
			if _, has := s.Text("parent_id"); !has {
				s["parent_id"] = parentID
			}
			index[id] = s
			if children := s.Array("child"); children != nil {
				walk(children, id)
			}
		}
	}
	walk(entries, "")

	rootID := "-1"
	if len(entries) > 0 {
		if s, ok := entries[0].(Struct); ok {
			if pid, ok := s.Text("parent_id"); ok && pid != "" {
				rootID = pid
			}
		}
	}
	c.forumByID = index
	c.rootID = rootID
	return nil
}

func forumFromStruct(s Struct) *domain.Forum {
	id, _ := s.Text("forum_id")
	f := domain.NewForum(id)
	f.Name, _ = s.Text("forum_name")
	f.Title = f.Name
	f.HasUnread = s.Bool("new_post")
	if s.Bool("sub_only") {
		f.Type = domain.ForumTypeCategory
	} else if url, ok := s.Text("url"); ok && url != "" {
		f.Type = domain.ForumTypeLink
		f.Link = url
	} else {
		f.Type = domain.ForumTypeForum
	}
	return f
}

func (c *Client) ForumList(ctx context.Context, forumID string) (*domain.Forum, error) {
	if err := c.refreshForumMap(ctx); err != nil {
		return nil, err
	}
	var out *domain.Forum
	if forumID == c.rootID || forumID == "-1" {
		out = domain.NewRootForum(c.rootID)
	} else {
		s, ok := c.forumByID[forumID]
		if !ok {
			return nil, errors.Protocolf("board reports no forum with id %q", forumID)
		}
		out = forumFromStruct(s)
	}

	type orderedChild struct {
		order int
		f     *domain.Forum
	}
	var children []orderedChild
	for _, s := range c.forumByID {
		pid, _ := s.Text("parent_id")
		match := pid == forumID
		if out.IsRoot() && (pid == c.rootID || pid == "") {
			match = true
		}
		if !match {
			continue
		}
		child := forumFromStruct(s)
		order, _ := s.Int("order")
		child.DisplayOrder = order
		children = append(children, orderedChild{order: order, f: child})
	}
	sort.SliceStable(children, func(i, j int) bool { return children[i].order < children[j].order })
	for _, oc := range children {
		if err := out.AddForum(oc.f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) RootForumList(ctx context.Context) (*domain.Forum, error) {
	if c.rootID == "" {
		if err := c.refreshForumMap(ctx); err != nil {
			return nil, err
		}
	}
	return c.ForumList(ctx, c.rootID)
}

func (c *Client) UnreadForums(ctx context.Context) ([]*domain.Forum, error) {
	res, err := c.authedCall(ctx, "get_unread_topic", 0, 49)
	if err != nil {
		return nil, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("get_unread_topic returned %T, want struct", res)
	}

	seen := make(map[string]bool)
	var out []*domain.Forum
	for _, item := range s.Array("topics") {
		topic, ok := item.(Struct)
		if !ok {
			continue
		}
		fid, ok := topic.Text("forum_id")
		if !ok || fid == "" || seen[fid] {
			continue
		}
		seen[fid] = true
		f := domain.NewForum(fid)
		f.Name, _ = topic.Text("forum_name")
		f.Type = domain.ForumTypeForum
		f.HasUnread = true
		out = append(out, f)
	}
	return out, nil
}

func threadFromStruct(s Struct, perPage int) (*domain.Thread, error) {
	id, ok := s.Text("topic_id")
	if !ok || id == "" {
		return nil, errors.Protocolf("topic entry carries no topic_id")
	}
	t := domain.NewThread(id)
	t.Title, _ = s.Text("topic_title")
	t.Author, _ = s.Text("topic_author_name")
	t.HasUnread = s.Bool("new_post")
	t.Sticky = s.Bool("is_sticky") || s.Bool("issticky")
	t.Open = !s.Bool("is_closed")
	t.Preview, _ = s.Text("short_content")
	t.Views, _ = s.Int("view_number")
	t.ReplyCount, _ = s.Int("reply_number")
	t.PerPage = perPage
	t.PageCount = pageCount(t.ReplyCount+1, perPage)

	last := domain.NewPost("-1")
	if ts, ok := s.Time("last_reply_time"); ok {
		last.Time = ts
	}
	last.Author, _ = s.Text("last_reply_author_name")
	t.LastPost = last
	return t, nil
}

func pageCount(total, perPage int) int {
	if perPage <= 0 || total <= 0 {
		return 1
	}
	n := (total + perPage - 1) / perPage
	if n < 1 {
		n = 1
	}
	return n
}

// ThreadList fetches the forum page named by the forum's cursor: stickies
// first (a separate TOP query on page one), then the normal window.
func (c *Client) ThreadList(ctx context.Context, f *domain.Forum) (*domain.Forum, error) {
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = c.ThreadsPerPage()
	}
	page := f.PageNumber
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	end := start + perPage - 1

	out := domain.NewForum(f.Id)
	out.Name = f.Name
	out.Type = f.Type
	out.PageNumber = page
	out.PerPage = perPage

	var threads []*domain.Thread
	if page == 1 {
		sticky, _, err := c.fetchTopics(ctx, f.Id, 0, perPage-1, "TOP", perPage)
		if err != nil {
			return nil, err
		}
		threads = append(threads, sticky...)
	}
	normal, total, err := c.fetchTopics(ctx, f.Id, start, end, "", perPage)
	if err != nil {
		return nil, err
	}
	threads = append(threads, normal...)

	out.PageCount = pageCount(total, perPage)
	if err := out.SetThreads(threads); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetchTopics(ctx context.Context, forumID string, start, end int, mode string, perPage int) ([]*domain.Thread, int, error) {
	params := []any{forumID, start, end}
	if mode != "" {
		params = append(params, rawString(mode))
	}
	res, err := c.authedCall(ctx, "get_topic", params...)
	if err != nil {
		return nil, 0, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, 0, errors.Protocolf("get_topic returned %T, want struct", res)
	}
	total, _ := s.Int("total_topic_num")

	var out []*domain.Thread
	for _, item := range s.Array("topics") {
		ts, ok := item.(Struct)
		if !ok {
			continue
		}
		t, err := threadFromStruct(ts, perPage)
		if err != nil {
			logger.Log.Warn("skipping malformed topic entry",
				"component", "tapatalk", "forum", forumID, "error", err)
			continue
		}
		if mode == "TOP" {
			t.Sticky = true
		}
		out = append(out, t)
	}
	return out, total, nil
}

// PostList fetches the post window named by the selector. First-unread uses
// the gateway's dedicated query so the unread marker is board-accurate.
func (c *Client) PostList(ctx context.Context, t *domain.Thread, sel parser.PostSelector) (*domain.Thread, error) {
	perPage := t.PerPage
	if perPage <= 0 {
		perPage = c.PostsPerPage()
	}

	var (
		res any
		err error
	)
	switch sel {
	case parser.FirstPost:
		page := t.PageNumber
		if page < 1 {
			page = 1
		}
		start := (page - 1) * perPage
		res, err = c.authedCall(ctx, "get_thread", t.Id, start, start+perPage-1)
	case parser.FirstUnreadPost:
		res, err = c.authedCall(ctx, "get_thread_by_unread", t.Id, perPage)
	case parser.LastPost:
		return nil, errors.Protocolf("gateway has no last-post window query")
	default:
		return nil, errors.Protocolf("unknown post selector %d", sel)
	}
	if err != nil {
		return nil, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("get_thread returned %T, want struct", res)
	}

	out := domain.NewThread(t.Id)
	out.Title, _ = s.Text("topic_title")
	out.PerPage = perPage
	total, _ := s.Int("total_post_num")
	out.PageCount = pageCount(total, perPage)

	position, hasPosition := s.Int("position")
	page := t.PageNumber
	if sel == parser.FirstUnreadPost && hasPosition {
		page = pageCount(position, perPage)
	}
	if page < 1 {
		page = 1
	}
	out.PageNumber = page

	var posts []*domain.Post
	for _, item := range s.Array("posts") {
		ps, ok := item.(Struct)
		if !ok {
			continue
		}
		id, ok := ps.Text("post_id")
		if !ok || id == "" {
			logger.Log.Warn("skipping post entry without id",
				"component", "tapatalk", "thread", t.Id)
			continue
		}
		p := domain.NewPost(id)
		p.Author, _ = ps.Text("post_author_name")
		p.Text, _ = ps.Text("post_content")
		p.Title, _ = ps.Text("post_title")
		if ts, ok := ps.Time("post_time"); ok {
			p.Time = ts
		}
		p.RawTime, _ = ps.Text("post_time")
		// skipped entries must not leave gaps in the numbering
		p.Index = (page-1)*perPage + len(posts) + 1
		posts = append(posts, p)
	}
	if err := out.SetPosts(posts); err != nil {
		return nil, err
	}

	if sel == parser.FirstUnreadPost && hasPosition && len(out.Posts) > 0 {
		idx := (position - 1) % perPage
		if idx < 0 || idx >= len(out.Posts) {
			idx = 0
		}
		out.FirstUnread = out.Posts[idx]
		out.Posts[idx].HasUnread = true
	}
	return out, nil
}

func (c *Client) SubmitNewThread(ctx context.Context, f *domain.Forum, t *domain.Thread) (*domain.Thread, error) {
	res, err := c.authedCall(ctx, "new_topic", f.Id, t.Title, firstPostText(t))
	if err != nil {
		return nil, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("new_topic returned %T, want struct", res)
	}
	if !s.Bool("result") {
		msg, _ := s.Text("result_text")
		return nil, errors.Protocolf("board rejected new thread: %s", msg)
	}
	id, _ := s.Text("topic_id")
	out := domain.NewThread(id)
	out.Title = t.Title
	out.Author = c.creds.Username
	return out, nil
}

func firstPostText(t *domain.Thread) string {
	if len(t.Posts) > 0 {
		return t.Posts[0].Text
	}
	return ""
}

func (c *Client) SubmitNewPost(ctx context.Context, t *domain.Thread, p *domain.Post) (*domain.Post, error) {
	forumID := ""
	if f := t.Forum(); f != nil {
		forumID = f.Id
	}
	res, err := c.authedCall(ctx, "reply_post", forumID, t.Id, p.Title, p.Text)
	if err != nil {
		return nil, err
	}
	s, ok := res.(Struct)
	if !ok {
		return nil, errors.Protocolf("reply_post returned %T, want struct", res)
	}
	if !s.Bool("result") {
		msg, _ := s.Text("result_text")
		return nil, errors.Protocolf("board rejected reply: %s", msg)
	}
	id, _ := s.Text("post_id")
	out := domain.NewPost(id)
	out.Author = c.creds.Username
	out.Text = p.Text
	out.Title = p.Title
	return out, nil
}

func (c *Client) MarkForumRead(ctx context.Context, f *domain.Forum) error {
	var err error
	if f == nil || f.IsRoot() {
		_, err = c.authedCall(ctx, "mark_all_as_read")
	} else {
		_, err = c.authedCall(ctx, "mark_all_as_read", f.Id)
	}
	return err
}

// PostQuote asks the gateway for quote markup and falls back to the generic
// bracket quote when the board lacks the method.
func (c *Client) PostQuote(ctx context.Context, p *domain.Post) (string, error) {
	res, err := c.authedCall(ctx, "get_quote_post", p.Id)
	if err != nil {
		if errors.Is[*errors.ProtocolError](err) {
			return parser.QuoteWrap(p), nil
		}
		return "", err
	}
	s, ok := res.(Struct)
	if !ok {
		return parser.QuoteWrap(p), nil
	}
	if quote, ok := s.Text("post_content"); ok && quote != "" {
		return quote, nil
	}
	return parser.QuoteWrap(p), nil
}

func (c *Client) EncryptionSettings(ctx context.Context) (*config.Settings, error) {
	cfg, err := c.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	out := config.NewSettings()
	out.SetOrAdd("encryption.enabled", boolText(c.supportSHA1))
	if key, ok := cfg.Text("api_key"); ok {
		out.SetOrAdd("encryption.key", key)
	}
	if seed, ok := cfg.Text("request_zip"); ok {
		out.SetOrAdd("encryption.seed", seed)
	}
	return out, nil
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (c *Client) ItemURL(item domain.Item) (string, error) {
	base := strings.TrimRight(c.BaseURL(), "/")
	switch v := item.(type) {
	case *domain.Forum:
		return fmt.Sprintf("%s/index.php?forums/%s", base, v.Id), nil
	case *domain.Thread:
		return fmt.Sprintf("%s/index.php?threads/%s", base, v.Id), nil
	case *domain.Post:
		return fmt.Sprintf("%s/index.php?posts/%s", base, v.Id), nil
	}
	return "", errors.Protocolf("no URL form for item %T", item)
}

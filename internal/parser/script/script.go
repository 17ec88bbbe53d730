package script

import (
	"context"
	"fmt"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/errors"
)

// Script globals every backend file must define.
const (
	globalName       = "parserName"
	globalPrettyName = "parserPrettyName"
)

// Parser runs a board backend written as a Lua file. All clones of one
// script share the runtime; every call into it holds the state mutex for
// its full duration.
type Parser struct {
	parser.Base

	state   *SharedState
	fetcher web.Fetcher
	path    string
	fault   *thrownFault
}

// Load compiles the script, checks its identity globals and binds the
// capability tables. The returned parser owns the first runtime reference.
func Load(path, baseURL string, settings *config.Settings, fetcher web.Fetcher) (*Parser, error) {
	if settings == nil {
		settings = config.NewSettings()
	}
	if fetcher == nil {
		fetcher = web.NewClient(settings.Text("web.useragent", ""))
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	fault := &thrownFault{}
	openCapabilities(L, fetcher, filepath.Base(path), fault)
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, attachFault(translateError(err, path), fault)
	}

	name := lua.LVAsString(L.GetGlobal(globalName))
	if name == "" {
		L.Close()
		return nil, &errors.ConfigurationError{
			Message: fmt.Sprintf("script %s defines no %s global", path, globalName),
		}
	}
	pretty := lua.LVAsString(L.GetGlobal(globalPrettyName))
	if pretty == "" {
		pretty = name
	}

	p := &Parser{
		Base:    parser.NewBase(name, pretty, baseURL, settings),
		state:   newSharedState(L),
		fetcher: fetcher,
		path:    path,
		fault:   fault,
	}
	return p, nil
}

// Clone shares the runtime and takes a reference on it.
func (p *Parser) Clone() parser.Parser {
	p.state.acquire()
	return &Parser{
		Base:    parser.NewBase(p.Name(), p.PrettyName(), p.BaseURL(), p.Settings().Clone()),
		state:   p.state,
		fetcher: p.fetcher,
		path:    p.path,
		fault:   p.fault,
	}
}

// Close drops this instance's runtime reference. The last close shuts the
// runtime down.
func (p *Parser) Close() {
	p.state.release()
}

func (p *Parser) Path() string { return p.path }

func (p *Parser) LastRequestURL() string { return p.fetcher.LastRequestURL() }

// call invokes a script global with scalar args under the shared mutex.
func (p *Parser) call(ctx context.Context, fn string, required bool, args ...any) (lua.LValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	L := p.state.L
	target := L.GetGlobal(fn)
	if target.Type() != lua.LTFunction {
		if !required {
			return nil, nil
		}
		return nil, &errors.ConfigurationError{
			Message: fmt.Sprintf("script %s defines no %s function", p.path, fn),
		}
	}

	lv := make([]lua.LValue, 0, len(args))
	for _, a := range args {
		v, err := toLua(a)
		if err != nil {
			return nil, err
		}
		lv = append(lv, v)
	}

	if err := L.CallByParam(lua.P{Fn: target, NRet: 1, Protect: true}, lv...); err != nil {
		return nil, attachFault(translateError(err, p.path), p.fault)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// attachFault moves the parameters of a boarderror.throw onto the
// translated error.
func attachFault(err error, fault *thrownFault) error {
	params := fault.take()
	if se, ok := err.(*errors.ScriptError); ok && len(params) > 0 {
		se.Params = params
	}
	return err
}

func resultTable(v lua.LValue, fn string) (*lua.LTable, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, &errors.ScriptError{Message: fmt.Sprintf("%s returned %s, want table", fn, v.Type())}
	}
	return tbl, nil
}

func (p *Parser) CanParse(ctx context.Context, rawURL string) (bool, error) {
	ret, err := p.call(ctx, "canParse", true, rawURL)
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(ret), nil
}

func (p *Parser) Login(ctx context.Context, creds parser.Credentials) (*parser.LoginResult, error) {
	ret, err := p.call(ctx, "doLogin", true, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}
	switch t := ret.(type) {
	case lua.LBool:
		return &parser.LoginResult{Success: bool(t)}, nil
	case *lua.LTable:
		res := &parser.LoginResult{Success: boolVal(t, "success")}
		res.Message, _ = text(t, "message")
		return res, nil
	}
	return nil, &errors.ScriptError{Message: fmt.Sprintf("doLogin returned %s, want boolean or table", ret.Type())}
}

func (p *Parser) Logout(ctx context.Context) error {
	_, err := p.call(ctx, "doLogout", false)
	return err
}

func (p *Parser) BoardInfo(ctx context.Context) (*parser.BoardInfo, error) {
	ret, err := p.call(ctx, "getBoardInfo", true)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "getBoardInfo")
	if err != nil {
		return nil, err
	}
	info := &parser.BoardInfo{URL: p.BaseURL()}
	info.Name, _ = text(tbl, "name")
	info.Version, _ = text(tbl, "version")
	if info.Name == "" {
		info.Name = p.PrettyName()
	}
	return info, nil
}

// forumInfoKey and threadInfoKey are the meta entries a listing result may
// carry alongside its numbered entries.
const (
	forumInfoKey  = "#forumInfo"
	threadInfoKey = "#threadInfo"
)

func (p *Parser) ForumList(ctx context.Context, forumID string) (*domain.Forum, error) {
	ret, err := p.call(ctx, "getForumList", true, forumID)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "getForumList")
	if err != nil {
		return nil, err
	}

	var out *domain.Forum
	if info, ok := tbl.RawGetString(forumInfoKey).(*lua.LTable); ok {
		id, err := requireText(info, "forumId")
		if err != nil {
			return nil, err
		}
		if id == "-1" {
			out = domain.NewRootForum(id)
		} else {
			out = domain.NewForum(id)
		}
		out.Name, _ = text(info, "forumName")
	} else if forumID == "-1" {
		out = domain.NewRootForum(forumID)
	} else {
		out = domain.NewForum(forumID)
	}

	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		if _, isIndex := k.(lua.LNumber); !isIndex {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			convErr = &errors.ScriptError{Message: "forum entry is not a table"}
			return
		}
		f, err := forumFromEntry(entry)
		if err != nil {
			convErr = err
			return
		}
		if err := out.AddForum(f); err != nil {
			convErr = err
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func forumFromEntry(entry *lua.LTable) (*domain.Forum, error) {
	id, err := requireText(entry, "forumId")
	if err != nil {
		return nil, err
	}
	name, err := requireText(entry, "forumName")
	if err != nil {
		return nil, err
	}
	typeText, err := requireText(entry, "forumType")
	if err != nil {
		return nil, err
	}

	f := domain.NewForum(id)
	f.Name = name
	f.Title = name
	f.HasUnread = boolVal(entry, "hasUnread")
	f.DisplayOrder = intVal(entry, "displayOrder", 0)
	switch typeText {
	case "FORUM":
		f.Type = domain.ForumTypeForum
	case "CATEGORY":
		f.Type = domain.ForumTypeCategory
	case "LINK":
		f.Type = domain.ForumTypeLink
		f.Link, _ = text(entry, "link")
	default:
		return nil, &errors.ScriptError{Message: fmt.Sprintf("forum %s has unknown forumType %q", id, typeText)}
	}
	return f, nil
}

func (p *Parser) RootForumList(ctx context.Context) (*domain.Forum, error) {
	return p.ForumList(ctx, "-1")
}

func (p *Parser) UnreadForums(ctx context.Context) ([]*domain.Forum, error) {
	ret, err := p.call(ctx, "getUnreadForums", false)
	if err != nil {
		return nil, err
	}
	if ret == nil {
		// script has no native unread query
		return parser.UnreadWalk(ctx, p, "-1")
	}
	tbl, err := resultTable(ret, "getUnreadForums")
	if err != nil {
		return nil, err
	}
	var out []*domain.Forum
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		f, err := forumFromEntry(entry)
		if err != nil {
			convErr = err
			return
		}
		f.HasUnread = true
		out = append(out, f)
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func (p *Parser) ThreadList(ctx context.Context, f *domain.Forum) (*domain.Forum, error) {
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = p.ThreadsPerPage()
	}
	page := f.PageNumber
	if page < 1 {
		page = 1
	}

	ret, err := p.call(ctx, "getThreadList", true, f.Id, page, perPage)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "getThreadList")
	if err != nil {
		return nil, err
	}

	out := domain.NewForum(f.Id)
	out.Name = f.Name
	out.Type = f.Type
	out.PageNumber = page
	out.PerPage = perPage
	out.PageCount = 1
	if info, ok := tbl.RawGetString(forumInfoKey).(*lua.LTable); ok {
		out.PageCount = intVal(info, "pageCount", 1)
	}

	var threads []*domain.Thread
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		if _, isIndex := k.(lua.LNumber); !isIndex {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			convErr = &errors.ScriptError{Message: "thread entry is not a table"}
			return
		}
		t, err := threadFromEntry(entry, perPage)
		if err != nil {
			convErr = err
			return
		}
		threads = append(threads, t)
	})
	if convErr != nil {
		return nil, convErr
	}
	if err := out.SetThreads(threads); err != nil {
		return nil, err
	}
	return out, nil
}

func threadFromEntry(entry *lua.LTable, perPage int) (*domain.Thread, error) {
	id, err := requireText(entry, "threadId")
	if err != nil {
		return nil, err
	}
	title, err := requireText(entry, "threadTitle")
	if err != nil {
		return nil, err
	}
	author, err := requireText(entry, "threadAuthor")
	if err != nil {
		return nil, err
	}

	t := domain.NewThread(id)
	t.Title = title
	t.Author = author
	t.HasUnread = boolVal(entry, "hasUnread")
	t.Sticky = boolVal(entry, "sticky")
	t.ReplyCount = intVal(entry, "replyCount", 0)
	t.Preview, _ = text(entry, "preview")
	t.PerPage = perPage

	last := domain.NewPost("-1")
	last.Author, _ = text(entry, "lastPostAuthor")
	last.RawTime, _ = text(entry, "lastPostTime")
	t.LastPost = last
	return t, nil
}

func (p *Parser) PostList(ctx context.Context, t *domain.Thread, sel parser.PostSelector) (*domain.Thread, error) {
	perPage := t.PerPage
	if perPage <= 0 {
		perPage = p.PostsPerPage()
	}
	page := t.PageNumber
	if page < 1 {
		page = 1
	}
	selector := "first"
	switch sel {
	case parser.FirstUnreadPost:
		selector = "unread"
	case parser.LastPost:
		selector = "last"
	}

	ret, err := p.call(ctx, "getPosts", true, t.Id, page, perPage, selector)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "getPosts")
	if err != nil {
		return nil, err
	}

	out := domain.NewThread(t.Id)
	out.Title = t.Title
	out.PerPage = perPage
	out.PageNumber = page
	out.PageCount = 1
	firstUnreadID := ""
	if info, ok := tbl.RawGetString(threadInfoKey).(*lua.LTable); ok {
		out.PageCount = intVal(info, "pageCount", 1)
		out.PageNumber = intVal(info, "pageNumber", page)
		firstUnreadID, _ = text(info, "firstUnreadId")
	}

	var posts []*domain.Post
	var convErr error
	i := 0
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		if _, isIndex := k.(lua.LNumber); !isIndex {
			return
		}
		entry, ok := v.(*lua.LTable)
		if !ok {
			convErr = &errors.ScriptError{Message: "post entry is not a table"}
			return
		}
		id, err := requireText(entry, "id")
		if err != nil {
			convErr = err
			return
		}
		author, err := requireText(entry, "username")
		if err != nil {
			convErr = err
			return
		}
		post := domain.NewPost(id)
		post.Author = author
		post.Text, _ = text(entry, "text")
		post.RawTime, _ = text(entry, "timestamp")
		post.Index = (out.PageNumber-1)*perPage + i + 1
		posts = append(posts, post)
		i++
	})
	if convErr != nil {
		return nil, convErr
	}
	if err := out.SetPosts(posts); err != nil {
		return nil, err
	}

	if sel == parser.FirstUnreadPost {
		for _, post := range out.Posts {
			if post.Id == firstUnreadID {
				out.FirstUnread = post
				post.HasUnread = true
				break
			}
		}
		if out.FirstUnread == nil && len(out.Posts) > 0 {
			out.FirstUnread = out.Posts[0]
		}
	}
	return out, nil
}

func (p *Parser) SubmitNewThread(ctx context.Context, f *domain.Forum, t *domain.Thread) (*domain.Thread, error) {
	body := ""
	if len(t.Posts) > 0 {
		body = t.Posts[0].Text
	}
	ret, err := p.call(ctx, "submitNewThread", true, f.Id, t.Title, body)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "submitNewThread")
	if err != nil {
		return nil, err
	}
	id, err := requireText(tbl, "threadId")
	if err != nil {
		return nil, err
	}
	out := domain.NewThread(id)
	out.Title = t.Title
	return out, nil
}

func (p *Parser) SubmitNewPost(ctx context.Context, t *domain.Thread, post *domain.Post) (*domain.Post, error) {
	ret, err := p.call(ctx, "submitNewPost", true, t.Id, post.Text)
	if err != nil {
		return nil, err
	}
	tbl, err := resultTable(ret, "submitNewPost")
	if err != nil {
		return nil, err
	}
	id, err := requireText(tbl, "id")
	if err != nil {
		return nil, err
	}
	out := domain.NewPost(id)
	out.Text = post.Text
	return out, nil
}

func (p *Parser) MarkForumRead(ctx context.Context, f *domain.Forum) error {
	id := "-1"
	if f != nil {
		id = f.Id
	}
	_, err := p.call(ctx, "markForumRead", true, id)
	return err
}

func (p *Parser) PostQuote(ctx context.Context, post *domain.Post) (string, error) {
	ret, err := p.call(ctx, "getPostQuote", false, post.Id)
	if err != nil {
		return "", err
	}
	if ret == nil || ret == lua.LNil {
		return parser.QuoteWrap(post), nil
	}
	quote := lua.LVAsString(ret)
	if quote == "" {
		return parser.QuoteWrap(post), nil
	}
	return quote, nil
}

func (p *Parser) EncryptionSettings(ctx context.Context) (*config.Settings, error) {
	out := config.NewSettings()
	out.SetOrAdd("encryption.enabled", p.Settings().Text("encryption.enabled", "false"))
	if p.Settings().Has("encryption.key") {
		out.SetOrAdd("encryption.key", p.Settings().Text("encryption.key", ""))
	}
	if p.Settings().Has("encryption.seed") {
		out.SetOrAdd("encryption.seed", p.Settings().Text("encryption.seed", ""))
	}
	return out, nil
}

func (p *Parser) ItemURL(item domain.Item) (string, error) {
	ret, err := p.call(context.Background(), "getItemUrl", false, item.Base().Id)
	if err != nil {
		return "", err
	}
	if ret == nil || ret == lua.LNil {
		return p.BaseURL(), nil
	}
	return lua.LVAsString(ret), nil
}

package script

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lua "github.com/yuin/gopher-lua"

	"github.com/boardline/boardline/internal/parser"
	"github.com/boardline/boardline/shared/config"
	"github.com/boardline/boardline/shared/domain"
	"github.com/boardline/boardline/shared/errors"
)

const testScript = `
parserName = "boardware-test"
parserPrettyName = "Boardware Test"

calls = 0

function canParse(url)
    return string.find(url, "example") ~= nil
end

function doLogin(username, password)
    return { success = (password == "secret"), message = "checked" }
end

function getBoardInfo()
    return { name = "Test Board", version = "9.1" }
end

function getForumList(forumId)
    return {
        ["#forumInfo"] = { forumId = forumId },
        { forumId = "10", forumName = "General", forumType = "FORUM", hasUnread = true },
        { forumId = "11", forumName = "Announcements", forumType = "CATEGORY" },
    }
end

function getThreadList(forumId, page, perPage)
    calls = calls + 1
    return {
        ["#forumInfo"] = { pageCount = 4 },
        { threadId = "t1", threadTitle = "Hello", threadAuthor = "alice", hasUnread = true },
    }
end

function getPosts(threadId, page, perPage, selector)
    return {
        ["#threadInfo"] = { pageCount = 2, pageNumber = 2, firstUnreadId = "p2" },
        { id = "p1", username = "alice", text = "first" },
        { id = "p2", username = "bob", text = "second" },
    }
end

function submitNewPost(threadId, text)
    return { id = "p99" }
end

function markForumRead(forumId)
end
`

func loadTestParser(t *testing.T) *Parser {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "boardware-test.lua")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0o644))
	p, err := Load(path, "https://board.example", config.NewSettings(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestLoadReadsIdentityGlobals(t *testing.T) {
	p := loadTestParser(t)
	assert.Equal(t, "boardware-test", p.Name())
	assert.Equal(t, "Boardware Test", p.PrettyName())
}

func TestLoadRejectsScriptWithoutName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anon.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function canParse(u) return true end`), 0o644))

	_, err := Load(path, "https://board.example", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ConfigurationError](err))
}

func TestContractCalls(t *testing.T) {
	p := loadTestParser(t)
	ctx := context.Background()

	ok, err := p.CanParse(ctx, "https://board.example")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := p.Login(ctx, parser.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "checked", res.Message)

	info, err := p.BoardInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Test Board", info.Name)

	root, err := p.ForumList(ctx, "-1")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	require.Len(t, root.Forums, 2)
	assert.Equal(t, domain.ForumTypeForum, root.Forums[0].Type)
	assert.True(t, root.Forums[0].HasUnread)
	assert.Equal(t, domain.ForumTypeCategory, root.Forums[1].Type)

	f := domain.NewForum("10")
	f.PerPage = 20
	listed, err := p.ThreadList(ctx, f)
	require.NoError(t, err)
	require.Len(t, listed.Threads, 1)
	assert.Equal(t, "t1", listed.Threads[0].Id)
	assert.Equal(t, "alice", listed.Threads[0].Author)
	assert.Equal(t, 4, listed.PageCount)

	th := domain.NewThread("t1")
	th.PerPage = 20
	posts, err := p.PostList(ctx, th, parser.FirstUnreadPost)
	require.NoError(t, err)
	require.Len(t, posts.Posts, 2)
	require.NotNil(t, posts.FirstUnread)
	assert.Equal(t, "p2", posts.FirstUnread.Id)
	assert.Equal(t, 2, posts.PageNumber)
	// absolute index counts from the listed page
	assert.Equal(t, 21, posts.Posts[0].Index)

	newPost, err := p.SubmitNewPost(ctx, th, &domain.Post{})
	require.NoError(t, err)
	assert.Equal(t, "p99", newPost.Id)

	require.NoError(t, p.MarkForumRead(ctx, domain.NewForum("10")))
}

func TestMissingRequiredKeyIsScriptError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	script := `
parserName = "bad"
function getForumList(forumId)
    return { { forumName = "no id here", forumType = "FORUM" } }
end
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	p, err := Load(path, "https://board.example", nil, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.ForumList(context.Background(), "-1")
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ScriptError](err))
	assert.Contains(t, err.Error(), "forumId")
}

func TestRuntimeErrorCarriesLocation(t *testing.T) {
	p := loadTestParser(t)

	p.state.mu.Lock()
	err := p.state.L.DoString(`getBoardInfo = function() local t = nil; return t.x end`)
	p.state.mu.Unlock()
	require.NoError(t, err)

	_, err = p.BoardInfo(context.Background())
	require.Error(t, err)
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.NotZero(t, serr.Line)
}

func TestThrowCarriesParams(t *testing.T) {
	p := loadTestParser(t)

	p.state.mu.Lock()
	err := p.state.L.DoString(`
		getBoardInfo = function()
			boarderror.throw("banned", { code = 403, reason = "tor exit" })
		end
	`)
	p.state.mu.Unlock()
	require.NoError(t, err)

	_, err = p.BoardInfo(context.Background())
	require.Error(t, err)
	var serr *errors.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "banned")
	assert.Equal(t, "403", serr.Params["code"])
	assert.Equal(t, "tor exit", serr.Params["reason"])
}

func TestMarshalRejectsRicherTypes(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("ok", lua.LString("fine"))
	tbl.RawSetString("fn", L.NewFunction(func(L *lua.LState) int { return 0 }))

	_, err := tableToParams(tbl)
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ScriptError](err))

	_, err = toLua(3.14)
	require.Error(t, err)
	assert.True(t, errors.Is[*errors.ScriptError](err))
}

func TestClonesShareRuntimeSerially(t *testing.T) {
	p := loadTestParser(t)
	clone := p.Clone().(*Parser)
	defer clone.Close()

	assert.Same(t, p.state, clone.state)

	// hammer the shared runtime from both instances; the state mutex must
	// keep every call atomic or the Lua counter would tear
	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		inst := p
		if i == 1 {
			inst = clone
		}
		wg.Add(1)
		go func(sp *Parser) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f := domain.NewForum("10")
				_, err := sp.ThreadList(ctx, f)
				assert.NoError(t, err)
			}
		}(inst)
	}
	wg.Wait()

	p.state.mu.Lock()
	calls := int(lua.LVAsNumber(p.state.L.GetGlobal("calls")))
	p.state.mu.Unlock()
	assert.Equal(t, 100, calls)
}

func TestLastCloseShutsRuntimeOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rc.lua")
	require.NoError(t, os.WriteFile(path, []byte(`parserName = "rc"`), 0o644))
	p, err := Load(path, "https://board.example", nil, nil)
	require.NoError(t, err)

	clone := p.Clone().(*Parser)
	p.Close()
	// the runtime is still alive for the surviving clone
	clone.state.mu.Lock()
	require.NoError(t, clone.state.L.DoString(`x = 1`))
	clone.state.mu.Unlock()
	clone.Close()
}

package script

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	lua "github.com/yuin/gopher-lua"

	"github.com/boardline/boardline/internal/sgml"
	"github.com/boardline/boardline/internal/web"
	"github.com/boardline/boardline/shared/logger"
)

// The capability tables are the only way a script touches the outside
// world: no io, no os, no require. Each runtime gets its own bound set.

var stripPolicy = bluemonday.StrictPolicy()

// thrownFault holds the parameter table of the most recent boarderror.throw
// until the raised error is translated. Access is serialized by the runtime
// mutex.
type thrownFault struct {
	params map[string]string
}

func (f *thrownFault) take() map[string]string {
	p := f.params
	f.params = nil
	return p
}

func openCapabilities(L *lua.LState, fetcher web.Fetcher, scriptName string, fault *thrownFault) {
	L.SetGlobal("webclient", webclientTable(L, fetcher))
	L.SetGlobal("doc", docTable(L))
	L.SetGlobal("re", regexpTable(L))
	L.SetGlobal("utils", utilsTable(L, scriptName))
	L.SetGlobal("boarderror", errorTable(L, scriptName, fault))
}

func webclientTable(L *lua.LState, fetcher web.Fetcher) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "get", L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		resp, err := fetcher.Get(context.Background(), rawURL, web.SkipCache)
		if err != nil {
			L.RaiseError("webclient.get %s: %s", rawURL, err.Error())
			return 0
		}
		L.Push(lua.LString(resp.Body))
		L.Push(lua.LString(resp.FinalURL))
		return 2
	}))
	L.SetField(tbl, "post", L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		params := L.CheckTable(2)
		flat, err := tableToParams(params)
		if err != nil {
			L.RaiseError("webclient.post %s: %s", rawURL, err.Error())
			return 0
		}
		form := url.Values{}
		for k, v := range flat {
			form.Set(k, v)
		}
		resp, err := fetcher.PostForm(context.Background(), rawURL, form)
		if err != nil {
			L.RaiseError("webclient.post %s: %s", rawURL, err.Error())
			return 0
		}
		L.Push(lua.LString(resp.Body))
		L.Push(lua.LString(resp.FinalURL))
		return 2
	}))
	L.SetField(tbl, "lastUrl", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(fetcher.LastRequestURL()))
		return 1
	}))
	return tbl
}

const tagTypeName = "sgml.tag"

func docTable(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(tagTypeName)

	wrap := func(t *sgml.Tag) lua.LValue {
		ud := L.NewUserData()
		ud.Value = t
		L.SetMetatable(ud, mt)
		return ud
	}
	checkTag := func(L *lua.LState, n int) *sgml.Tag {
		ud := L.CheckUserData(n)
		if t, ok := ud.Value.(*sgml.Tag); ok {
			return t
		}
		L.ArgError(n, "document tag expected")
		return nil
	}

	tbl := L.NewTable()
	L.SetField(tbl, "parse", L.NewFunction(func(L *lua.LState) int {
		d, err := sgml.Parse(L.CheckString(1))
		if err != nil {
			L.RaiseError("doc.parse: %s", err.Error())
			return 0
		}
		L.Push(wrap(d.Root()))
		return 1
	}))
	L.SetField(tbl, "find", L.NewFunction(func(L *lua.LState) int {
		root := checkTag(L, 1)
		name := L.OptString(2, "")
		attr := L.OptString(3, "")
		pattern := L.OptString(4, "")
		var re *regexp.Regexp
		if attr != "" {
			var err error
			re, err = regexp.Compile(pattern)
			if err != nil {
				L.RaiseError("doc.find: bad pattern %q: %s", pattern, err.Error())
				return 0
			}
		}
		out := L.NewTable()
		for _, tag := range root.Find(name, attr, re) {
			out.Append(wrap(tag))
		}
		L.Push(out)
		return 1
	}))
	L.SetField(tbl, "attr", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkTag(L, 1).Attr(L.CheckString(2))))
		return 1
	}))
	L.SetField(tbl, "text", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkTag(L, 1).Text()))
		return 1
	}))
	L.SetField(tbl, "inner", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkTag(L, 1).InnerHTML()))
		return 1
	}))
	L.SetField(tbl, "name", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkTag(L, 1).Name()))
		return 1
	}))
	return tbl
}

func regexpTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "match", L.NewFunction(func(L *lua.LState) int {
		pattern := L.CheckString(1)
		subject := L.CheckString(2)
		re, err := regexp.Compile(pattern)
		if err != nil {
			L.RaiseError("re.match: bad pattern %q: %s", pattern, err.Error())
			return 0
		}
		m := re.FindStringSubmatch(subject)
		if m == nil {
			L.Push(lua.LNil)
			return 1
		}
		for _, group := range m {
			L.Push(lua.LString(group))
		}
		return len(m)
	}))
	L.SetField(tbl, "matchAll", L.NewFunction(func(L *lua.LState) int {
		pattern := L.CheckString(1)
		subject := L.CheckString(2)
		re, err := regexp.Compile(pattern)
		if err != nil {
			L.RaiseError("re.matchAll: bad pattern %q: %s", pattern, err.Error())
			return 0
		}
		out := L.NewTable()
		for _, m := range re.FindAllString(subject, -1) {
			out.Append(lua.LString(m))
		}
		L.Push(out)
		return 1
	}))
	return tbl
}

func utilsTable(L *lua.LState, scriptName string) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "md5", L.NewFunction(func(L *lua.LState) int {
		sum := md5.Sum([]byte(L.CheckString(1)))
		L.Push(lua.LString(hex.EncodeToString(sum[:])))
		return 1
	}))
	L.SetField(tbl, "percentEncode", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(url.QueryEscape(L.CheckString(1))))
		return 1
	}))
	L.SetField(tbl, "stripHtml", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(stripPolicy.Sanitize(L.CheckString(1))))
		return 1
	}))
	L.SetField(tbl, "debug", L.NewFunction(func(L *lua.LState) int {
		logger.Log.Debug(L.CheckString(1), "component", "script", "script", scriptName)
		return 0
	}))
	return tbl
}

func errorTable(L *lua.LState, scriptName string, fault *thrownFault) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "warn", L.NewFunction(func(L *lua.LState) int {
		logger.Log.Warn(L.CheckString(1), "component", "script", "script", scriptName)
		return 0
	}))
	L.SetField(tbl, "throw", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if extra, ok := L.Get(2).(*lua.LTable); ok {
			if params, err := tableToParams(extra); err == nil && len(params) > 0 {
				fault.params = params
			}
		}
		L.RaiseError("%s", msg)
		return 0
	}))
	return tbl
}

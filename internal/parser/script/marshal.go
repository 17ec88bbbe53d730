package script

import (
	"fmt"
	"regexp"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/boardline/boardline/shared/errors"
)

// The marshaling boundary is deliberately narrow: scripts and the engine
// exchange strings, integers and booleans, nothing else. A table carrying
// a function, userdata or nested table where a scalar is expected is a
// script error, not a silent drop.

func toLua(v any) (lua.LValue, error) {
	switch t := v.(type) {
	case string:
		return lua.LString(t), nil
	case int:
		return lua.LNumber(t), nil
	case bool:
		return lua.LBool(t), nil
	case nil:
		return lua.LNil, nil
	}
	return nil, &errors.ScriptError{Message: fmt.Sprintf("value of type %T cannot cross into a script", v)}
}

func fromLua(v lua.LValue) (any, error) {
	switch t := v.(type) {
	case lua.LString:
		return string(t), nil
	case lua.LNumber:
		return int(t), nil
	case lua.LBool:
		return bool(t), nil
	case *lua.LNilType:
		return nil, nil
	}
	return nil, &errors.ScriptError{Message: fmt.Sprintf("script produced a %s where a scalar was expected", v.Type())}
}

// tableToParams flattens a scalar-valued table into a string map. Non-scalar
// values are rejected.
func tableToParams(tbl *lua.LTable) (map[string]string, error) {
	out := make(map[string]string)
	var convErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		val, err := fromLua(v)
		if err != nil {
			convErr = err
			return
		}
		switch t := val.(type) {
		case string:
			out[k.String()] = t
		case int:
			out[k.String()] = strconv.Itoa(t)
		case bool:
			out[k.String()] = strconv.FormatBool(t)
		case nil:
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

// text pulls a required scalar key out of a result table and renders it as
// a string.
func text(tbl *lua.LTable, key string) (string, error) {
	v, err := fromLua(tbl.RawGetString(key))
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return "", nil
}

func requireText(tbl *lua.LTable, key string) (string, error) {
	s, err := text(tbl, key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &errors.ScriptError{Message: fmt.Sprintf("script result is missing required key %q", key)}
	}
	return s, nil
}

func intVal(tbl *lua.LTable, key string, fallback int) int {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		return int(n)
	}
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		if n, err := strconv.Atoi(string(s)); err == nil {
			return n
		}
	}
	return fallback
}

func boolVal(tbl *lua.LTable, key string) bool {
	switch t := tbl.RawGetString(key).(type) {
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return t != 0
	case lua.LString:
		return t == "1" || t == "true"
	}
	return false
}

var scriptErrRe = regexp.MustCompile(`^(.*?):(\d+):\s*(.*)$`)

// translateError rewrites a runtime failure from the Lua VM into the
// engine's script error, carrying the source file and line when the VM
// reported them.
func translateError(err error, scriptPath string) error {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return &errors.ScriptError{Message: err.Error(), File: scriptPath}
	}
	msg := apiErr.Object.String()
	if m := scriptErrRe.FindStringSubmatch(msg); m != nil {
		line, _ := strconv.Atoi(m[2])
		return &errors.ScriptError{Message: m[3], File: m[1], Line: line}
	}
	return &errors.ScriptError{Message: msg, File: scriptPath}
}

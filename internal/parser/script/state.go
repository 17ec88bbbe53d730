// Package script bridges backends written as Lua files into the backend
// contract. One runtime is shared by every clone of a script backend; a
// single mutex serializes all calls into it.
package script

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// SharedState owns one Lua runtime. Clones of a script backend hold
// references to the same state; the last release closes the runtime exactly
// once.
type SharedState struct {
	L  *lua.LState
	mu sync.Mutex

	refMu sync.Mutex
	refs  int
}

func newSharedState(L *lua.LState) *SharedState {
	return &SharedState{L: L, refs: 1}
}

func (s *SharedState) acquire() {
	s.refMu.Lock()
	s.refs++
	s.refMu.Unlock()
}

func (s *SharedState) release() {
	s.refMu.Lock()
	s.refs--
	closeNow := s.refs == 0
	s.refMu.Unlock()
	if closeNow {
		s.mu.Lock()
		s.L.Close()
		s.mu.Unlock()
	}
}

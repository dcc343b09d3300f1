package listener

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/inbucket/gopher-json"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// statePool pools LState instances that have already run a listener's
// compiled chunk (so its global config/handler are already defined),
// mirroring inbucket-inbucket's pkg/extension/luahost.statePool — one
// pool per loaded listener file here, since every listener is its own
// compiled chunk rather than one shared script.
type statePool struct {
	mu        sync.Mutex
	funcProto *lua.FunctionProto
	states    []*lua.LState
}

func compileScript(path, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), path)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to parse %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to compile %s: %w", path, err)
	}
	return proto, nil
}

func newStatePool(proto *lua.FunctionProto) *statePool {
	return &statePool{funcProto: proto}
}

// newState creates and runs the chunk once, establishing config/handler
// as globals. Lock must be held by the caller.
func (p *statePool) newState() (*lua.LState, error) {
	ls := lua.NewState()
	ls.PreloadModule("json", json.Loader)

	ls.Push(ls.NewFunctionFromProto(p.funcProto))
	if err := ls.PCall(0, lua.MultRet, nil); err != nil {
		ls.Close()
		return nil, fmt.Errorf("listener: failed to run script: %w", err)
	}
	return ls, nil
}

func (p *statePool) get() (*lua.LState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.states); n > 0 {
		ls := p.states[n-1]
		p.states = p.states[:n-1]
		return ls, nil
	}
	return p.newState()
}

func (p *statePool) put(ls *lua.LState) {
	if ls.IsClosed() {
		return
	}
	ls.Pop(ls.GetTop())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, ls)
}

func (p *statePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ls := range p.states {
		ls.Close()
	}
	p.states = nil
}

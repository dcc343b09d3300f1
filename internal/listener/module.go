package listener

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// Module is one loaded listener: its declarative config plus a pool of
// Lua states ready to run its handler. It is the Go-native rendering of
// the "listener module = (config, handler)" shape from the design notes,
// with the handler half living only inside the Lua states.
type Module struct {
	Config types.ListenerConfig
	pool   *statePool
}

// Invoke checks out this listener's pooled state, lets build construct
// the payload and capability-context values against that same state,
// and calls the listener's global handler(payload, ctx) function. It
// never panics: a Lua runtime error is returned as a Go error for the
// Dispatcher to log and continue past.
func (m *Module) Invoke(build func(ls *lua.LState) (payload, ctx lua.LValue)) error {
	ls, err := m.pool.get()
	if err != nil {
		return err
	}
	defer m.pool.put(ls)

	handlerFn := ls.GetGlobal("handler")
	fn, ok := handlerFn.(*lua.LFunction)
	if !ok {
		return fmt.Errorf("listener %s: handler is not a function", m.Config.ID)
	}

	payload, ctx := build(ls)
	return ls.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, payload, ctx)
}

func (m *Module) close() {
	m.pool.closeAll()
}

// loadModule compiles source and extracts its config table, returning a
// Module ready for dispatch. The listener is considered invalid (and the
// load fails) unless both a `config` table and a `handler` function are
// present globally after running the chunk once, per spec.md §4.4.
func loadModule(path, source string) (*Module, error) {
	proto, err := compileScript(path, source)
	if err != nil {
		return nil, err
	}
	pool := newStatePool(proto)

	ls, err := pool.get()
	if err != nil {
		return nil, err
	}
	defer pool.put(ls)

	configVal := ls.GetGlobal("config")
	configTable, ok := configVal.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("listener %s: missing config table", path)
	}
	if _, ok := ls.GetGlobal("handler").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("listener %s: missing handler function", path)
	}

	cfg, err := parseConfig(configTable)
	if err != nil {
		return nil, fmt.Errorf("listener %s: %w", path, err)
	}
	cfg.Path = path

	return &Module{Config: cfg, pool: pool}, nil
}

func parseConfig(t *lua.LTable) (types.ListenerConfig, error) {
	id := luaFieldString(t, "id")
	if id == "" {
		return types.ListenerConfig{}, fmt.Errorf("config.id is required")
	}
	event := luaFieldString(t, "event")
	if event == "" {
		return types.ListenerConfig{}, fmt.Errorf("config.event is required")
	}
	return types.ListenerConfig{
		ID:          id,
		Name:        luaFieldString(t, "name"),
		Description: luaFieldString(t, "description"),
		Enabled:     luaFieldBool(t, "enabled"),
		Event:       types.EventKind(event),
	}, nil
}

func luaFieldString(t *lua.LTable, key string) string {
	v := t.RawGetString(key)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

func luaFieldBool(t *lua.LTable, key string) bool {
	v := t.RawGetString(key)
	if b, ok := v.(lua.LBool); ok {
		return bool(b)
	}
	return false
}

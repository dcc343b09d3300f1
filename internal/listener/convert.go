package listener

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// EmailToLua projects an Email into the Lua table shape handlers see as
// their event payload — the tagged-variant-over-EventKind rendering the
// design notes call for, materialized here as a plain table of fields.
func EmailToLua(ls *lua.LState, e *types.Email) *lua.LTable {
	t := ls.NewTable()
	t.RawSetString("id", lua.LNumber(e.ID))
	t.RawSetString("message_id", lua.LString(e.MessageID))
	t.RawSetString("thread_id", lua.LString(e.ThreadID))
	t.RawSetString("folder", lua.LString(e.Folder))
	t.RawSetString("subject", lua.LString(e.Subject))
	t.RawSetString("from", lua.LString(e.SenderEmail))
	t.RawSetString("from_name", lua.LString(e.SenderName))
	t.RawSetString("to", lua.LString(e.ToList))
	t.RawSetString("body_text", lua.LString(e.BodyText))
	t.RawSetString("snippet", lua.LString(e.Snippet))
	t.RawSetString("is_read", lua.LBool(e.IsRead))
	t.RawSetString("is_starred", lua.LBool(e.IsStarred))
	t.RawSetString("has_attachments", lua.LBool(e.AttachmentCount > 0))
	t.RawSetString("date_sent", lua.LString(e.DateSent.Format("2006-01-02T15:04:05Z07:00")))

	labels := ls.NewTable()
	for _, l := range e.Labels {
		labels.Append(lua.LString(l))
	}
	t.RawSetString("labels", labels)
	return t
}

// LabeledToLua projects a LabeledPayload ({email, label}) into Lua.
func LabeledToLua(ls *lua.LState, p types.LabeledPayload) *lua.LTable {
	t := ls.NewTable()
	t.RawSetString("email", EmailToLua(ls, &p.Email))
	t.RawSetString("label", lua.LString(p.Label))
	return t
}

// ScheduledToLua projects a ScheduledPayload ({timestamp, cron}) into Lua.
func ScheduledToLua(ls *lua.LState, p types.ScheduledPayload) *lua.LTable {
	t := ls.NewTable()
	t.RawSetString("timestamp", lua.LString(p.Timestamp))
	t.RawSetString("cron", lua.LString(p.Cron))
	return t
}

// GoValueToLua recursively converts a decoded-JSON Go value (as produced
// by encoding/json into interface{}) into the equivalent Lua value, used
// to hand the agent gateway's structured payload back to a listener.
func GoValueToLua(ls *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []interface{}:
		t := ls.NewTable()
		for _, item := range val {
			t.Append(GoValueToLua(ls, item))
		}
		return t
	case map[string]interface{}:
		t := ls.NewTable()
		for k, item := range val {
			t.RawSetString(k, GoValueToLua(ls, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// LuaValueToGo recursively converts a Lua value into a plain Go value
// suitable for json.Marshal — the inverse of GoValueToLua, used to turn
// a listener's call_agent schema table into Go.
func LuaValueToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if val.Len() > 0 {
			arr := make([]interface{}, 0, val.Len())
			val.ForEach(func(_, v lua.LValue) { arr = append(arr, LuaValueToGo(v)) })
			return arr
		}
		obj := make(map[string]interface{})
		val.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				obj[string(ks)] = LuaValueToGo(v)
			}
		})
		return obj
	default:
		return nil
	}
}

// Package dispatch implements the Dispatcher + Context Factory (C5): for
// each event it builds a capability context bound to a listener's
// identity and invokes every matching handler, isolating failures per
// spec.md §4.5. The context is the sole API a Lua handler has for
// causing side effects — no global store or IMAP client handle is ever
// exposed to Lua, preserving the "context as capability object" design
// note.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/mailkeeper/mailkeeper/internal/agent"
	"github.com/mailkeeper/mailkeeper/internal/imapclient"
	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// archiveFolder is where archiveEmail moves a message, per spec.md's
// context-op table.
const archiveFolder = "[Gmail]/All Mail"

// NotifySink receives every Notification a context.notify call emits.
// It must not block; the Dispatcher calls it synchronously from the
// handler's goroutine.
type NotifySink func(types.Notification)

// Context mediates every side effect a listener handler can cause,
// keeping the Mail Store and the remote mailbox coherent per the
// resolve -> remote op -> local mutation sequence spec.md §4.5 requires.
type Context struct {
	listener types.ListenerConfig
	store    *store.Store
	imap     *imapclient.Client
	notify   NotifySink
	agent    *agent.Gateway

	// ctx bounds every store/IMAP call a handler invocation makes. A
	// listener fires from an event (a sync, an IDLE callback, a
	// scheduled tick), never from an HTTP request, so there is no
	// caller-supplied context to thread through; it is background by
	// construction rather than left unbounded by accident.
	ctx context.Context
}

// NewContext builds a Context bound to one listener invocation.
func NewContext(l types.ListenerConfig, st *store.Store, im *imapclient.Client, notify NotifySink, ag *agent.Gateway) *Context {
	return &Context{listener: l, store: st, imap: im, notify: notify, agent: ag, ctx: context.Background()}
}

// resolve looks up messageID's stored row and its (folder, uid), failing
// if the email is unknown or has no recorded UID — both are required for
// any remote IMAP operation.
func (c *Context) resolve(messageID string) (*types.Email, error) {
	email, err := c.store.GetByMessageID(c.ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %s: %w", messageID, err)
	}
	if email.UID == 0 {
		return nil, fmt.Errorf("dispatch: %s: no UID on record, cannot issue remote operation", messageID)
	}
	return email, nil
}

// Notify enqueues a Notification onto the host's notification sink. It
// never blocks on I/O, per spec.md's context-op table.
func (c *Context) Notify(message string, priority types.NotificationPriority, emailID int64) {
	if c.notify == nil {
		return
	}
	c.notify(types.Notification{
		ID:           uuid.NewString(),
		ListenerID:   c.listener.ID,
		ListenerName: c.listener.Name,
		Priority:     priority,
		Message:      message,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		EmailID:      emailID,
	})
}

// ArchiveEmail moves the message to All Mail remotely, then mirrors the
// folder change locally. Idempotent from the "already in All Mail"
// state, per spec.md §8's laws: the remote move becomes effectively a
// no-op (emersion's MOVE/COPY+EXPUNGE on a same-folder target just
// re-lands the message) and the local folder is already correct.
func (c *Context) ArchiveEmail(messageID string) error {
	email, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := c.imap.Archive(c.ctx, email.Folder, archiveFolder, email.UID); err != nil {
		return fmt.Errorf("dispatch: archive %s: %w", messageID, err)
	}
	folder := archiveFolder
	if err := c.store.UpdateEmailFlags(c.ctx, messageID, types.EmailFlagUpdate{Folder: &folder}); err != nil {
		return fmt.Errorf("dispatch: archive %s: remote succeeded, local mirror update failed (will converge on next sync): %w", messageID, err)
	}
	return nil
}

// StarEmail / UnstarEmail toggle the Flagged flag remotely, then mirror
// isStarred locally.
func (c *Context) StarEmail(messageID string) error  { return c.setStarred(messageID, true) }
func (c *Context) UnstarEmail(messageID string) error { return c.setStarred(messageID, false) }

func (c *Context) setStarred(messageID string, starred bool) error {
	email, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := c.imap.SetStarred(c.ctx, email.Folder, email.UID, starred); err != nil {
		return fmt.Errorf("dispatch: star %s: %w", messageID, err)
	}
	if err := c.store.UpdateEmailFlags(c.ctx, messageID, types.EmailFlagUpdate{IsStarred: &starred}); err != nil {
		return fmt.Errorf("dispatch: star %s: remote succeeded, local mirror update failed (will converge on next sync): %w", messageID, err)
	}
	return nil
}

// MarkAsRead / MarkAsUnread toggle the Seen flag remotely, then mirror
// isRead locally.
func (c *Context) MarkAsRead(messageID string) error   { return c.setRead(messageID, true) }
func (c *Context) MarkAsUnread(messageID string) error { return c.setRead(messageID, false) }

func (c *Context) setRead(messageID string, read bool) error {
	email, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := c.imap.MarkRead(c.ctx, email.Folder, email.UID, read); err != nil {
		return fmt.Errorf("dispatch: mark-read %s: %w", messageID, err)
	}
	if err := c.store.UpdateEmailFlags(c.ctx, messageID, types.EmailFlagUpdate{IsRead: &read}); err != nil {
		return fmt.Errorf("dispatch: mark-read %s: remote succeeded, local mirror update failed (will converge on next sync): %w", messageID, err)
	}
	return nil
}

// AddLabel / RemoveLabel toggle a Gmail label remotely via the flag-
// encoded workaround, then add/remove it from the local labels set.
func (c *Context) AddLabel(messageID, label string) error {
	return c.setLabel(messageID, label, true)
}

func (c *Context) RemoveLabel(messageID, label string) error {
	return c.setLabel(messageID, label, false)
}

func (c *Context) setLabel(messageID, label string, add bool) error {
	email, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	var remoteErr error
	if add {
		remoteErr = c.imap.AddLabel(c.ctx, email.Folder, email.UID, label)
	} else {
		remoteErr = c.imap.RemoveLabel(c.ctx, email.Folder, email.UID, label)
	}
	if remoteErr != nil {
		return fmt.Errorf("dispatch: label %s on %s: %w", label, messageID, remoteErr)
	}

	labels := applyLabel(email.Labels, label, add)
	if err := c.store.UpdateEmailFlags(c.ctx, messageID, types.EmailFlagUpdate{Labels: &labels}); err != nil {
		return fmt.Errorf("dispatch: label %s on %s: remote succeeded, local mirror update failed (will converge on next sync): %w", label, messageID, err)
	}
	return nil
}

func applyLabel(existing []string, label string, add bool) []string {
	out := make([]string, 0, len(existing)+1)
	found := false
	for _, l := range existing {
		if l == label {
			found = true
			if !add {
				continue
			}
		}
		out = append(out, l)
	}
	if add && !found {
		out = append(out, label)
	}
	return out
}

// CallAgent delegates to the LLM Sub-agent Gateway (C6).
func (c *Context) CallAgent(req types.AgentRequest) (types.AgentResponse, error) {
	if c.agent == nil {
		return types.AgentResponse{}, fmt.Errorf("dispatch: no LLM gateway configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return c.agent.Call(ctx, req)
}

// toLua projects the Context's operations into a Lua table of closures —
// the capability object a handler actually sees. No field grants access
// to the store, the IMAP client, or any other listener's identity.
func (c *Context) toLua(ls *lua.LState) *lua.LTable {
	t := ls.NewTable()

	t.RawSetString("notify", ls.NewFunction(func(ls *lua.LState) int {
		msg := ls.CheckString(1)
		priority := types.PriorityNormal
		var emailID int64
		if opts, ok := ls.Get(2).(*lua.LTable); ok {
			if p, ok := opts.RawGetString("priority").(lua.LString); ok && p != "" {
				priority = types.NotificationPriority(p)
			}
			if id, ok := opts.RawGetString("email_id").(lua.LNumber); ok {
				emailID = int64(id)
			}
		}
		c.Notify(msg, priority, emailID)
		return 0
	}))

	t.RawSetString("archive_email", c.wrapMutation(ls, c.ArchiveEmail))
	t.RawSetString("star_email", c.wrapMutation(ls, c.StarEmail))
	t.RawSetString("unstar_email", c.wrapMutation(ls, c.UnstarEmail))
	t.RawSetString("mark_as_read", c.wrapMutation(ls, c.MarkAsRead))
	t.RawSetString("mark_as_unread", c.wrapMutation(ls, c.MarkAsUnread))

	t.RawSetString("add_label", c.wrapLabelMutation(ls, c.AddLabel))
	t.RawSetString("remove_label", c.wrapLabelMutation(ls, c.RemoveLabel))

	t.RawSetString("call_agent", ls.NewFunction(func(ls *lua.LState) int {
		opts := ls.CheckTable(1)
		req := types.AgentRequest{
			Prompt: luaFieldString(opts, "prompt"),
			Model:  types.AgentModel(luaFieldString(opts, "model")),
		}
		if schemaTable, ok := opts.RawGetString("schema").(*lua.LTable); ok {
			if m, ok := listener.LuaValueToGo(schemaTable).(map[string]interface{}); ok {
				req.Schema = m
			}
		}
		resp, err := c.CallAgent(req)
		if err != nil {
			ls.RaiseError("call_agent failed: %v", err)
			return 0
		}
		ls.Push(listener.GoValueToLua(ls, resp.Payload))
		return 1
	}))

	return t
}

func (c *Context) wrapMutation(ls *lua.LState, fn func(string) error) *lua.LFunction {
	return ls.NewFunction(func(ls *lua.LState) int {
		messageID := ls.CheckString(1)
		if err := fn(messageID); err != nil {
			ls.RaiseError("%v", err)
		}
		return 0
	})
}

func (c *Context) wrapLabelMutation(ls *lua.LState, fn func(string, string) error) *lua.LFunction {
	return ls.NewFunction(func(ls *lua.LState) int {
		messageID := ls.CheckString(1)
		label := ls.CheckString(2)
		if err := fn(messageID, label); err != nil {
			ls.RaiseError("%v", err)
		}
		return 0
	})
}

func luaFieldString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

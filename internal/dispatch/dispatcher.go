package dispatch

import (
	lua "github.com/yuin/gopher-lua"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/agent"
	"github.com/mailkeeper/mailkeeper/internal/imapclient"
	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// Dispatcher is a pure function of (registry, context factory dependencies),
// per the design notes' call to avoid a sync/dispatch cycle: it depends
// only on the registry to find handlers and on (store, imap, notify,
// agent) to build a Context, never on the Sync Service.
type Dispatcher struct {
	registry *listener.Registry
	store    *store.Store
	imap     *imapclient.Client
	notify   NotifySink
	agent    *agent.Gateway
	logger   *logrus.Logger
}

// New builds a Dispatcher. imap may be nil only in tests that never
// invoke a listener performing a remote mutation.
func New(reg *listener.Registry, st *store.Store, im *imapclient.Client, notify NotifySink, ag *agent.Gateway, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, store: st, imap: im, notify: notify, agent: ag, logger: logger}
}

// CheckEvent collects every active module matching kind and invokes each
// sequentially with a fresh capability context, per spec.md §4.5's
// dispatch rule. It never raises: a handler error is logged with the
// listener id and dispatch continues to the next handler. Order between
// listeners is unspecified.
func (d *Dispatcher) CheckEvent(kind types.EventKind, payload interface{}) {
	modules := d.registry.ForEvent(kind)
	if len(modules) == 0 {
		return
	}

	for _, mod := range modules {
		d.invoke(mod, kind, payload)
	}
}

func (d *Dispatcher) invoke(mod *listener.Module, kind types.EventKind, payload interface{}) {
	ctx := NewContext(mod.Config, d.store, d.imap, d.notify, d.agent)

	err := mod.Invoke(func(ls *lua.LState) (lua.LValue, lua.LValue) {
		return toLuaPayload(ls, kind, payload), ctx.toLua(ls)
	})
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"listener": mod.Config.ID,
			"event":    kind,
		}).Error("listener handler failed")
	}
}

func toLuaPayload(ls *lua.LState, kind types.EventKind, payload interface{}) lua.LValue {
	switch kind {
	case types.EventEmailLabeled:
		if p, ok := payload.(types.LabeledPayload); ok {
			return listener.LabeledToLua(ls, p)
		}
	case types.EventScheduledTime:
		if p, ok := payload.(types.ScheduledPayload); ok {
			return listener.ScheduledToLua(ls, p)
		}
	default:
		if e, ok := payload.(*types.Email); ok {
			return listener.EmailToLua(ls, e)
		}
	}
	return lua.LNil
}

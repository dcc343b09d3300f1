package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

const throwingSource = `
config = { id = "throws", name = "Throws", enabled = true, event = "email_received" }
function handler(email, ctx)
  error("boom")
end
`

const notifyingSource = `
config = { id = "notifies", name = "Notifies", enabled = true, event = "email_received" }
function handler(email, ctx)
  ctx.notify("got: " .. email.subject, {priority = "high"})
end
`

func newRegistryWithSources(t *testing.T, sources map[string]string) *listener.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, src := range sources {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	reg := listener.New(dir, logger)
	require.NoError(t, reg.LoadAll())
	return reg
}

func TestCheckEventIsolatesThrowingHandlers(t *testing.T) {
	reg := newRegistryWithSources(t, map[string]string{
		"throws.lua":   throwingSource,
		"notifies.lua": notifyingSource,
	})

	var notifications []types.Notification
	sink := func(n types.Notification) { notifications = append(notifications, n) }

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	d := New(reg, nil, nil, sink, nil, logger)

	email := &types.Email{MessageID: "<a@x>", Subject: "Outage"}
	assert.NotPanics(t, func() {
		d.CheckEvent(types.EventEmailReceived, email)
	})

	require.Len(t, notifications, 1)
	assert.Equal(t, "got: Outage", notifications[0].Message)
	assert.Equal(t, types.PriorityHigh, notifications[0].Priority)
	assert.Equal(t, "notifies", notifications[0].ListenerID)
}

func TestCheckEventNoMatchingListenersIsNoOp(t *testing.T) {
	reg := newRegistryWithSources(t, map[string]string{"notifies.lua": notifyingSource})
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	d := New(reg, nil, nil, nil, nil, logger)

	assert.NotPanics(t, func() {
		d.CheckEvent(types.EventEmailSent, &types.Email{MessageID: "<a@x>"})
	})
}

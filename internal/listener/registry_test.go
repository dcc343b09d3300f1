package listener

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

const archiverSource = `
config = {
  id = "auto_archive_newsletters",
  name = "Auto-archive newsletters",
  enabled = true,
  event = "email_received",
}

function handler(email, ctx)
  ctx.archive_email(email.message_id)
end
`

const disabledSource = `
config = {
  id = "disabled_listener",
  name = "Disabled",
  enabled = false,
  event = "email_received",
}

function handler(email, ctx) end
`

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return New(dir, logger), dir
}

func writeListener(t *testing.T, dir, name, source string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644))
}

func TestLoadAllRegistersEnabledOnly(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeListener(t, dir, "archiver.lua", archiverSource)
	writeListener(t, dir, "disabled.lua", disabledSource)
	writeListener(t, dir, ".hidden.lua", archiverSource)
	writeListener(t, dir, "_private.lua", archiverSource)
	writeListener(t, dir, "notes.txt", "not lua")

	require.NoError(t, r.LoadAll())

	all := r.GetAll()
	assert.Len(t, all, 2)

	_, active := r.Get("auto_archive_newsletters")
	assert.True(t, active)
	_, active = r.Get("disabled_listener")
	assert.False(t, active)

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Enabled)
}

func TestForEventMatchesOnlyActiveListenersForThatKind(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeListener(t, dir, "archiver.lua", archiverSource)
	require.NoError(t, r.LoadAll())

	mods := r.ForEvent(types.EventEmailReceived)
	require.Len(t, mods, 1)
	assert.Equal(t, "auto_archive_newsletters", mods[0].Config.ID)

	assert.Empty(t, r.ForEvent(types.EventEmailSent))
}

func TestHotReloadReflectsFileRemoval(t *testing.T) {
	r, dir := newTestRegistry(t)
	writeListener(t, dir, "archiver.lua", archiverSource)
	require.NoError(t, r.LoadAll())
	require.NoError(t, r.Watch())
	defer r.Close()

	require.NoError(t, os.Remove(filepath.Join(dir, "archiver.lua")))

	require.Eventually(t, func() bool {
		return len(r.GetAll()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestChangeCallbackFiresOnReload(t *testing.T) {
	r, dir := newTestRegistry(t)
	var received []types.ListenerConfig
	r.OnChange(func(cfgs []types.ListenerConfig) { received = cfgs })

	writeListener(t, dir, "archiver.lua", archiverSource)
	require.NoError(t, r.LoadAll())

	require.Len(t, received, 1)
	assert.Equal(t, "auto_archive_newsletters", received[0].ID)
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/internal/config"
	"github.com/mailkeeper/mailkeeper/internal/listener"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/internal/syncsvc"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	st, err := store.New(filepath.Join(dir, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	accountID, err := st.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "imap.gmail.com", IMAPPort: 993, IMAPUsername: "me@company.com"})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	_, err = st.UpsertEmail(ctx, &types.Email{
		AccountID:   accountID,
		Folder:      "INBOX",
		MessageID:   "<a@x>",
		Subject:     "Quarterly Report",
		SenderName:  "Boss",
		SenderEmail: "boss@company.com",
		DateSent:    now,
	}, nil)
	require.NoError(t, err)

	reg := listener.New(filepath.Join(dir, "listeners"), logger)

	cfg := &config.Config{
		DatabasePath: filepath.Join(dir, "test.db"),
		SearchLimit:  30,
		Accounts:     []config.Account{{Name: "default"}},
	}

	hub := NewHub(logger)
	syncs := map[string]*syncsvc.Service{
		"default": syncsvc.New("default", accountID, st, nil, logger, nil),
	}

	return New(cfg, st, reg, syncs, hub, logger), st
}

func TestHandleInboxReturnsRecentEmails(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/emails/inbox?limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var summaries []types.EmailSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "Quarterly Report", summaries[0].Subject)
}

func TestHandleGetEmailNotFoundReturnsStableErrorShape(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/email/missing-message-id", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "email not found", body.Error)
}

func TestHandleSyncWithExplicitZeroLimitIsNoOp(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"accountName": "default", "limit": 0})
	req := httptest.NewRequest("POST", "/api/sync", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var result types.SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Zero(t, result.Synced)
	assert.Zero(t, result.Errors)
}

func TestHandleSearchWithExplicitZeroLimitReturnsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"subject": "Quarterly", "limit": 0})
	req := httptest.NewRequest("POST", "/api/emails/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var results []types.EmailSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Empty(t, results)
}

func TestHandleSearchWithOmittedLimitUsesDefault(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"subject": "Quarterly"})
	req := httptest.NewRequest("POST", "/api/emails/search", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var results []types.EmailSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "Quarterly Report", results[0].Subject)
}

func TestHandleSyncUnknownAccountIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"accountName": "nope"})
	req := httptest.NewRequest("POST", "/api/sync", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestHandleListenersReportsEmptyRegistry(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/listeners", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "listeners")
	assert.Contains(t, body, "stats")
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/internal/config"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	s, err := New(filepath.Join(dir, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEmail(messageID string) *types.Email {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Email{
		AccountID:   1,
		Folder:      "INBOX",
		MessageID:   messageID,
		Subject:     "Quarterly Report Ready",
		SenderName:  "Boss",
		SenderEmail: "boss@company.com",
		Recipients: []types.Recipient{
			{Kind: types.RecipientTo, Address: "me@company.com"},
		},
		DateSent:     now,
		DateReceived: now,
		BodyText:     "Please review the quarterly numbers before Friday.",
		Labels:       []string{"INBOX"},
	}
}

func TestUpsertAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "imap.gmail.com", IMAPPort: 993, IMAPUsername: "me@company.com"})
	require.NoError(t, err)

	email := sampleEmail("<a@x>")
	email.AccountID = accountID

	id, err := s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := s.GetByMessageID(ctx, "<a@x>")
	require.NoError(t, err)
	assert.Equal(t, email.Subject, got.Subject)
	assert.Equal(t, email.SenderEmail, got.SenderEmail)
	assert.Len(t, got.Recipients, 1)
}

func TestUpsertIsIdempotentOnDuplicateMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"})
	require.NoError(t, err)

	email := sampleEmail("<dup@x>")
	email.AccountID = accountID
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	known, err := s.IsKnownMessageID(ctx, "<dup@x>")
	require.NoError(t, err)
	assert.True(t, known)

	email.Subject = "Quarterly Report Ready (Updated)"
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	got, err := s.GetByMessageID(ctx, "<dup@x>")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Report Ready (Updated)", got.Subject)
}

func TestUpdateEmailFlagsTogglesIndependently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"})
	require.NoError(t, err)

	email := sampleEmail("<flags@x>")
	email.AccountID = accountID
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	starred := true
	require.NoError(t, s.UpdateEmailFlags(ctx, "<flags@x>", types.EmailFlagUpdate{IsStarred: &starred}))

	got, err := s.GetByMessageID(ctx, "<flags@x>")
	require.NoError(t, err)
	assert.True(t, got.IsStarred)
	assert.False(t, got.IsRead)

	unstarred := false
	require.NoError(t, s.UpdateEmailFlags(ctx, "<flags@x>", types.EmailFlagUpdate{IsStarred: &unstarred}))
	got, err = s.GetByMessageID(ctx, "<flags@x>")
	require.NoError(t, err)
	assert.False(t, got.IsStarred)
}

func TestSearchFullTextFindsSubjectToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"})
	require.NoError(t, err)

	email := sampleEmail("<fts@x>")
	email.AccountID = accountID
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	results, err := s.Search(ctx, types.SearchCriteria{Query: "Quarterly"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "<fts@x>", results[0].MessageID)
}

func TestSearchLimitZeroFallsBackToDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"})
	require.NoError(t, err)
	email := sampleEmail("<lim@x>")
	email.AccountID = accountID
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	results, err := s.Search(ctx, types.SearchCriteria{Limit: 0})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRecipientAddressIsLowercasedBeforeStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	accountID, err := s.UpsertAccount(ctx, &config.Account{Name: "default", IMAPHost: "h", IMAPPort: 993, IMAPUsername: "u"})
	require.NoError(t, err)

	email := sampleEmail("<case@x>")
	email.AccountID = accountID
	email.Recipients = []types.Recipient{{Kind: types.RecipientTo, Address: "Me@Company.com"}}
	_, err = s.UpsertEmail(ctx, email, nil)
	require.NoError(t, err)

	got, err := s.GetByMessageID(ctx, "<case@x>")
	require.NoError(t, err)
	require.Len(t, got.Recipients, 1)
	assert.Equal(t, "me@company.com", got.Recipients[0].Address)
}

func TestBuildSnippetTruncatesOnRuneBoundary(t *testing.T) {
	body := ""
	for i := 0; i < 250; i++ {
		body += "é"
	}
	snippet := buildSnippet(body, "")
	assert.Equal(t, 200, len([]rune(snippet)))
	assert.True(t, len(snippet) > 200, "multi-byte runes mean byte length exceeds rune count")
}

// Package store implements the Mail Store (C1): a durable, queryable
// SQLite mirror of one or more IMAP mailboxes, with atomic upsert,
// flag/label mutation, and FTS5 content search.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/config"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// Store provides the Mail Store's public contract over a SQLite database.
type Store struct {
	db     *db
	logger *logrus.Logger

	// seen amortizes the "is this message-id new" check consulted before
	// every upsert, ahead of the full SQL lookup, during IDLE bursts.
	seen *lru.Cache[string, int64]
}

// New opens (or creates) the database file at path and returns a ready
// Store.
func New(path string, logger *logrus.Logger) (*Store, error) {
	d, err := open(path, logger)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, int64](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-message cache: %w", err)
	}
	return &Store{db: d, logger: logger, seen: cache}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAccount ensures an account row exists for cfg and returns its id.
func (s *Store) UpsertAccount(ctx context.Context, cfg *config.Account) (int, error) {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	query := `
		INSERT INTO accounts (name, imap_host, imap_port, imap_username, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_username = excluded.imap_username,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.conn.ExecContext(ctx, query, cfg.Name, cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	var id int
	if err := s.db.conn.QueryRowContext(ctx, "SELECT id FROM accounts WHERE name = ?", cfg.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get account id: %w", err)
	}
	return id, nil
}

// GetAccountID returns the account id by name.
func (s *Store) GetAccountID(ctx context.Context, name string) (int, error) {
	var id int
	err := s.db.conn.QueryRowContext(ctx, "SELECT id FROM accounts WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get account id: %w", err)
	}
	return id, nil
}

// UpsertFolder ensures a folder row exists and returns its id.
func (s *Store) UpsertFolder(ctx context.Context, accountID int, name, path string, messageCount int) (int, error) {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	query := `
		INSERT INTO folders (account_id, name, path, message_count, last_synced)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, path) DO UPDATE SET
			name = excluded.name,
			message_count = excluded.message_count,
			last_synced = CURRENT_TIMESTAMP
	`
	if _, err := s.db.conn.ExecContext(ctx, query, accountID, name, path, messageCount); err != nil {
		return 0, fmt.Errorf("failed to upsert folder: %w", err)
	}

	var id int
	if err := s.db.conn.QueryRowContext(ctx, "SELECT id FROM folders WHERE account_id = ? AND path = ?", accountID, path).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get folder id: %w", err)
	}
	return id, nil
}

// IsKnownMessageID reports whether messageID has already been upserted,
// consulting the in-memory cache first and falling back to SQL only on a
// cache miss.
func (s *Store) IsKnownMessageID(ctx context.Context, messageID string) (bool, error) {
	if _, ok := s.seen.Get(messageID); ok {
		return true, nil
	}
	var id int64
	err := s.db.conn.QueryRowContext(ctx, "SELECT id FROM emails WHERE message_id = ?", messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
	s.seen.Add(messageID, id)
	return true, nil
}

// UpsertEmail inserts or fully updates an Email row, replacing its
// recipients and attachments, in a single transaction with the FTS
// mutation. Concurrent callers are serialized by the store's write mutex;
// the last writer wins. Returns the row's surrogate id.
func (s *Store) UpsertEmail(ctx context.Context, email *types.Email, attachments []types.Attachment) (int64, error) {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	refsJSON, err := json.Marshal(email.References)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal references: %w", err)
	}
	labelsJSON, err := json.Marshal(email.Labels)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal labels: %w", err)
	}

	toList, ccList, bccList := denormalizeRecipients(email.Recipients)
	snippet := buildSnippet(email.BodyText, email.BodyHTML)

	var uid interface{}
	if email.UID != 0 {
		uid = email.UID
	}

	query := `
		INSERT INTO emails (
			account_id, uid, message_id, thread_id, in_reply_to, references_json, folder,
			subject, sender_name, sender_email, to_list, cc_list, bcc_list,
			date_sent, date_received, body_text, body_html, snippet,
			is_read, is_starred, is_important, is_draft, is_sent, is_trash, is_spam,
			labels_json, size_bytes, attachment_count, raw_headers, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(message_id) DO UPDATE SET
			uid = excluded.uid,
			thread_id = excluded.thread_id,
			in_reply_to = excluded.in_reply_to,
			references_json = excluded.references_json,
			folder = excluded.folder,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			to_list = excluded.to_list,
			cc_list = excluded.cc_list,
			bcc_list = excluded.bcc_list,
			date_sent = excluded.date_sent,
			date_received = excluded.date_received,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			snippet = excluded.snippet,
			is_read = excluded.is_read,
			is_starred = excluded.is_starred,
			is_important = excluded.is_important,
			is_draft = excluded.is_draft,
			is_sent = excluded.is_sent,
			is_trash = excluded.is_trash,
			is_spam = excluded.is_spam,
			labels_json = excluded.labels_json,
			size_bytes = excluded.size_bytes,
			attachment_count = excluded.attachment_count,
			raw_headers = excluded.raw_headers,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = tx.ExecContext(ctx, query,
		email.AccountID, uid, email.MessageID, email.ThreadID, email.InReplyTo, string(refsJSON), email.Folder,
		email.Subject, email.SenderName, email.SenderEmail, toList, ccList, bccList,
		email.DateSent, email.DateReceived, email.BodyText, email.BodyHTML, snippet,
		boolToInt(email.IsRead), boolToInt(email.IsStarred), boolToInt(email.IsImportant),
		boolToInt(email.IsDraft), boolToInt(email.IsSent), boolToInt(email.IsTrash), boolToInt(email.IsSpam),
		string(labelsJSON), email.SizeBytes, len(attachments), email.RawHeaders,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to upsert email: %v", ErrConstraint, err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM emails WHERE message_id = ?", email.MessageID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve upserted id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM recipients WHERE email_id = ?", id); err != nil {
		return 0, fmt.Errorf("failed to clear recipients: %w", err)
	}
	for _, r := range email.Recipients {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO recipients (email_id, kind, address, display_name, domain) VALUES (?, ?, ?, ?, ?)",
			id, r.Kind, strings.ToLower(r.Address), r.DisplayName, domainOf(r.Address),
		); err != nil {
			return 0, fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE email_id = ?", id); err != nil {
		return 0, fmt.Errorf("failed to clear attachments: %w", err)
	}
	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO attachments (email_id, filename, mime_type, size, content_id, inline, extension) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, a.Filename, a.MimeType, a.Size, a.ContentID, boolToInt(a.Inline), extensionOf(a.Filename),
		); err != nil {
			return 0, fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}

	s.seen.Add(email.MessageID, id)
	return id, nil
}

// GetByMessageID resolves a Message-Id to its stored record, including
// recipients and attachments.
func (s *Store) GetByMessageID(ctx context.Context, messageID string) (*types.Email, error) {
	var id int64
	err := s.db.conn.QueryRowContext(ctx, "SELECT id FROM emails WHERE message_id = ?", messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up message id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID retrieves a single email by its surrogate id.
func (s *Store) GetByID(ctx context.Context, id int64) (*types.Email, error) {
	emails, err := s.GetByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, ErrNotFound
	}
	return emails[0], nil
}

// GetByIDs retrieves emails by surrogate id, ordered by send-date descending.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]*types.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT e.id, e.account_id, a.name, e.uid, e.folder, e.message_id, e.thread_id, e.in_reply_to,
		       e.references_json, e.subject, e.sender_name, e.sender_email, e.to_list, e.cc_list, e.bcc_list,
		       e.date_sent, e.date_received, e.body_text, e.body_html, e.snippet,
		       e.is_read, e.is_starred, e.is_important, e.is_draft, e.is_sent, e.is_trash, e.is_spam,
		       e.labels_json, e.size_bytes, e.attachment_count, e.raw_headers, e.created_at, e.updated_at
		FROM emails e
		JOIN accounts a ON a.id = e.account_id
		WHERE e.id IN (%s)
		ORDER BY e.date_sent DESC
	`, strings.Join(placeholders, ","))

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var emails []*types.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	for _, e := range emails {
		if err := s.loadChildren(ctx, e); err != nil {
			return nil, err
		}
	}
	return emails, nil
}

// GetByMessageIDs retrieves emails by Message-Id, ordered by send-date
// descending.
func (s *Store) GetByMessageIDs(ctx context.Context, messageIDs []string) ([]*types.Email, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, len(messageIDs))
	for i, m := range messageIDs {
		placeholders[i] = "?"
		args[i] = m
	}
	var ids []int64
	rows, err := s.db.conn.QueryContext(ctx, fmt.Sprintf("SELECT id FROM emails WHERE message_id IN (%s)", strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return s.GetByIDs(ctx, ids)
}

func (s *Store) loadChildren(ctx context.Context, e *types.Email) error {
	rows, err := s.db.conn.QueryContext(ctx, "SELECT kind, address, display_name, domain FROM recipients WHERE email_id = ?", e.ID)
	if err != nil {
		return fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r types.Recipient
		var display sql.NullString
		if err := rows.Scan(&r.Kind, &r.Address, &display, &r.Domain); err != nil {
			return err
		}
		r.DisplayName = display.String
		e.Recipients = append(e.Recipients, r)
	}

	arows, err := s.db.conn.QueryContext(ctx, "SELECT filename, mime_type, size, content_id, inline, extension FROM attachments WHERE email_id = ?", e.ID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a types.Attachment
		var inline int
		if err := arows.Scan(&a.Filename, &a.MimeType, &a.Size, &a.ContentID, &inline, &a.Extension); err != nil {
			return err
		}
		a.Inline = inline != 0
		e.Attachments = append(e.Attachments, a)
	}
	return nil
}

// UpdateEmailFlags applies update's populated fields and touches
// updated_at. This is the single local write path for post-upsert
// mutation — listener-driven changes must go through it.
func (s *Store) UpdateEmailFlags(ctx context.Context, messageID string, update types.EmailFlagUpdate) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	var sets []string
	var args []interface{}

	if update.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolToInt(*update.IsRead))
	}
	if update.IsStarred != nil {
		sets = append(sets, "is_starred = ?")
		args = append(args, boolToInt(*update.IsStarred))
	}
	if update.IsImportant != nil {
		sets = append(sets, "is_important = ?")
		args = append(args, boolToInt(*update.IsImportant))
	}
	if update.Labels != nil {
		labelsJSON, err := json.Marshal(*update.Labels)
		if err != nil {
			return fmt.Errorf("failed to marshal labels: %w", err)
		}
		sets = append(sets, "labels_json = ?")
		args = append(args, string(labelsJSON))
	}
	if update.Folder != nil {
		sets = append(sets, "folder = ?")
		args = append(args, *update.Folder)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, messageID)

	query := fmt.Sprintf("UPDATE emails SET %s WHERE message_id = ?", strings.Join(sets, ", "))
	res, err := s.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update email flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm flag update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Statistics returns simple observability counters.
type Statistics struct {
	TotalEmails   int64 `json:"total_emails"`
	UnreadEmails  int64 `json:"unread_emails"`
	StarredEmails int64 `json:"starred_emails"`
}

// Statistics computes aggregate counters over the mail store.
func (s *Store) Statistics(ctx context.Context) (*Statistics, error) {
	var st Statistics
	err := s.db.conn.QueryRowContext(ctx, "SELECT COUNT(*), SUM(1 - is_read), SUM(is_starred) FROM emails").Scan(
		&st.TotalEmails, &st.UnreadEmails, &st.StarredEmails,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}
	return &st, nil
}

// RecordSyncRun appends a row to the sync_metadata observability log.
func (s *Store) RecordSyncRun(ctx context.Context, accountID int, result types.SyncResult) error {
	s.db.writeMu.Lock()
	defer s.db.writeMu.Unlock()

	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO sync_metadata (run_id, account_id, sync_type, synced, skipped, errors, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, accountID, result.SyncType, result.Synced, result.Skipped, result.Errors,
		result.StartedAt, result.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// MaxDateSent returns the most recent date_sent for an account, used by
// syncNew() to compute an incremental "since" cursor.
func (s *Store) MaxDateSent(ctx context.Context, accountID int) (*time.Time, error) {
	var maxDate sql.NullTime
	err := s.db.conn.QueryRowContext(ctx, "SELECT MAX(date_sent) FROM emails WHERE account_id = ?", accountID).Scan(&maxDate)
	if err != nil {
		return nil, fmt.Errorf("failed to compute max date_sent: %w", err)
	}
	if !maxDate.Valid {
		return nil, nil
	}
	t := maxDate.Time
	return &t, nil
}

func scanEmail(rows *sql.Rows) (*types.Email, error) {
	var e types.Email
	var refsJSON, labelsJSON string
	var uid sql.NullInt64
	var dateSent, dateReceived sql.NullTime

	err := rows.Scan(
		&e.ID, &e.AccountID, &e.AccountName, &uid, &e.Folder, &e.MessageID, &e.ThreadID, &e.InReplyTo,
		&refsJSON, &e.Subject, &e.SenderName, &e.SenderEmail, &e.ToList, &e.CcList, &e.BccList,
		&dateSent, &dateReceived, &e.BodyText, &e.BodyHTML, &e.Snippet,
		&e.IsRead, &e.IsStarred, &e.IsImportant, &e.IsDraft, &e.IsSent, &e.IsTrash, &e.IsSpam,
		&labelsJSON, &e.SizeBytes, &e.AttachmentCount, &e.RawHeaders, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan email: %w", err)
	}
	if uid.Valid {
		e.UID = uint32(uid.Int64)
	}
	if dateSent.Valid {
		e.DateSent = dateSent.Time
	}
	if dateReceived.Valid {
		e.DateReceived = dateReceived.Time
	}
	if err := json.Unmarshal([]byte(refsJSON), &e.References); err != nil {
		e.References = nil
	}
	if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
		e.Labels = nil
	}
	return &e, nil
}

func denormalizeRecipients(recipients []types.Recipient) (to, cc, bcc string) {
	var toAddrs, ccAddrs, bccAddrs []string
	for _, r := range recipients {
		switch r.Kind {
		case types.RecipientTo:
			toAddrs = append(toAddrs, r.Address)
		case types.RecipientCc:
			ccAddrs = append(ccAddrs, r.Address)
		case types.RecipientBcc:
			bccAddrs = append(bccAddrs, r.Address)
		}
	}
	return strings.Join(toAddrs, ", "), strings.Join(ccAddrs, ", "), strings.Join(bccAddrs, ", ")
}

func buildSnippet(text, html string) string {
	source := text
	if source == "" {
		source = html
	}
	source = strings.TrimSpace(source)
	runes := []rune(source)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return source
}

func domainOf(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

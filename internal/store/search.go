package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

const defaultSearchLimit = 30

// Search runs a SearchCriteria query, ordered by send-date descending and
// paginated via (limit, offset). If criteria.Query is set, an FTS5 MATCH
// subquery gates every other predicate's AND composition.
func (s *Store) Search(ctx context.Context, criteria types.SearchCriteria) ([]*types.EmailSummary, error) {
	var conditions []string
	var args []interface{}

	if criteria.Query != "" {
		conditions = append(conditions, "e.id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)")
		args = append(args, escapeFTS(criteria.Query))
	}
	if len(criteria.From) > 0 {
		var ors []string
		for _, f := range criteria.From {
			ors = append(ors, "(e.sender_email LIKE ? OR e.sender_name LIKE ?)")
			term := "%" + f + "%"
			args = append(args, term, term)
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}
	if len(criteria.To) > 0 {
		var ors []string
		for _, t := range criteria.To {
			ors = append(ors, "(e.to_list LIKE ? OR e.cc_list LIKE ? OR e.bcc_list LIKE ?)")
			term := "%" + t + "%"
			args = append(args, term, term, term)
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}
	if criteria.Subject != "" {
		conditions = append(conditions, "e.subject LIKE ?")
		args = append(args, "%"+criteria.Subject+"%")
	}
	if criteria.DateFrom != nil {
		conditions = append(conditions, "e.date_sent >= ?")
		args = append(args, *criteria.DateFrom)
	}
	if criteria.DateTo != nil {
		conditions = append(conditions, "e.date_sent <= ?")
		args = append(args, *criteria.DateTo)
	}
	if criteria.HasAttachments != nil {
		if *criteria.HasAttachments {
			conditions = append(conditions, "e.attachment_count > 0")
		} else {
			conditions = append(conditions, "e.attachment_count = 0")
		}
	}
	if criteria.IsUnread != nil {
		if *criteria.IsUnread {
			conditions = append(conditions, "e.is_read = 0")
		} else {
			conditions = append(conditions, "e.is_read = 1")
		}
	}
	if criteria.IsStarred != nil {
		conditions = append(conditions, "e.is_starred = ?")
		args = append(args, boolToInt(*criteria.IsStarred))
	}
	if criteria.Folder != "" {
		conditions = append(conditions, "e.folder = ?")
		args = append(args, criteria.Folder)
	}
	if len(criteria.Folders) > 0 {
		placeholders := make([]string, len(criteria.Folders))
		for i, f := range criteria.Folders {
			placeholders[i] = "?"
			args = append(args, f)
		}
		conditions = append(conditions, fmt.Sprintf("e.folder IN (%s)", strings.Join(placeholders, ",")))
	}
	if criteria.ThreadID != "" {
		conditions = append(conditions, "e.thread_id = ?")
		args = append(args, criteria.ThreadID)
	}
	if len(criteria.Labels) > 0 {
		for _, l := range criteria.Labels {
			conditions = append(conditions, "e.labels_json LIKE ?")
			args = append(args, "%\""+l+"\"%")
		}
	}
	if criteria.MinSize > 0 {
		conditions = append(conditions, "e.size_bytes >= ?")
		args = append(args, criteria.MinSize)
	}
	if criteria.MaxSize > 0 {
		conditions = append(conditions, "e.size_bytes <= ?")
		args = append(args, criteria.MaxSize)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := criteria.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	offset := criteria.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT e.id, a.name, e.folder, e.message_id, e.subject, e.sender_name, e.sender_email,
		       e.date_sent, e.snippet, e.is_read, e.is_starred, e.labels_json
		FROM emails e
		JOIN accounts a ON a.id = e.account_id
		%s
		ORDER BY e.date_sent DESC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, offset)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	defer rows.Close()

	return scanSummaries(rows)
}

// Recent returns the newest-first emails across all folders, optionally
// including already-read messages.
func (s *Store) Recent(ctx context.Context, limit int, includeRead bool) ([]*types.EmailSummary, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	query := `
		SELECT e.id, a.name, e.folder, e.message_id, e.subject, e.sender_name, e.sender_email,
		       e.date_sent, e.snippet, e.is_read, e.is_starred, e.labels_json
		FROM emails e
		JOIN accounts a ON a.id = e.account_id
	`
	args := []interface{}{}
	if !includeRead {
		query += " WHERE e.is_read = 0"
	}
	query += " ORDER BY e.date_sent DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent emails: %w", err)
	}
	defer rows.Close()

	return scanSummaries(rows)
}

func scanSummaries(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]*types.EmailSummary, error) {
	var results []*types.EmailSummary
	for rows.Next() {
		var sum types.EmailSummary
		var labelsJSON string
		var isRead, isStarred int
		if err := rows.Scan(
			&sum.ID, &sum.AccountName, &sum.Folder, &sum.MessageID, &sum.Subject,
			&sum.SenderName, &sum.SenderEmail, &sum.DateSent, &sum.Snippet, &isRead, &isStarred, &labelsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan email summary: %w", err)
		}
		sum.IsRead = isRead != 0
		sum.IsStarred = isStarred != 0
		if labelsJSON != "" {
			_ = json.Unmarshal([]byte(labelsJSON), &sum.Labels)
		}
		results = append(results, &sum)
	}
	return results, rows.Err()
}

// escapeFTS escapes characters that would otherwise be interpreted by the
// FTS5 query syntax.
func escapeFTS(q string) string {
	q = strings.ReplaceAll(q, "\"", "\"\"")
	return "\"" + q + "\""
}

// Package syncsvc implements the Sync Service (C3): it translates a
// SyncOptions request into a server search plus a batched fetch, upserts
// each parsed message into the Mail Store, and fans out email_received
// events through the Dispatcher — grounded on the teacher's
// email.Manager sync path, generalized to the full SyncOptions surface
// spec.md §4.3 describes.
package syncsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mailkeeper/mailkeeper/internal/imapclient"
	"github.com/mailkeeper/mailkeeper/internal/store"
	"github.com/mailkeeper/mailkeeper/pkg/types"
)

const defaultSinceWindow = 30 * 24 * time.Hour

// EventSink receives each upserted email as an email_received event, and
// is how the Sync Service reaches the Dispatcher without importing it —
// avoiding the sync/dispatch cycle the design notes call out.
type EventSink func(email *types.Email)

// Service drives sync runs for one IMAP account against one Mail Store.
type Service struct {
	accountName string
	accountID   int
	store       *store.Store
	imap        *imapclient.Client
	logger      *logrus.Logger
	onReceived  EventSink
}

// New builds a Service bound to one account's store rows and IMAP
// connection. onReceived may be nil if no dispatcher is wired yet.
func New(accountName string, accountID int, st *store.Store, imap *imapclient.Client, logger *logrus.Logger, onReceived EventSink) *Service {
	return &Service{
		accountName: accountName,
		accountID:   accountID,
		store:       st,
		imap:        imap,
		logger:      logger,
		onReceived:  onReceived,
	}
}

// Run executes one sync pass per opts. ctx is plumbed into every IMAP
// round trip and store call this run makes; a caller cancellation (an
// HTTP client disconnect, a shutdown signal) aborts the run in place of
// letting it finish. When Folder is empty and ExcludeFolders is
// non-empty, it syncs every mailbox the account exposes except the named
// ones, accumulating counters across all of them; otherwise it syncs the
// single named (or default INBOX) folder. This resolves spec.md §9's
// open question on ExcludeFolders semantics.
func (s *Service) Run(ctx context.Context, opts types.SyncOptions) (*types.SyncResult, error) {
	if opts.Folder == "" && len(opts.ExcludeFolders) > 0 {
		return s.runAllFolders(ctx, opts)
	}
	return s.runFolder(ctx, opts)
}

func (s *Service) runAllFolders(ctx context.Context, opts types.SyncOptions) (*types.SyncResult, error) {
	folders, err := s.imap.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate folders: %w", err)
	}
	excluded := make(map[string]bool, len(opts.ExcludeFolders))
	for _, f := range opts.ExcludeFolders {
		excluded[f] = true
	}

	total := &types.SyncResult{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), SyncType: opts.SyncType}
	for _, f := range folders {
		if excluded[f.Path] {
			continue
		}
		sub := opts
		sub.Folder = f.Path
		res, err := s.runFolder(ctx, sub)
		if err != nil {
			return total, err
		}
		total.Synced += res.Synced
		total.Skipped += res.Skipped
		total.Errors += res.Errors
	}
	total.EndedAt = time.Now().UTC()
	return total, nil
}

// runFolder executes one sync pass against a single folder, returning
// accumulated counters. A connection failure (including ctx
// cancellation) aborts the run and is propagated; a single message
// failure increments Errors and the run continues.
func (s *Service) runFolder(ctx context.Context, opts types.SyncOptions) (*types.SyncResult, error) {
	result := &types.SyncResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		SyncType:  opts.SyncType,
	}
	defer func() {
		result.EndedAt = time.Now().UTC()
		if err := s.store.RecordSyncRun(context.Background(), s.accountID, *result); err != nil {
			s.logger.WithError(err).Warn("failed to record sync run")
		}
	}()

	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}

	criteria := toSearchCriteria(opts)
	uids, err := s.imap.Search(ctx, folder, criteria)
	if err != nil {
		return result, fmt.Errorf("failed to search folder %q: %w", folder, err)
	}

	limit := opts.Limit
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}
	if len(uids) == 0 {
		return result, nil
	}

	emails, fetchErrs, err := s.imap.FetchFull(ctx, folder, uids)
	if err != nil {
		return result, fmt.Errorf("failed to fetch messages: %w", err)
	}
	result.Errors += len(fetchErrs)
	for uid, ferr := range fetchErrs {
		s.logger.WithError(ferr).WithFields(logrus.Fields{"folder": folder, "uid": uid}).Warn("fetch failed, message skipped")
	}

	for _, email := range emails {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if email.MessageID == "" {
			result.Errors++
			s.logger.WithField("uid", email.UID).Warn("message has no Message-Id, skipped")
			continue
		}

		known, err := s.store.IsKnownMessageID(ctx, email.MessageID)
		if err != nil {
			result.Errors++
			s.logger.WithError(err).Warn("dedup check failed")
			continue
		}
		if known {
			result.Skipped++
			continue
		}

		if opts.HasAttachments != nil && *opts.HasAttachments != (len(email.Attachments) > 0) {
			result.Skipped++
			continue
		}

		email.AccountID = s.accountID
		email.AccountName = s.accountName
		email.Folder = folder

		if _, err := s.store.UpsertEmail(ctx, email, email.Attachments); err != nil {
			result.Errors++
			s.logger.WithError(err).WithField("message_id", email.MessageID).Warn("upsert failed")
			continue
		}
		result.Synced++

		if s.onReceived != nil {
			s.onReceived(email)
		}
	}

	return result, nil
}

// SyncNew runs an incremental sync using the store's max date_sent as the
// "since" cursor, per spec.md's syncNew().
func (s *Service) SyncNew(ctx context.Context, extra types.SyncOptions) (*types.SyncResult, error) {
	since, err := s.store.MaxDateSent(ctx, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute incremental cursor: %w", err)
	}
	opts := extra
	opts.Since = since
	opts.SyncType = types.SyncScheduled
	return s.Run(ctx, opts)
}

// OnIdleMail re-enters the sync service from an IDLE "mail" callback,
// widening the window to absorb timing skew and relying on message-id
// dedup for idempotence, per spec.md §4.3. It is not bound to any
// request, so it runs with its own background context rather than one
// handed down from an HTTP caller.
func (s *Service) OnIdleMail(folder string, n uint32) {
	since := time.Now().UTC().Add(-60 * time.Second)
	opts := types.SyncOptions{
		Folder:   folder,
		Since:    &since,
		Limit:    int(n) + 5,
		SyncType: types.SyncIdle,
	}
	if _, err := s.Run(context.Background(), opts); err != nil {
		s.logger.WithError(err).WithField("folder", folder).Error("idle-triggered sync failed")
	}
}

func toSearchCriteria(opts types.SyncOptions) types.SearchCriteria {
	since := opts.Since
	if since == nil {
		d := time.Now().UTC().Add(-defaultSinceWindow)
		since = &d
	}
	criteria := types.SearchCriteria{
		DateFrom: since,
		DateTo:   opts.Before,
		Query:    opts.Query,
		Subject:  opts.Subject,
	}
	if opts.From != "" {
		criteria.From = []string{opts.From}
	}
	if opts.To != "" {
		criteria.To = []string{opts.To}
	}
	if opts.UnreadOnly {
		t := true
		criteria.IsUnread = &t
	}
	if opts.StarredOnly {
		t := true
		criteria.IsStarred = &t
	}
	criteria.HasAttachments = opts.HasAttachments
	criteria.MinSize = opts.MinSize
	criteria.MaxSize = opts.MaxSize
	return criteria
}

package imapclient

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// maxMessageBytes caps how much of a single message body fetch.go will
// read off the wire; messages larger than this are reported via
// ErrMessageTooLarge instead of buffered whole into enmime.
const maxMessageBytes = 50 * 1024 * 1024

// defaultHeaderBatchSize and defaultFullBatchSize bound a single IMAP
// round-trip for header-only and full-body fetches, respectively; a
// caller-specified size (FetchHeaders/FetchFull's optional argument)
// overrides the default.
const (
	defaultHeaderBatchSize = 30
	defaultFullBatchSize   = 10
)

// FetchHeaders fetches envelope/flag metadata only (no body) for uids in
// folder, batched to keep any single IMAP round-trip bounded. Per-UID
// failures are isolated into the returned error map rather than aborting
// the whole batch. batchSize overrides defaultHeaderBatchSize if given.
func (c *Client) FetchHeaders(ctx context.Context, folder string, uids []uint32, batchSize ...int) ([]*types.Email, map[uint32]error, error) {
	return c.fetchBatched(ctx, folder, uids, resolveBatchSize(defaultHeaderBatchSize, batchSize), c.fetchHeaderBatch)
}

// FetchFull fetches the complete RFC 822 message for uids, parses it with
// enmime, and falls back to html2text when a message carries HTML but no
// plain-text part. Oversized messages are skipped with ErrMessageTooLarge
// recorded against their UID. batchSize overrides defaultFullBatchSize if
// given.
func (c *Client) FetchFull(ctx context.Context, folder string, uids []uint32, batchSize ...int) ([]*types.Email, map[uint32]error, error) {
	return c.fetchBatched(ctx, folder, uids, resolveBatchSize(defaultFullBatchSize, batchSize), c.fetchFullBatch)
}

func resolveBatchSize(def int, override []int) int {
	if len(override) > 0 && override[0] > 0 {
		return override[0]
	}
	return def
}

type fetchFn func(cl *client.Client, uids []uint32) ([]*types.Email, map[uint32]error, error)

func (c *Client) fetchBatched(ctx context.Context, folder string, uids []uint32, batchSize int, fn fetchFn) ([]*types.Email, map[uint32]error, error) {
	if len(uids) == 0 {
		return nil, nil, nil
	}
	if _, err := c.selectFolder(ctx, folder, false); err != nil {
		return nil, nil, err
	}

	var emails []*types.Email
	errs := make(map[uint32]error)

	err := c.withClient(ctx, func(cl *client.Client) error {
		for start := 0; start < len(uids); start += batchSize {
			end := start + batchSize
			if end > len(uids) {
				end = len(uids)
			}
			batch, batchErrs, err := fn(cl, uids[start:end])
			if err != nil {
				return err
			}
			for _, e := range batch {
				e.Folder = folder
			}
			emails = append(emails, batch...)
			for uid, e := range batchErrs {
				errs[uid] = e
			}
		}
		return nil
	})
	return emails, errs, err
}

func (c *Client) fetchHeaderBatch(cl *client.Client, uids []uint32) ([]*types.Email, map[uint32]error, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true, BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchRFC822Size, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- cl.UidFetch(seqset, items, messages) }()

	var emails []*types.Email
	errs := make(map[uint32]error)
	for msg := range messages {
		if msg == nil {
			continue
		}
		email, err := envelopeToEmail(msg)
		if err != nil {
			errs[msg.Uid] = err
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		return emails, errs, fmt.Errorf("failed to fetch headers: %w", err)
	}
	return emails, errs, nil
}

func (c *Client) fetchFullBatch(cl *client.Client, uids []uint32) ([]*types.Email, map[uint32]error, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchRFC822Size, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- cl.UidFetch(seqset, items, messages) }()

	var emails []*types.Email
	errs := make(map[uint32]error)
	for msg := range messages {
		if msg == nil {
			continue
		}
		email, err := fullBodyToEmail(msg, section)
		if err != nil {
			errs[msg.Uid] = err
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		return emails, errs, fmt.Errorf("failed to fetch full messages: %w", err)
	}
	return emails, errs, nil
}

// envelopeToEmail builds the header-only projection of an Email from an
// IMAP envelope and flags, with no body or attachments populated.
func envelopeToEmail(msg *imap.Message) (*types.Email, error) {
	if msg.Envelope == nil {
		return nil, fmt.Errorf("imapclient: message %d has no envelope", msg.Uid)
	}
	env := msg.Envelope
	email := &types.Email{
		UID:          msg.Uid,
		MessageID:    strings.TrimSpace(env.MessageId),
		InReplyTo:    strings.TrimSpace(env.InReplyTo),
		Subject:      env.Subject,
		DateSent:     env.Date,
		DateReceived: env.Date,
		SizeBytes:    int64(msg.Size),
	}
	if len(env.From) > 0 {
		email.SenderName = env.From[0].PersonalName
		email.SenderEmail = env.From[0].Address()
	}
	email.Recipients = append(email.Recipients, addressesToRecipients(types.RecipientTo, env.To)...)
	email.Recipients = append(email.Recipients, addressesToRecipients(types.RecipientCc, env.Cc)...)
	email.Recipients = append(email.Recipients, addressesToRecipients(types.RecipientBcc, env.Bcc)...)
	applyFlags(email, msg.Flags)
	return email, nil
}

// fullBodyToEmail parses the complete RFC 822 body, enforcing the size
// cap before handing the reader to enmime.
func fullBodyToEmail(msg *imap.Message, section *imap.BodySectionName) (*types.Email, error) {
	email, err := envelopeToEmail(msg)
	if err != nil {
		return nil, err
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("imapclient: message %d has no body literal", msg.Uid)
	}

	limited := io.LimitReader(literal, maxMessageBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if int64(len(raw)) > maxMessageBytes {
		return nil, ErrMessageTooLarge
	}

	env, err := enmime.ReadEnvelope(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse MIME message: %w", err)
	}

	if idx := strings.Index(string(raw), "\r\n\r\n"); idx >= 0 {
		email.RawHeaders = string(raw[:idx])
	}
	email.BodyText = env.Text
	email.BodyHTML = env.HTML
	if email.BodyText == "" && email.BodyHTML != "" {
		if text, convErr := html2text.FromString(email.BodyHTML, html2text.Options{PrettyTables: false}); convErr == nil {
			email.BodyText = text
		}
	}

	for _, a := range append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...) {
		email.Attachments = append(email.Attachments, types.Attachment{
			Filename:  a.FileName,
			MimeType:  a.ContentType,
			Size:      int64(len(a.Content)),
			ContentID: a.ContentID,
			Inline:    a.ContentID != "" && contains(env.Inlines, a),
			Extension: strings.ToLower(strings.TrimPrefix(filepath.Ext(a.FileName), ".")),
		})
	}
	email.AttachmentCount = len(email.Attachments)

	return email, nil
}

func contains(parts []*enmime.Part, target *enmime.Part) bool {
	for _, p := range parts {
		if p == target {
			return true
		}
	}
	return false
}

func addressesToRecipients(kind types.RecipientKind, addrs []*imap.Address) []types.Recipient {
	recipients := make([]types.Recipient, 0, len(addrs))
	for _, a := range addrs {
		addr := strings.ToLower(a.Address())
		domain := ""
		if idx := strings.LastIndex(addr, "@"); idx >= 0 {
			domain = addr[idx+1:]
		}
		recipients = append(recipients, types.Recipient{
			Kind:        kind,
			Address:     addr,
			DisplayName: a.PersonalName,
			Domain:      domain,
		})
	}
	return recipients
}

func applyFlags(email *types.Email, flags []string) {
	for _, f := range flags {
		switch f {
		case imap.SeenFlag:
			email.IsRead = true
		case imap.FlaggedFlag:
			email.IsStarred = true
		case imap.DraftFlag:
			email.IsDraft = true
		}
	}
}

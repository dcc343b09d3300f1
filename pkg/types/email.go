// Package types holds the data model shared across the mail store, IMAP
// client, sync service, and listener dispatcher.
package types

import "time"

// RecipientKind distinguishes how an address was addressed on a message.
type RecipientKind string

const (
	RecipientTo  RecipientKind = "to"
	RecipientCc  RecipientKind = "cc"
	RecipientBcc RecipientKind = "bcc"
)

// Recipient is a single addressed party on an Email, owned by the parent
// record (cascade-deleted with it).
type Recipient struct {
	Kind        RecipientKind `json:"kind"`
	Address     string        `json:"address"`
	DisplayName string        `json:"display_name,omitempty"`
	Domain      string        `json:"domain"`
}

// Attachment is a single MIME part owned by an Email.
type Attachment struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
	Inline      bool   `json:"inline"`
	Extension   string `json:"extension,omitempty"`
}

// Email is the local mirror of a single remote message, keyed by its
// globally unique RFC 5322 Message-Id.
type Email struct {
	ID          int64  `json:"id"`
	AccountID   int    `json:"account_id"`
	AccountName string `json:"account_name"`

	// UID is the server-assigned UID within Folder. Zero means absent
	// (e.g. a legacy row ingested before the account had UIDs recorded).
	UID    uint32 `json:"uid,omitempty"`
	Folder string `json:"folder"`

	MessageID  string   `json:"message_id"`
	ThreadID   string   `json:"thread_id,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	Subject     string `json:"subject"`
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`

	Recipients []Recipient `json:"recipients"`
	ToList     string      `json:"to_list"`
	CcList     string      `json:"cc_list"`
	BccList    string      `json:"bcc_list"`

	DateSent     time.Time `json:"date_sent"`
	DateReceived time.Time `json:"date_received"`

	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`
	Snippet  string `json:"snippet,omitempty"`

	IsRead      bool `json:"is_read"`
	IsStarred   bool `json:"is_starred"`
	IsImportant bool `json:"is_important"`
	IsDraft     bool `json:"is_draft"`
	IsSent      bool `json:"is_sent"`
	IsTrash     bool `json:"is_trash"`
	IsSpam      bool `json:"is_spam"`

	Labels []string `json:"labels,omitempty"`

	SizeBytes       int64 `json:"size_bytes"`
	AttachmentCount int   `json:"attachment_count"`

	RawHeaders string `json:"raw_headers,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailSummary is the lightweight projection returned by search/listing
// operations — no body, no attachments, no recipients.
type EmailSummary struct {
	ID          int64     `json:"id"`
	AccountName string    `json:"account_name"`
	Folder      string    `json:"folder"`
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	DateSent    time.Time `json:"date_sent"`
	Snippet     string    `json:"snippet"`
	IsRead      bool      `json:"is_read"`
	IsStarred   bool      `json:"is_starred"`
	Labels      []string  `json:"labels,omitempty"`
}

// EmailFlagUpdate carries the post-upsert local mutation fields honored by
// the store's single local write path, UpdateEmailFlags. Nil fields are
// left untouched.
type EmailFlagUpdate struct {
	IsRead      *bool
	IsStarred   *bool
	IsImportant *bool
	Labels      *[]string
	Folder      *string
}

// Folder mirrors one IMAP mailbox for one account.
type Folder struct {
	ID           int        `json:"id"`
	AccountID    int        `json:"account_id"`
	AccountName  string     `json:"account_name"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	MessageCount int        `json:"message_count"`
	LastSynced   *time.Time `json:"last_synced,omitempty"`
}

package store

// schema contains the SQL DDL for the mail store, adapted from the
// teacher's cache schema: accounts/folders stay, emails grows thread
// correlators, flags, labels and a size/attachment count, and gains
// dedicated recipients/attachments child tables plus a sync_metadata log.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    imap_username TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    message_count INTEGER DEFAULT 0,
    last_synced DATETIME,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    uid INTEGER,
    message_id TEXT NOT NULL UNIQUE,
    thread_id TEXT,
    in_reply_to TEXT,
    references_json TEXT,
    folder TEXT NOT NULL,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    to_list TEXT,
    cc_list TEXT,
    bcc_list TEXT,
    date_sent DATETIME,
    date_received DATETIME,
    body_text TEXT,
    body_html TEXT,
    snippet TEXT,
    is_read INTEGER DEFAULT 0,
    is_starred INTEGER DEFAULT 0,
    is_important INTEGER DEFAULT 0,
    is_draft INTEGER DEFAULT 0,
    is_sent INTEGER DEFAULT 0,
    is_trash INTEGER DEFAULT 0,
    is_spam INTEGER DEFAULT 0,
    labels_json TEXT DEFAULT '[]',
    size_bytes INTEGER DEFAULT 0,
    attachment_count INTEGER DEFAULT 0,
    raw_headers TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, folder, uid)
);

CREATE TABLE IF NOT EXISTS recipients (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    address TEXT NOT NULL,
    display_name TEXT,
    domain TEXT NOT NULL,
    FOREIGN KEY (email_id) REFERENCES emails(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email_id INTEGER NOT NULL,
    filename TEXT,
    mime_type TEXT,
    size INTEGER,
    content_id TEXT,
    inline INTEGER DEFAULT 0,
    extension TEXT,
    FOREIGN KEY (email_id) REFERENCES emails(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_metadata (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    account_id INTEGER,
    sync_type TEXT NOT NULL,
    synced INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    errors INTEGER DEFAULT 0,
    started_at DATETIME,
    ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_emails_account_id ON emails(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_date_sent ON emails(date_sent);
CREATE INDEX IF NOT EXISTS idx_emails_sender_email ON emails(sender_email);
CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_uid ON emails(uid);
CREATE INDEX IF NOT EXISTS idx_emails_is_read ON emails(is_read);
CREATE INDEX IF NOT EXISTS idx_emails_is_starred ON emails(is_starred);
CREATE INDEX IF NOT EXISTS idx_emails_folder ON emails(folder);
CREATE INDEX IF NOT EXISTS idx_emails_has_attachments ON emails(attachment_count);
CREATE INDEX IF NOT EXISTS idx_recipients_address ON recipients(address);
CREATE INDEX IF NOT EXISTS idx_recipients_domain ON recipients(domain);
CREATE INDEX IF NOT EXISTS idx_recipients_type ON recipients(kind);
CREATE INDEX IF NOT EXISTS idx_recipients_email_id ON recipients(email_id);
CREATE INDEX IF NOT EXISTS idx_attachments_email_id ON attachments(email_id);
CREATE INDEX IF NOT EXISTS idx_attachments_extension ON attachments(extension);
CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);

CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
    subject,
    sender_email,
    sender_name,
    body_text,
    recipients,
    attachment_names,
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS emails_fts_insert AFTER INSERT ON emails BEGIN
    INSERT INTO emails_fts(rowid, subject, sender_email, sender_name, body_text, recipients, attachment_names)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text,
            new.to_list || ' ' || new.cc_list || ' ' || new.bcc_list, '');
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_update AFTER UPDATE ON emails BEGIN
    UPDATE emails_fts SET
        subject = new.subject,
        sender_email = new.sender_email,
        sender_name = new.sender_name,
        body_text = new.body_text,
        recipients = new.to_list || ' ' || new.cc_list || ' ' || new.bcc_list
    WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_delete AFTER DELETE ON emails BEGIN
    DELETE FROM emails_fts WHERE rowid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS attachments_fts_sync AFTER INSERT ON attachments BEGIN
    UPDATE emails_fts SET attachment_names = (
        SELECT group_concat(filename, ' ') FROM attachments WHERE email_id = new.email_id
    ) WHERE rowid = new.email_id;
END;
`

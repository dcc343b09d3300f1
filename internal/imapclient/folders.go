package imapclient

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// ListFolders enumerates every mailbox visible to the account, grounded
// on the teacher's IMAPClient.ListFolders.
func (c *Client) ListFolders(ctx context.Context) ([]types.Folder, error) {
	var folders []types.Folder
	err := c.withClient(ctx, func(cl *client.Client) error {
		mailboxes := make(chan *imap.MailboxInfo, 16)
		done := make(chan error, 1)
		go func() { done <- cl.List("", "*", mailboxes) }()

		for m := range mailboxes {
			folders = append(folders, types.Folder{Name: m.Name, Path: m.Name})
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to list folders: %w", err)
		}
		return nil
	})
	return folders, err
}

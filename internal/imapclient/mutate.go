package imapclient

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap-move"
	"github.com/emersion/go-imap/client"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// gmailLabelFlagPrefix is the Gmail IMAP extension flag-store key used to add or
// remove a label without a full X-GM-LABELS FETCH/STORE round-trip. This
// is the fragile workaround noted in the design doc: Gmail exposes labels
// as IMAP flags prefixed here, which survives ordinary STORE but is not a
// substitute for the real X-GM-LABELS extension some servers require.
const gmailLabelFlagPrefix = "X-GM-LABELS:"

// MarkRead sets or clears the \Seen flag on uid within folder.
func (c *Client) MarkRead(ctx context.Context, folder string, uid uint32, read bool) error {
	flag := imap.SeenFlag
	return c.storeFlag(ctx, folder, uid, flag, read)
}

// SetStarred sets or clears the \Flagged flag on uid within folder.
func (c *Client) SetStarred(ctx context.Context, folder string, uid uint32, starred bool) error {
	return c.storeFlag(ctx, folder, uid, imap.FlaggedFlag, starred)
}

// storeFlag issues a single UID STORE to add or remove flag.
func (c *Client) storeFlag(ctx context.Context, folder string, uid uint32, flag string, set bool) error {
	if _, err := c.selectFolder(ctx, folder, true); err != nil {
		return err
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if !set {
		item = imap.FormatFlagsOp(imap.RemoveFlags, true)
	}
	return c.withClient(ctx, func(cl *client.Client) error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if err := cl.UidStore(seqset, item, []interface{}{flag}, nil); err != nil {
			return fmt.Errorf("failed to store flag %q on uid %d: %w", flag, uid, err)
		}
		return nil
	})
}

// AddLabel applies label to uid via Gmail's flag-encoded label workaround.
func (c *Client) AddLabel(ctx context.Context, folder string, uid uint32, label string) error {
	return c.storeFlag(ctx, folder, uid, gmailLabelFlagPrefix+label, true)
}

// RemoveLabel removes label from uid via the same workaround.
func (c *Client) RemoveLabel(ctx context.Context, folder string, uid uint32, label string) error {
	return c.storeFlag(ctx, folder, uid, gmailLabelFlagPrefix+label, false)
}

// Archive moves uid out of folder into destFolder using the MOVE
// extension when the server supports it, falling back to COPY+STORE
// \Deleted+EXPUNGE otherwise.
func (c *Client) Archive(ctx context.Context, folder, destFolder string, uid uint32) error {
	if _, err := c.selectFolder(ctx, folder, true); err != nil {
		return err
	}
	return c.withClient(ctx, func(cl *client.Client) error {
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)

		mv := move.NewClient(cl)
		if err := mv.UidMove(seqset, destFolder); err != nil {
			return c.fallbackMove(cl, seqset, destFolder, err)
		}
		return nil
	})
}

// fallbackMove is used when the server doesn't advertise the MOVE
// extension: COPY then mark \Deleted then EXPUNGE.
func (c *Client) fallbackMove(cl *client.Client, seqset *imap.SeqSet, destFolder string, moveErr error) error {
	if err := cl.UidCopy(seqset, destFolder); err != nil {
		return fmt.Errorf("failed to move message (MOVE unsupported: %v, COPY fallback failed): %w", moveErr, err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark message deleted after copy fallback: %w", err)
	}
	if err := cl.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge after copy fallback: %w", err)
	}
	return nil
}

// ApplyFlagUpdate pushes a local-origin flag change back to the server so
// remote state stays consistent with the store's UpdateEmailFlags write.
func (c *Client) ApplyFlagUpdate(ctx context.Context, folder string, uid uint32, update types.EmailFlagUpdate) error {
	if update.IsRead != nil {
		if err := c.MarkRead(ctx, folder, uid, *update.IsRead); err != nil {
			return err
		}
	}
	if update.IsStarred != nil {
		if err := c.SetStarred(ctx, folder, uid, *update.IsStarred); err != nil {
			return err
		}
	}
	return nil
}

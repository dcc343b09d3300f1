package imapclient

import (
	"context"
	"fmt"
	"net/textproto"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

// gmailRawKey is the Gmail IMAP extension used to pass a raw Gmail search
// query, bypassing the standard IMAP search grammar entirely.
const gmailRawKey = "X-GM-RAW"

// Search selects folder and translates criteria into a server-side
// search, returning matching UIDs. If criteria.GmailQuery is set, it is
// the sole search term, per spec: any other populated field is ignored.
func (c *Client) Search(ctx context.Context, folder string, criteria types.SearchCriteria) ([]uint32, error) {
	if _, err := c.selectFolder(ctx, folder, false); err != nil {
		return nil, err
	}

	sc := translateCriteria(criteria)

	var uids []uint32
	err := c.withClient(ctx, func(cl *client.Client) error {
		result, err := cl.UidSearch(sc)
		if err != nil {
			return fmt.Errorf("failed to search folder %q: %w", folder, err)
		}
		uids = result
		return nil
	})
	return uids, err
}

// translateCriteria builds the *imap.SearchCriteria the go-imap client
// expects. Gmail's raw-query extension bypasses everything else: X-GM-RAW
// is a header-style search key Gmail accepts verbatim in its own search
// grammar, smuggled through imap.SearchCriteria's Header field.
func translateCriteria(criteria types.SearchCriteria) *imap.SearchCriteria {
	sc := &imap.SearchCriteria{Header: make(textproto.MIMEHeader)}

	if criteria.GmailQuery != "" {
		sc.Header.Add(gmailRawKey, criteria.GmailQuery)
		return sc
	}

	if criteria.Query != "" {
		sc.Text = append(sc.Text, criteria.Query)
	}

	addHeaderOrGroup(sc, "From", criteria.From)
	addHeaderOrGroup(sc, "To", criteria.To)

	if criteria.Subject != "" {
		sc.Header.Add("Subject", criteria.Subject)
	}
	if criteria.DateFrom != nil {
		sc.SentSince = *criteria.DateFrom
	}
	if criteria.DateTo != nil {
		sc.SentBefore = *criteria.DateTo
	}
	if criteria.IsUnread != nil {
		if *criteria.IsUnread {
			sc.WithoutFlags = append(sc.WithoutFlags, imap.SeenFlag)
		} else {
			sc.WithFlags = append(sc.WithFlags, imap.SeenFlag)
		}
	}
	if criteria.IsStarred != nil {
		if *criteria.IsStarred {
			sc.WithFlags = append(sc.WithFlags, imap.FlaggedFlag)
		} else {
			sc.WithoutFlags = append(sc.WithoutFlags, imap.FlaggedFlag)
		}
	}
	if criteria.MinSize > 0 {
		sc.Larger = uint32(criteria.MinSize)
	}
	if criteria.MaxSize > 0 {
		sc.Smaller = uint32(criteria.MaxSize)
	}

	// An empty criteria object defaults to ALL, which is exactly what a
	// zero-value *imap.SearchCriteria already expresses.
	return sc
}

// addHeaderOrGroup ANDs a "header matches any of values" condition into sc,
// relying on go-imap's own AND semantics rather than a synthetic ALL arm.
// A single value is just another header search, which top-level criteria
// already AND together; multiple values chain via go-imap v1's two-way Or
// (the only shape its client API expresses), and the resulting pair is
// appended directly to sc.Or, which ANDs with every other criterion on sc.
func addHeaderOrGroup(sc *imap.SearchCriteria, header string, values []string) {
	if len(values) == 0 {
		return
	}
	if len(values) == 1 {
		sc.Header.Add(header, values[0])
		return
	}

	head := &imap.SearchCriteria{Header: make(textproto.MIMEHeader)}
	head.Header.Add(header, values[0])
	for _, v := range values[1:] {
		next := &imap.SearchCriteria{Header: make(textproto.MIMEHeader)}
		next.Header.Add(header, v)
		combined := &imap.SearchCriteria{}
		combined.Or = append(combined.Or, [2]*imap.SearchCriteria{head, next})
		head = combined
	}
	sc.Or = append(sc.Or, head.Or...)
}

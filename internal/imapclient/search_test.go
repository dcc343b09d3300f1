package imapclient

import (
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkeeper/mailkeeper/pkg/types"
)

func TestTranslateCriteriaSingleFromIsPlainHeaderMatch(t *testing.T) {
	sc := translateCriteria(types.SearchCriteria{From: []string{"boss@company.com"}, Subject: "hi"})

	assert.Empty(t, sc.Or, "a single From value should AND in directly, not via an Or arm")
	assert.Equal(t, "boss@company.com", sc.Header.Get("From"))
	assert.Equal(t, "hi", sc.Header.Get("Subject"))
}

func TestTranslateCriteriaMultiFromOrsWithoutAlwaysTrueArm(t *testing.T) {
	sc := translateCriteria(types.SearchCriteria{From: []string{"a@x.com", "b@x.com"}, Subject: "hi"})

	require.Len(t, sc.Or, 1)
	pair := sc.Or[0]
	for _, arm := range pair {
		require.NotNil(t, arm)
		assert.NotEqual(t, &imap.SearchCriteria{}, arm, "neither Or arm should be the always-true ALL criterion")
	}
	// Subject must still be ANDed in at the top level alongside the From group.
	assert.Equal(t, "hi", sc.Header.Get("Subject"))
}

func TestTranslateCriteriaFromAndToBothAndIn(t *testing.T) {
	sc := translateCriteria(types.SearchCriteria{
		From: []string{"a@x.com", "b@x.com"},
		To:   []string{"c@x.com", "d@x.com"},
	})

	require.Len(t, sc.Or, 2, "From and To each contribute their own Or arm, both ANDed together")
}

func TestTranslateCriteriaQueryMapsToTextSearch(t *testing.T) {
	sc := translateCriteria(types.SearchCriteria{Query: "invoice"})

	assert.Equal(t, []string{"invoice"}, sc.Text)
}

func TestTranslateCriteriaGmailQueryIsAuthoritative(t *testing.T) {
	sc := translateCriteria(types.SearchCriteria{GmailQuery: "label:important", Query: "ignored", Subject: "ignored"})

	assert.Equal(t, "label:important", sc.Header.Get(gmailRawKey))
	assert.Empty(t, sc.Text)
	assert.Empty(t, sc.Header.Get("Subject"))
}

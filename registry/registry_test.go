package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/clock"
	"github.com/synckit/synckit/crdt"
)

func newTestRegistry() *Registry {
	issuer := clock.NewIssuer(clock.NewClientID(), nil)
	return New(issuer)
}

func TestOpenCreatesAndRefcounts(t *testing.T) {
	r := newTestRegistry()

	doc, err := r.Open("doc-1", crdt.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, 1, r.RefCount("doc-1"))

	doc2, err := r.Open("doc-1", crdt.KindDocument)
	require.NoError(t, err)
	assert.Same(t, doc, doc2)
	assert.Equal(t, 2, r.RefCount("doc-1"))
}

func TestOpenRejectsKindMismatch(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Open("doc-1", crdt.KindDocument)
	require.NoError(t, err)

	_, err = r.Open("doc-1", crdt.KindCounter)
	assert.Error(t, err)
}

func TestCloseReportsLastSubscriber(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Open("doc-1", crdt.KindSet)
	require.NoError(t, err)
	_, err = r.Open("doc-1", crdt.KindSet)
	require.NoError(t, err)

	assert.False(t, r.Close("doc-1"))
	assert.True(t, r.Close("doc-1"))

	_, stillThere := r.Lookup("doc-1")
	assert.True(t, stillThere, "document remains registered until explicitly Evicted")
}

func TestRichTextExposesUnderlyingText(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Open("rt-1", crdt.KindRichText)
	require.NoError(t, err)

	text, ok := r.UnderlyingText("rt-1")
	require.True(t, ok)
	assert.Equal(t, 0, text.Len())
}

func TestEvictRemovesDocument(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Open("doc-1", crdt.KindDocument)
	require.NoError(t, err)
	r.Evict("doc-1")
	_, ok := r.Lookup("doc-1")
	assert.False(t, ok)
}

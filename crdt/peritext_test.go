package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckit/synckit/clock"
)

func TestPeritextFormatAppliesToRange(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "hello world")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	_, err = rich.Format(0, 5, "bold", true, After)
	require.NoError(t, err)

	attrs := rich.AttributesAt(2)
	require.NotNil(t, attrs)
	assert.JSONEq(t, "true", string(attrs["bold"]))

	attrs = rich.AttributesAt(6)
	assert.Nil(t, attrs)
}

func TestPeritextRangesCoalesceRuns(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "hello world")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	_, err = rich.Format(0, 5, "bold", true, Before)
	require.NoError(t, err)

	ranges := rich.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "hello", ranges[0].Text)
	assert.JSONEq(t, "true", string(ranges[0].Attributes["bold"]))
	assert.Equal(t, " world", ranges[1].Text)
	assert.Nil(t, ranges[1].Attributes)
}

func TestPeritextEndBoundaryAfterInheritsOnInsertAtEdge(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "abc")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	_, err = rich.Format(0, 2, "bold", true, After) // covers "ab", end anchored after 'b'
	require.NoError(t, err)

	// Typing immediately after 'b' (still before 'c') inherits bold.
	_, err = text.Insert(2, "X")
	require.NoError(t, err)
	assert.Equal(t, "abXc", text.Text())

	idx := -1
	for i, id := range text.VisibleSequence() {
		content, _ := text.ItemContent(id)
		if content == "X" {
			idx = i
		}
	}
	require.NotEqual(t, -1, idx)
	attrs := rich.AttributesAt(idx)
	require.NotNil(t, attrs)
	assert.JSONEq(t, "true", string(attrs["bold"]))
}

func TestPeritextEndBoundaryBeforeExcludesInsertAtEdge(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "abc")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	_, err = rich.Format(0, 2, "bold", true, Before) // covers "ab", end anchored before-style
	require.NoError(t, err)

	_, err = text.Insert(2, "X")
	require.NoError(t, err)
	assert.Equal(t, "abXc", text.Text())

	idx := -1
	for i, id := range text.VisibleSequence() {
		content, _ := text.ItemContent(id)
		if content == "X" {
			idx = i
		}
	}
	require.NotEqual(t, -1, idx)
	attrs := rich.AttributesAt(idx)
	assert.Nil(t, attrs)
}

func TestPeritextUnformatTombstonesSpan(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "hello")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	delta, err := rich.Format(0, 5, "bold", true, After)
	require.NoError(t, err)

	var payload FormatPayload
	require.NoError(t, json.Unmarshal(delta.Payload, &payload))

	_, err = rich.Unformat(payload.Span.ID)
	require.NoError(t, err)

	assert.Nil(t, rich.AttributesAt(0))
}

func TestPeritextSnapshotRoundTrip(t *testing.T) {
	issuer := newTestIssuer(clock.NewClientID(), nil)
	text := NewFugueText("doc-1", issuer)
	_, err := text.Insert(0, "hello")
	require.NoError(t, err)

	rich := NewPeritext("doc-1", issuer, text)
	_, err = rich.Format(0, 5, "bold", true, After)
	require.NoError(t, err)

	snap, err := rich.Snapshot()
	require.NoError(t, err)

	restored := NewPeritext("doc-1", issuer, text)
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, rich.AttributesAt(0), restored.AttributesAt(0))
}

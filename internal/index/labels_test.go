package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func label(src, val string, neg bool, offset time.Duration) Label {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Label{Src: src, Subject: "at://did:plc:x/app.bsky.feed.post/3", Val: val, Neg: neg, CreatedAt: base.Add(offset)}
}

func TestReplayLabels_NegationThenReassert(t *testing.T) {
	// assert → negate → re-assert leaves the pair effective.
	out := ReplayLabels([]Label{
		label("did:plc:s", "spam", false, 0),
		label("did:plc:s", "spam", true, time.Second),
		label("did:plc:s", "spam", false, 2*time.Second),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "spam", out[0].Val)
	assert.Equal(t, "did:plc:s", out[0].Src)
}

func TestReplayLabels_NegationRemovesOnlyMatchingSource(t *testing.T) {
	out := ReplayLabels([]Label{
		label("did:plc:a", "spam", false, 0),
		label("did:plc:b", "spam", false, time.Second),
		label("did:plc:a", "spam", true, 2*time.Second),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "did:plc:b", out[0].Src)
}

func TestReplayLabels_TrailingNegationWins(t *testing.T) {
	out := ReplayLabels([]Label{
		label("did:plc:s", "spam", false, 0),
		label("did:plc:s", "spam", true, time.Second),
	})
	assert.Empty(t, out)
}

func TestReplayLabels_NonNegationPermutationInvariant(t *testing.T) {
	// With distinct monotone timestamps and no negations, any permutation of
	// assertions yields the same effective set.
	a := label("did:plc:s", "spam", false, 0)
	b := label("did:plc:s", "rude", false, time.Second)
	c := label("did:plc:t", "spam", false, 2*time.Second)

	vals := func(ls []Label) map[[2]string]bool {
		m := make(map[[2]string]bool)
		for _, l := range ls {
			m[[2]string{l.Src, l.Val}] = true
		}
		return m
	}

	want := vals(ReplayLabels([]Label{a, b, c}))
	for _, perm := range [][]Label{{a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a}} {
		assert.Equal(t, want, vals(ReplayLabels(perm)))
	}
}

func TestReplayLabels_Empty(t *testing.T) {
	assert.Empty(t, ReplayLabels(nil))
}

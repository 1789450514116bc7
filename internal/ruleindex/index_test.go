package ruleindex

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktmask/internal/core"
)

var id, fwd = core.DeriveStream(netip.MustParseAddrPort("10.0.0.1:51000"), netip.MustParseAddrPort("10.0.0.2:443"))

func rule(s, e int64, p core.Policy) core.KeepRule {
	return core.KeepRule{Stream: id, Dir: fwd, Start: s, End: e, Policy: p}
}

func build(t *testing.T, rules ...core.KeepRule) *Ranges {
	t.Helper()
	ix, err := Build(rules)
	require.NoError(t, err)
	r, ok := ix.Lookup(id, fwd)
	require.True(t, ok)
	return r
}

func TestBuildSeparatesCategories(t *testing.T) {
	r := build(t,
		rule(1000, 1300, core.FullPreserve()),
		rule(1300, 2300, core.HeaderOnly(5)),
	)
	assert.Equal(t, []Range{{1000, 1300}}, r.Full)
	assert.Equal(t, []HeaderRange{{Start: 1300, End: 2300, KeepEnd: 1305}}, r.Header)
	assert.Equal(t, int64(1000), r.Anchor())
}

func TestHeaderOnlyNeverInFullRanges(t *testing.T) {
	r := build(t,
		rule(0, 100, core.HeaderOnly(5)),
		rule(100, 200, core.HeaderOnly(5)),
		rule(200, 300, core.HeaderOnly(100)),
	)
	assert.Empty(t, r.Full)
	assert.Equal(t, []HeaderRange{
		{Start: 0, End: 100, KeepEnd: 5},
		{Start: 100, End: 200, KeepEnd: 105},
		{Start: 200, End: 300, KeepEnd: 300},
	}, r.Header)
}

func TestMostPreservingWins(t *testing.T) {
	tests := []struct {
		name       string
		rules      []core.KeepRule
		wantFull   []Range
		wantHeader []HeaderRange
	}{
		{
			name:     "full over masked",
			rules:    []core.KeepRule{rule(0, 100, core.Masked()), rule(20, 40, core.FullPreserve())},
			wantFull: []Range{{20, 40}},
		},
		{
			name:       "full over header",
			rules:      []core.KeepRule{rule(0, 100, core.HeaderOnly(10)), rule(0, 50, core.FullPreserve())},
			wantFull:   []Range{{0, 50}},
			wantHeader: []HeaderRange{{Start: 50, End: 100, KeepEnd: 50}},
		},
		{
			name:       "full splits header",
			rules:      []core.KeepRule{rule(0, 100, core.HeaderOnly(10)), rule(5, 7, core.FullPreserve())},
			wantFull:   []Range{{5, 7}},
			wantHeader: []HeaderRange{{Start: 0, End: 5, KeepEnd: 5}, {Start: 7, End: 100, KeepEnd: 10}},
		},
		{
			name:       "header keep over header masked",
			rules:      []core.KeepRule{rule(0, 100, core.HeaderOnly(5)), rule(50, 100, core.HeaderOnly(10))},
			wantHeader: []HeaderRange{{Start: 0, End: 50, KeepEnd: 5}, {Start: 50, End: 100, KeepEnd: 60}},
		},
		{
			name:       "header over masked",
			rules:      []core.KeepRule{rule(0, 100, core.Masked()), rule(0, 100, core.HeaderOnly(5))},
			wantHeader: []HeaderRange{{Start: 0, End: 100, KeepEnd: 5}},
		},
		{
			name:     "adjacent full ranges merge",
			rules:    []core.KeepRule{rule(0, 10, core.FullPreserve()), rule(10, 20, core.FullPreserve()), rule(15, 30, core.FullPreserve())},
			wantFull: []Range{{0, 30}},
		},
		{
			name:     "order independent",
			rules:    []core.KeepRule{rule(20, 40, core.FullPreserve()), rule(0, 100, core.Masked())},
			wantFull: []Range{{20, 40}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := build(t, tt.rules...)
			assert.Equal(t, tt.wantFull, r.Full)
			assert.Equal(t, tt.wantHeader, r.Header)
		})
	}
}

func TestHeaderPiecesSplitBySegmentsMerge(t *testing.T) {
	// One record's header split across two segments.
	r := build(t,
		rule(1300, 1302, core.HeaderOnly(2)),
		rule(1302, 2300, core.HeaderOnly(3)),
	)
	assert.Equal(t, []HeaderRange{{Start: 1300, End: 2300, KeepEnd: 1305}}, r.Header)
}

func TestMaskedOnlyStreamIsTracked(t *testing.T) {
	ix, err := Build([]core.KeepRule{rule(0, 100, core.Masked())})
	require.NoError(t, err)
	assert.True(t, ix.HasStream(id, fwd))
	assert.False(t, ix.HasStream(id, fwd.Opposite()))

	r, _ := ix.Lookup(id, fwd)
	assert.Empty(t, r.Full)
	assert.Empty(t, r.Header)
}

func TestOverlappingQueries(t *testing.T) {
	r := build(t,
		rule(0, 10, core.FullPreserve()),
		rule(20, 30, core.FullPreserve()),
		rule(40, 50, core.FullPreserve()),
		rule(60, 100, core.HeaderOnly(5)),
	)

	assert.Equal(t, []Range{{20, 30}}, r.FullOverlapping(15, 35))
	assert.Equal(t, []Range{{0, 10}, {20, 30}}, r.FullOverlapping(5, 21))
	assert.Nil(t, r.FullOverlapping(10, 20), "end-exclusive ranges do not touch")
	assert.Nil(t, r.FullOverlapping(100, 200))
	assert.Len(t, r.HeaderOverlapping(99, 100), 1)
	assert.Nil(t, r.HeaderOverlapping(0, 60))
}

func TestKept(t *testing.T) {
	assert.Equal(t, Range{10, 15}, HeaderRange{Start: 10, End: 20, KeepEnd: 15}.Kept())
	assert.Equal(t, Range{10, 20}, HeaderRange{Start: 10, End: 20, KeepEnd: 25}.Kept())
	assert.Equal(t, Range{10, 10}, HeaderRange{Start: 10, End: 20, KeepEnd: 10}.Kept())
}

func TestBuildRejectsInvalidRules(t *testing.T) {
	for _, r := range []core.KeepRule{
		rule(10, 10, core.FullPreserve()),
		rule(10, 5, core.Masked()),
		rule(0, 10, core.Policy{Kind: core.PolicyHeaderOnly, HeaderBytes: -1}),
	} {
		_, err := Build([]core.KeepRule{r})
		if !errors.Is(err, core.ErrRuleInconsistency) {
			t.Errorf("rule %+v: expected ErrRuleInconsistency, got %v", r, err)
		}
	}
}

func TestIndexStatsAndHalves(t *testing.T) {
	rules := []core.KeepRule{
		rule(0, 10, core.FullPreserve()),
		{Stream: id, Dir: fwd.Opposite(), Start: 0, End: 10, Policy: core.HeaderOnly(5)},
	}
	ix, err := Build(rules)
	require.NoError(t, err)

	assert.Equal(t, Stats{Rules: 2, Halves: 2, FullRanges: 1, HeaderRanges: 1}, ix.Stats())
	halves := ix.Halves()
	require.Len(t, halves, 2)
	assert.Equal(t, core.Forward, halves[0].Dir)
	assert.Equal(t, 0, Empty().Stats().Halves)
}

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardops/internal/cluster"
)

var threeShards = []string{"rs0", "rs1", "rs2"}

// TestBuildThirtyKeys tests the canonical 1..30 over three shards plan
func TestBuildThirtyKeys(t *testing.T) {
	plan, err := Build(Request{
		Range:      cluster.KeyRange{Low: 1, High: 30},
		ShardCount: 3,
		Shards:     threeShards,
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20}, plan.Splits)
	assert.Equal(t, []cluster.Placement{
		{Range: cluster.KeyRange{Low: 1, High: 10}, Representative: 5, Shard: "rs0"},
		{Range: cluster.KeyRange{Low: 11, High: 20}, Representative: 15, Shard: "rs1"},
		{Range: cluster.KeyRange{Low: 21, High: 30}, Representative: 25, Shard: "rs2"},
	}, plan.Placements)
	assert.Equal(t, uint64(30), plan.Keys())
}

// TestBuildCoverage checks that every plan has N-1 strictly increasing
// splits and N placements covering the range without gaps or overlaps
func TestBuildCoverage(t *testing.T) {
	ranges := []cluster.KeyRange{
		{Low: 1, High: 30},
		{Low: -100, High: 100},
		{Low: 0, High: 6},
		{Low: 7, High: 7},
		{Low: cluster.MinKey, High: cluster.MaxKey},
		{Low: cluster.MaxKey - 9, High: cluster.MaxKey},
		{Low: cluster.MinKey, High: 0},
	}

	for _, r := range ranges {
		for n := 1; n <= 12; n++ {
			plan, err := Build(Request{Range: r, ShardCount: n, Shards: threeShards})
			if r.Low == r.High && n > 1 {
				assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
				continue
			}
			if r.Low == 0 && r.High == 6 && n > 7 {
				assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
				continue
			}
			if r.Low == cluster.MaxKey-9 && n > 10 {
				assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
				continue
			}
			require.NoError(t, err, "range %s n=%d", r, n)

			require.Len(t, plan.Splits, n-1)
			require.Len(t, plan.Placements, n)
			for i := 1; i < len(plan.Splits); i++ {
				assert.Less(t, plan.Splits[i-1], plan.Splits[i])
			}

			assert.Equal(t, r.Low, plan.Placements[0].Range.Low)
			assert.Equal(t, r.High, plan.Placements[n-1].Range.High)
			for i, pl := range plan.Placements {
				assert.True(t, pl.Range.Valid(), "placement %d of %s", i, r)
				assert.True(t, pl.Range.Contains(pl.Representative))
				if i > 0 {
					assert.Equal(t, plan.Placements[i-1].Range.High+1, pl.Range.Low, "gap or overlap at %d", i)
					assert.Equal(t, plan.Splits[i-1], plan.Placements[i-1].Range.High)
				}
				assert.Equal(t, threeShards[i%3], pl.Shard)
			}
		}
	}
}

func TestBuildSingleRange(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		plan, err := Build(Request{Range: cluster.KeyRange{Low: 1, High: 30}, ShardCount: n, Shards: []string{"rs1", "rs0"}})
		require.NoError(t, err)
		assert.Empty(t, plan.Splits)
		require.Len(t, plan.Placements, 1)
		assert.Equal(t, cluster.KeyRange{Low: 1, High: 30}, plan.Placements[0].Range)
		assert.Equal(t, "rs1", plan.Placements[0].Shard)
	}
}

func TestBuildExplicitAssignment(t *testing.T) {
	plan, err := Build(Request{
		Range:      cluster.KeyRange{Low: 1, High: 30},
		ShardCount: 3,
		Shards:     threeShards,
		Assignment: []string{"rs2", "rs2", "rs0"},
	})
	require.NoError(t, err)
	assert.Equal(t, "rs2", plan.Placements[0].Shard)
	assert.Equal(t, "rs2", plan.Placements[1].Shard)
	assert.Equal(t, "rs0", plan.Placements[2].Shard)

	groups := plan.ByShard()
	assert.Len(t, groups["rs2"], 2)
	assert.Len(t, groups["rs0"], 1)
	assert.Empty(t, groups["rs1"])
}

func TestBuildErrors(t *testing.T) {
	base := Request{Range: cluster.KeyRange{Low: 1, High: 30}, ShardCount: 3, Shards: threeShards}

	tests := []struct {
		name   string
		mutate func(r *Request)
		want   error
	}{
		{"no shards", func(r *Request) { r.Shards = nil }, cluster.ErrInvalidConfig},
		{"inverted range", func(r *Request) { r.Range = cluster.KeyRange{Low: 5, High: 1} }, cluster.ErrInvalidConfig},
		{"too many ranges", func(r *Request) { r.ShardCount = 31 }, cluster.ErrInvalidConfig},
		{"unknown strategy", func(r *Request) { r.Strategy = "hashed" }, cluster.ErrInvalidConfig},
		{"short assignment", func(r *Request) { r.Assignment = []string{"rs0"} }, cluster.ErrInvalidConfig},
		{"unknown assignment", func(r *Request) { r.Assignment = []string{"rs0", "rs1", "rs9"} }, cluster.ErrUnknownShard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := Build(req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestDeterminism verifies identical requests produce identical plans
func TestDeterminism(t *testing.T) {
	req := Request{Range: cluster.KeyRange{Low: -1000, High: 123456}, ShardCount: 7, Shards: threeShards}
	a, err := Build(req)
	require.NoError(t, err)
	b, err := Build(req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	req.Shards = []string{"rs2", "rs1", "rs0"}
	c, err := Build(req)
	require.NoError(t, err)
	assert.Equal(t, a.Splits, c.Splits)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestPlacementFor(t *testing.T) {
	plan, err := Build(Request{Range: cluster.KeyRange{Low: 1, High: 30}, ShardCount: 3, Shards: threeShards})
	require.NoError(t, err)

	pl, ok := plan.PlacementFor(20)
	require.True(t, ok)
	assert.Equal(t, "rs1", pl.Shard)
	_, ok = plan.PlacementFor(31)
	assert.False(t, ok)
	assert.Equal(t, "[1, 10]->rs0 [11, 20]->rs1 [21, 30]->rs2", plan.String())
}

func TestSeedDocuments(t *testing.T) {
	plan, err := Build(Request{Range: cluster.KeyRange{Low: 1, High: 30}, ShardCount: 3, Shards: threeShards})
	require.NoError(t, err)

	docs, err := SeedDocuments(plan, "shardKey", map[string]any{"source": "bootstrap"})
	require.NoError(t, err)
	require.Len(t, docs, 30)

	first := docs[0]
	assert.Equal(t, int64(1), first["shardKey"])
	assert.Equal(t, int64(1), first[cluster.FieldOrdinal])
	assert.Equal(t, "seed-1", first[cluster.FieldID])
	assert.Equal(t, "Document 1", first["value"])
	assert.Equal(t, "bootstrap", first["source"])
	assert.Equal(t, "Document 30", docs[29]["value"])

	docs, err = SeedDocuments(plan, "shardKey", map[string]any{"value": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", docs[3]["value"])

	for _, field := range []string{"", cluster.FieldOrdinal, "value"} {
		_, err = SeedDocuments(plan, field, nil)
		assert.ErrorIs(t, err, cluster.ErrInvalidConfig, field)
	}

	huge, err := Build(Request{Range: cluster.FullRange, ShardCount: 3, Shards: threeShards})
	require.NoError(t, err)
	_, err = SeedDocuments(huge, "shardKey", nil)
	assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
}

func TestSeedDocumentsKeyedOnID(t *testing.T) {
	plan, err := Build(Request{Range: cluster.KeyRange{Low: 101, High: 130}, ShardCount: 3, Shards: threeShards})
	require.NoError(t, err)

	docs, err := SeedDocuments(plan, cluster.FieldID, map[string]any{cluster.FieldID: "template"})
	require.NoError(t, err)
	require.Len(t, docs, 30)
	for i, doc := range docs {
		key, err := doc.Int64(cluster.FieldID)
		require.NoError(t, err)
		assert.Equal(t, int64(101+i), key)
		assert.Equal(t, int64(i+1), doc[cluster.FieldOrdinal])
	}
}

package planner

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/shardops/internal/cluster"
)

// Strategy selects how the key range is divided.
type Strategy string

const (
	// EqualWidth divides the range into sub-ranges whose sizes differ by at
	// most one key.
	EqualWidth Strategy = "equal-width"
)

// MaxSeedDocuments bounds SeedDocuments.
const MaxSeedDocuments = 1 << 20

// Request describes the desired partitioning.
type Request struct {
	Range      cluster.KeyRange // inclusive key range to partition
	ShardCount int              // number of sub-ranges N
	Shards     []string         // shard identifiers for round-robin placement
	Strategy   Strategy         // empty means EqualWidth
	Assignment []string         // optional explicit shard per sub-range
}

// Plan is the deterministic result of Build. Splits[i] is the last key of
// Placements[i].
type Plan struct {
	Range      cluster.KeyRange    `json:"range"`
	Splits     []int64             `json:"splits"`
	Placements []cluster.Placement `json:"placements"`
}

// Build computes split points and placements for req. Identical requests
// always yield identical plans.
func Build(req Request) (Plan, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = EqualWidth
	}
	if strategy != EqualWidth {
		return Plan{}, fmt.Errorf("%w: unknown strategy %q", cluster.ErrInvalidConfig, req.Strategy)
	}
	if len(req.Shards) == 0 {
		return Plan{}, fmt.Errorf("%w: no shards to place ranges on", cluster.ErrInvalidConfig)
	}
	if !req.Range.Valid() {
		return Plan{}, fmt.Errorf("%w: range %s is empty", cluster.ErrInvalidConfig, req.Range)
	}

	n := req.ShardCount
	if n < 1 {
		n = 1
	}
	if len(req.Assignment) > 0 && len(req.Assignment) != n {
		return Plan{}, fmt.Errorf("%w: %d explicit assignments for %d ranges", cluster.ErrInvalidConfig, len(req.Assignment), n)
	}
	for _, s := range req.Assignment {
		if !contains(req.Shards, s) {
			return Plan{}, fmt.Errorf("assignment to %q: %w", s, cluster.ErrUnknownShard)
		}
	}

	// total = High-Low+1 as a 65-bit value: totalHi is 1 only for the full
	// int64 key space.
	totalLo := uint64(req.Range.High) - uint64(req.Range.Low) + 1
	totalHi := uint64(0)
	if totalLo == 0 {
		totalHi = 1
	}
	if totalHi == 0 && uint64(n) > totalLo {
		return Plan{}, fmt.Errorf("%w: %d ranges requested over %d keys", cluster.ErrInvalidConfig, n, totalLo)
	}

	// offset(i) = floor(i*total/N), the distance of range i's low bound from
	// Range.Low.
	offset := func(i int) uint64 {
		hi, lo := bits.Mul64(uint64(i), totalLo)
		hi += uint64(i) * totalHi
		q, _ := bits.Div64(hi, lo, uint64(n))
		return q
	}

	plan := Plan{Range: req.Range}
	low := uint64(req.Range.Low)
	for i := 0; i < n; i++ {
		lo := int64(low + offset(i))
		hi := req.Range.High
		if i < n-1 {
			hi = int64(low + offset(i+1) - 1)
			plan.Splits = append(plan.Splits, hi)
		}
		r := cluster.KeyRange{Low: lo, High: hi}
		plan.Placements = append(plan.Placements, cluster.Placement{
			Range:          r,
			Representative: midpoint(r),
			Shard:          shardFor(req, i),
		})
	}
	return plan, nil
}

func shardFor(req Request, i int) string {
	if len(req.Assignment) > 0 {
		return req.Assignment[i]
	}
	return req.Shards[i%len(req.Shards)]
}

func midpoint(r cluster.KeyRange) int64 {
	return int64(uint64(r.Low) + (uint64(r.High)-uint64(r.Low))/2)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Fingerprint identifies the plan. Two plans with the same range, splits and
// destinations share a fingerprint.
func (p Plan) Fingerprint() string {
	d := xxhash.New()
	var buf [8]byte
	put := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	put(p.Range.Low)
	put(p.Range.High)
	for _, s := range p.Splits {
		put(s)
	}
	for _, pl := range p.Placements {
		_, _ = d.WriteString(pl.Shard)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// PlacementFor returns the placement whose range holds key.
func (p Plan) PlacementFor(key int64) (cluster.Placement, bool) {
	for _, pl := range p.Placements {
		if pl.Range.Contains(key) {
			return pl, true
		}
	}
	return cluster.Placement{}, false
}

// ByShard groups placements by destination shard, keeping plan order within
// each group.
func (p Plan) ByShard() map[string][]cluster.Placement {
	out := make(map[string][]cluster.Placement)
	for _, pl := range p.Placements {
		out[pl.Shard] = append(out[pl.Shard], pl)
	}
	return out
}

// Keys returns the number of keys in the plan's range, saturating at
// math.MaxUint64.
func (p Plan) Keys() uint64 {
	n := uint64(p.Range.High) - uint64(p.Range.Low) + 1
	if n == 0 {
		n--
	}
	return n
}

func (p Plan) String() string {
	parts := make([]string, 0, len(p.Placements))
	for _, pl := range p.Placements {
		parts = append(parts, fmt.Sprintf("%s->%s", pl.Range, pl.Shard))
	}
	return strings.Join(parts, " ")
}

// CheckPartitionKey rejects partition key fields that seeding cannot use:
// the empty name and the generated ordinal and value fields.
func CheckPartitionKey(field string) error {
	switch field {
	case "":
		return fmt.Errorf("%w: empty partition key", cluster.ErrInvalidConfig)
	case cluster.FieldOrdinal, "value":
		return fmt.Errorf("%w: partition key %q collides with a seeded field", cluster.ErrInvalidConfig, field)
	}
	return nil
}

// SeedDocuments builds one document per key of the plan's range. Each carries
// the template fields, an ordinal counting from 1, a "value" of
// "Document <key>" unless the template sets one and keyField set to the key.
// The _id is derived from the ordinal, or is the key itself when keyField is
// _id. keyField may not be one of the other generated fields.
func SeedDocuments(p Plan, keyField string, template map[string]any) ([]cluster.Document, error) {
	if err := CheckPartitionKey(keyField); err != nil {
		return nil, err
	}
	if p.Keys() > MaxSeedDocuments {
		return nil, fmt.Errorf("%w: range %s holds more than %d keys to seed", cluster.ErrInvalidConfig, p.Range, MaxSeedDocuments)
	}

	docs := make([]cluster.Document, 0, p.Keys())
	for key, ordinal := p.Range.Low, int64(1); ; key, ordinal = key+1, ordinal+1 {
		doc := make(cluster.Document, len(template)+4)
		for k, v := range template {
			doc[k] = v
		}
		if _, ok := doc["value"]; !ok {
			doc["value"] = fmt.Sprintf("Document %d", key)
		}
		doc[cluster.FieldOrdinal] = ordinal
		doc[cluster.FieldID] = fmt.Sprintf("seed-%d", ordinal)
		doc[keyField] = key
		docs = append(docs, doc)
		if key == p.Range.High {
			break
		}
	}
	return docs, nil
}

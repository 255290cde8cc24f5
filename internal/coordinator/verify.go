package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/shardops/internal/cluster"
)

// maxMisplaced bounds the misplaced and out-of-range keys listed in a report.
const maxMisplaced = 16

// VerificationReport is the outcome of reading the collection back and
// comparing it with the plan.
type VerificationReport struct {
	Namespace  string            `json:"namespace"`
	Expected   int               `json:"expected"`
	Documents  int               `json:"documents"`
	Ascending  bool              `json:"ascending"`
	Placements []PlacementReport `json:"placements"`
	Misplaced  []MisplacedKey    `json:"misplaced,omitempty"`
	VerifiedAt time.Time         `json:"verified_at"`
	Passed     bool              `json:"passed"`
}

// PlacementReport counts the documents read back for one planned range.
type PlacementReport struct {
	Placement cluster.Placement `json:"placement"`
	Documents int               `json:"documents"`
}

// MisplacedKey is a key whose live chunk is not on its planned shard.
type MisplacedKey struct {
	Key      int64  `json:"key"`
	Planned  string `json:"planned"`
	Observed string `json:"observed"`
}

func (o *Orchestrator) chunks(ctx context.Context) ([]cluster.Chunk, error) {
	var chunks []cluster.Chunk
	err := cluster.Retry(ctx, o.cfg.Retry, func(ctx context.Context) error {
		c, err := o.handle.Chunks(ctx, o.cfg.Namespace)
		chunks = c
		return err
	})
	if err != nil {
		return nil, err
	}
	cluster.SortChunks(chunks)
	return chunks, nil
}

func (o *Orchestrator) readAll(ctx context.Context) ([]cluster.Document, error) {
	var docs []cluster.Document
	err := cluster.Retry(ctx, o.cfg.Retry, func(ctx context.Context) error {
		ro, err := o.resolver.ReadDirective(o.cfg.Namespace.String())
		if err != nil {
			return err
		}
		cur, err := o.handle.Find(ctx, o.cfg.Namespace, nil, o.cfg.PartitionKey, ro)
		if err != nil {
			return err
		}
		docs, err = cluster.Collect(ctx, cur)
		return err
	})
	return docs, err
}

// verify reads every document sorted by partition key and checks:
//   - the count equals the number of seeded documents
//   - keys are strictly ascending
//   - each key's live chunk is on the shard the plan assigns it
//
// A failed check returns the report together with an error wrapping
// cluster.ErrVerification. Any other error means the cluster could not be
// read.
func (o *Orchestrator) verify(ctx context.Context) (VerificationReport, error) {
	report := VerificationReport{
		Namespace: o.cfg.Namespace.String(),
		Expected:  len(o.seed),
		Ascending: true,
	}

	docs, err := o.readAll(ctx)
	if err != nil {
		return report, fmt.Errorf("read %s: %w", report.Namespace, err)
	}
	chunks, err := o.chunks(ctx)
	if err != nil {
		return report, fmt.Errorf("chunks of %s: %w", report.Namespace, err)
	}
	o.registry.Observe(chunks)

	placements := o.registry.Placements()
	counts := make(map[int64]int, len(placements)) // by placement Range.Low
	report.Documents = len(docs)

	var (
		prev       int64
		problems   []string
		outOfRange int
	)
	for i, doc := range docs {
		key, err := doc.Int64(o.cfg.PartitionKey)
		if err != nil {
			problems = append(problems, fmt.Sprintf("document %v: %v", doc[cluster.FieldID], err))
			continue
		}
		if i > 0 && key <= prev {
			report.Ascending = false
		}
		prev = key

		planned, ok := o.cfg.Plan.PlacementFor(key)
		if !ok {
			if outOfRange < maxMisplaced {
				problems = append(problems, fmt.Sprintf("key %d outside plan range %s", key, o.cfg.Plan.Range))
			}
			outOfRange++
			continue
		}
		counts[planned.Range.Low]++

		chunk, ok := cluster.ChunkFor(chunks, key)
		if !ok || chunk.Shard != planned.Shard {
			if len(report.Misplaced) < maxMisplaced {
				report.Misplaced = append(report.Misplaced, MisplacedKey{Key: key, Planned: planned.Shard, Observed: chunk.Shard})
			}
			if len(report.Misplaced) == 1 {
				problems = append(problems, fmt.Sprintf("key %d on %q, planned %q", key, chunk.Shard, planned.Shard))
			}
		}
	}

	for _, p := range placements {
		report.Placements = append(report.Placements, PlacementReport{Placement: p, Documents: counts[p.Range.Low]})
	}
	if outOfRange > maxMisplaced {
		problems = append(problems, fmt.Sprintf("%d more keys outside plan range", outOfRange-maxMisplaced))
	}
	if report.Documents != report.Expected {
		problems = append(problems, fmt.Sprintf("found %d documents, expected %d", report.Documents, report.Expected))
	}
	if !report.Ascending {
		problems = append(problems, "keys not in strictly ascending order")
	}

	report.VerifiedAt = time.Now()
	if len(problems) > 0 {
		return report, fmt.Errorf("%w: %s: %v", cluster.ErrVerification, report.Namespace, problems)
	}
	report.Passed = true
	return report, nil
}

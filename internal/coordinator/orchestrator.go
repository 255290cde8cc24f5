package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardops/internal/checkpoint"
	"github.com/dreamware/shardops/internal/cluster"
	"github.com/dreamware/shardops/internal/planner"
)

// State is a stable point of the bootstrap sequence. States only move
// forward, and only after the step leading to them succeeded.
type State int

const (
	Uninitialized State = iota
	Dropped
	PartitioningEnabled
	Seeded
	Split
	Migrated
	Verified
)

var stateNames = []string{
	"Uninitialized",
	"Dropped",
	"PartitioningEnabled",
	"Seeded",
	"Split",
	"Migrated",
	"Verified",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState is the inverse of State.String, ignoring case.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return Uninitialized, fmt.Errorf("unknown orchestrator state %q", name)
}

// StepError reports a failed step. State is the last state reached.
type StepError struct {
	State State
	Step  string
	Err   error
	Fatal bool // retrying the run cannot succeed without a change of plan or cluster
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap step %s failed in state %s: %v", e.Step, e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Resolver turns the configured consistency requirement into per-call
// options. consistency.Policy implements it.
type Resolver interface {
	WriteDirective(routingKey string) (cluster.WriteOptions, error)
	ReadDirective(routingKey string) (cluster.ReadOptions, error)
}

type defaultResolver struct{}

func (defaultResolver) WriteDirective(string) (cluster.WriteOptions, error) {
	return cluster.WriteOptions{Ack: cluster.WriteOne}, nil
}

func (defaultResolver) ReadDirective(string) (cluster.ReadOptions, error) {
	return cluster.ReadOptions{Target: cluster.ReadPrimary}, nil
}

// OrchestratorConfig describes the collection to bootstrap.
type OrchestratorConfig struct {
	Namespace    cluster.Namespace
	PartitionKey string
	Plan         planner.Plan
	SeedTemplate map[string]any
	Retry        cluster.RetryPolicy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver routes seed writes and verification reads through r.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithCheckpoints persists every state reached to store.
func WithCheckpoints(store checkpoint.Store) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

// WithRegistry shares a placement registry, e.g. with the admin API.
func WithRegistry(r *PlacementRegistry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// Orchestrator drives a collection from whatever state the cluster is in to
// Verified:
//
//	Uninitialized → Dropped → PartitioningEnabled → Seeded → Split → Migrated → Verified
//
// Each step is idempotent at the cluster level: conditions meaning "already
// done" (absent collection, partitioning already enabled, existing split
// boundary, range already on its shard, duplicate seed _id) count as
// success. Transient failures are retried with backoff. A run first decides
// where to resume from the checkpoint store or, failing that, from a live
// verification, so a re-run against a verified cluster never drops or
// reseeds.
//
// Runs are serialized; Status may be called at any time.
type Orchestrator struct {
	handle      cluster.Handle
	cfg         OrchestratorConfig
	seed        []cluster.Document
	resolver    Resolver
	checkpoints checkpoint.Store
	registry    *PlacementRegistry
	log         *slog.Logger

	runMu sync.Mutex // one Run at a time

	mu        sync.RWMutex // protects the fields below
	state     State
	runID     string
	running   bool
	lastErr   error
	report    *VerificationReport
	updatedAt time.Time
}

// NewOrchestrator validates cfg and precomputes the seed documents.
func NewOrchestrator(handle cluster.Handle, cfg OrchestratorConfig, opts ...Option) (*Orchestrator, error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: no cluster handle", cluster.ErrInvalidConfig)
	}
	if cfg.Namespace.Database == "" || cfg.Namespace.Collection == "" {
		return nil, fmt.Errorf("%w: namespace %q is incomplete", cluster.ErrInvalidConfig, cfg.Namespace.String())
	}
	seed, err := planner.SeedDocuments(cfg.Plan, cfg.PartitionKey, cfg.SeedTemplate)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		handle:   handle,
		cfg:      cfg,
		seed:     seed,
		resolver: defaultResolver{},
		registry: NewPlacementRegistry(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.registry.Load(cfg.Plan); err != nil {
		return nil, err
	}
	o.log = o.log.With("component", "orchestrator", "ns", cfg.Namespace.String())
	return o, nil
}

// Registry returns the placement registry the orchestrator verifies against.
func (o *Orchestrator) Registry() *PlacementRegistry {
	return o.registry
}

type step struct {
	to   State
	name string
	run  func(ctx context.Context) error
}

// Run brings the collection to Verified and returns the final verification
// report. On failure the returned error is a *StepError and the state stays
// at the last step that succeeded.
func (o *Orchestrator) Run(ctx context.Context) (VerificationReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	runID := uuid.NewString()
	o.mu.Lock()
	o.runID, o.running, o.lastErr = runID, true, nil
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	log := o.log.With("run", runID)
	log.Info("bootstrap started", "plan", o.cfg.Plan.String(), "documents", len(o.seed))

	start, err := o.resumePoint(ctx, log)
	if err != nil {
		o.fail(err)
		return VerificationReport{}, err
	}
	o.setState(start)
	log.Info("bootstrap resuming", "state", start.String())

	var report VerificationReport
	steps := []step{
		{Dropped, "drop", o.drop},
		{PartitioningEnabled, "enable-partitioning", o.enablePartitioning},
		{Seeded, "seed", o.seedDocuments},
		{Split, "split", o.split},
		{Migrated, "migrate", o.migrate},
		{Verified, "verify", func(ctx context.Context) error {
			r, err := o.verify(ctx)
			report = r
			return err
		}},
	}

	for _, s := range steps {
		if s.to <= start {
			continue
		}
		began := time.Now()
		if err := s.run(ctx); err != nil {
			serr := &StepError{State: o.State(), Step: s.name, Err: err, Fatal: cluster.IsFatal(err)}
			log.Error("bootstrap step failed", "step", s.name, "state", serr.State.String(),
				"fatal", serr.Fatal, "kind", cluster.KindOf(err), "error", err)
			if s.to == Verified {
				o.setReport(report)
			}
			o.fail(serr)
			return report, serr
		}
		log.Info("bootstrap step done", "step", s.name, "state", s.to.String(), "took", time.Since(began))
		o.advance(ctx, s.to, runID)
	}

	o.setReport(report)
	log.Info("bootstrap verified", "documents", report.Documents, "placements", len(report.Placements))
	return report, nil
}

// resumePoint picks the state to continue from. A checkpoint counts only if
// it was written for the same plan and the collection still exists. Without
// one, a live verification that passes means the data is in place and only
// the placement and verification steps are repeated.
func (o *Orchestrator) resumePoint(ctx context.Context, log *slog.Logger) (State, error) {
	ns := o.cfg.Namespace.String()

	if o.checkpoints != nil {
		rec, ok, err := o.checkpoints.Load(ctx, ns)
		switch {
		case err != nil:
			log.Warn("checkpoint unavailable, probing cluster", "error", err)
		case !ok:
		case rec.Fingerprint != o.cfg.Plan.Fingerprint() || rec.Documents != len(o.seed):
			log.Info("checkpoint written for another plan, ignoring", "fingerprint", rec.Fingerprint, "state", rec.State)
		default:
			st, perr := ParseState(rec.State)
			if perr != nil {
				log.Warn("checkpoint unreadable, ignoring", "error", perr)
				break
			}
			if _, cerr := o.chunks(ctx); cerr != nil {
				log.Info("checkpointed collection not present, ignoring checkpoint", "state", rec.State, "error", cerr)
				break
			}
			if st > Split {
				st = Split
			}
			return st, nil
		}
	}

	_, err := o.verify(ctx)
	switch {
	case err == nil:
		return Split, nil
	case errors.Is(err, cluster.ErrVerification), errors.Is(err, cluster.ErrNamespaceNotFound):
		log.Info("collection not in verified state, starting from scratch", "reason", err)
		return Uninitialized, nil
	default:
		return Uninitialized, &StepError{State: Uninitialized, Step: "resume", Err: err, Fatal: cluster.IsFatal(err)}
	}
}

// call runs fn under the retry policy and maps "already done" to success.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := cluster.Retry(ctx, o.cfg.Retry, fn)
	if err != nil && cluster.IsIdempotent(err) {
		o.log.Debug("operation already applied", "op", op, "kind", cluster.KindOf(err))
		return nil
	}
	return err
}

func (o *Orchestrator) drop(ctx context.Context) error {
	return o.call(ctx, "drop", func(ctx context.Context) error {
		return o.handle.DropCollection(ctx, o.cfg.Namespace)
	})
}

func (o *Orchestrator) enablePartitioning(ctx context.Context) error {
	err := o.call(ctx, "enable-partitioning", func(ctx context.Context) error {
		return o.handle.EnablePartitioning(ctx, o.cfg.Namespace.Database)
	})
	if err != nil {
		return err
	}
	return o.call(ctx, "shard-collection", func(ctx context.Context) error {
		return o.handle.ShardCollection(ctx, o.cfg.Namespace, o.cfg.PartitionKey)
	})
}

func (o *Orchestrator) seedDocuments(ctx context.Context) error {
	for _, doc := range o.seed {
		k, err := doc.Int64(o.cfg.PartitionKey)
		if err != nil {
			return fmt.Errorf("%w: seed document %v: %v", cluster.ErrInvalidConfig, doc[cluster.FieldID], err)
		}
		key := strconv.FormatInt(k, 10)
		err = o.call(ctx, "insert", func(ctx context.Context) error {
			wo, err := o.resolver.WriteDirective(key)
			if err != nil {
				return err
			}
			return o.handle.InsertOne(ctx, o.cfg.Namespace, doc, wo)
		})
		if err != nil {
			return fmt.Errorf("seed document %v: %w", doc[cluster.FieldID], err)
		}
	}
	return nil
}

// split applies boundaries one at a time in ascending order.
func (o *Orchestrator) split(ctx context.Context) error {
	for _, at := range o.cfg.Plan.Splits {
		err := o.call(ctx, "split", func(ctx context.Context) error {
			return o.handle.SplitAt(ctx, o.cfg.Namespace, at)
		})
		if err != nil {
			return fmt.Errorf("split at %d: %w", at, err)
		}
	}
	return nil
}

// migrate moves every placement to its shard. Moves to the same destination
// run in plan order; destinations proceed concurrently.
func (o *Orchestrator) migrate(ctx context.Context) error {
	groups := o.cfg.Plan.ByShard()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for dest, placements := range groups {
		wg.Add(1)
		go func(dest string, placements []cluster.Placement) {
			defer wg.Done()
			for _, p := range placements {
				err := o.call(ctx, "move", func(ctx context.Context) error {
					return o.handle.MoveRange(ctx, o.cfg.Namespace, p.Representative, dest)
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("move %s to %s: %w", p.Range, dest, err))
					mu.Unlock()
					return
				}
			}
		}(dest, placements)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (o *Orchestrator) advance(ctx context.Context, st State, runID string) {
	now := time.Now()
	o.setState(st)

	if o.checkpoints == nil {
		return
	}
	rec := checkpoint.Record{
		Namespace:   o.cfg.Namespace.String(),
		State:       st.String(),
		Fingerprint: o.cfg.Plan.Fingerprint(),
		Documents:   len(o.seed),
		RunID:       runID,
		UpdatedAt:   now,
	}
	if err := o.checkpoints.Save(ctx, rec.Namespace, rec); err != nil {
		o.log.Warn("checkpoint save failed", "state", rec.State, "error", err)
	}
}

func (o *Orchestrator) setState(st State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = st
	o.updatedAt = time.Now()
}

func (o *Orchestrator) setReport(r VerificationReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.report = &r
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
	o.updatedAt = time.Now()
}

// State returns the last state reached.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Status is the orchestrator's state as served by the admin API.
type Status struct {
	Namespace string              `json:"namespace"`
	State     State               `json:"state"`
	RunID     string              `json:"run_id,omitempty"`
	Running   bool                `json:"running"`
	LastError string              `json:"last_error,omitempty"`
	ErrorKind string              `json:"error_kind,omitempty"`
	Fatal     bool                `json:"fatal,omitempty"`
	Report    *VerificationReport `json:"report,omitempty"`
	Plan      planner.Plan        `json:"plan"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Status returns a snapshot of the orchestrator progress for the admin API.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		Namespace: o.cfg.Namespace.String(),
		State:     o.state,
		RunID:     o.runID,
		Running:   o.running,
		Report:    o.report,
		Plan:      o.cfg.Plan,
		UpdatedAt: o.updatedAt,
	}
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
		st.ErrorKind = cluster.KindOf(o.lastErr)
		var serr *StepError
		if errors.As(o.lastErr, &serr) {
			st.Fatal = serr.Fatal
		}
	}
	return st
}

// LastError returns the error of the last failed run, nil after a success.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/shardops/internal/alert"
	"github.com/dreamware/shardops/internal/cluster"
)

// StatusSource reports the roster of a replica group. cluster.Handle
// satisfies it.
type StatusSource interface {
	GroupStatus(ctx context.Context) (cluster.TopologySnapshot, error)
}

// WatcherConfig configures a TopologyWatcher. ElectionWindow and
// QuorumLossThreshold are counted in polls.
type WatcherConfig struct {
	SetName             string
	Members             []string      // configured member addresses
	Interval            time.Duration // time between polls
	PollTimeout         time.Duration // deadline of one GroupStatus call
	ElectionWindow      int           // polls a new primary may take to count as a normal election
	QuorumLossThreshold int           // consecutive polls without primary before quorum-loss
	History             int           // snapshots kept for the failover timeline
	EventBuffer         int           // capacity of the Events channel
}

// DefaultWatcherConfig polls every 2s, allows one poll for an election and
// reports quorum loss after three polls without a primary.
func DefaultWatcherConfig(set string, members []string) WatcherConfig {
	return WatcherConfig{
		SetName:             set,
		Members:             members,
		Interval:            2 * time.Second,
		PollTimeout:         time.Second,
		ElectionWindow:      1,
		QuorumLossThreshold: 3,
		History:             256,
		EventBuffer:         64,
	}
}

func (c WatcherConfig) validate() error {
	var errs []error
	if len(c.Members) == 0 {
		errs = append(errs, errors.New("no members to watch"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval %s must be positive", c.Interval))
	}
	if c.ElectionWindow < 0 {
		errs = append(errs, fmt.Errorf("election window %d must not be negative", c.ElectionWindow))
	}
	if c.QuorumLossThreshold <= c.ElectionWindow {
		errs = append(errs, fmt.Errorf("quorum-loss threshold %d must exceed election window %d",
			c.QuorumLossThreshold, c.ElectionWindow))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", cluster.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TopologyWatcher polls a replica group's status and classifies what changed
// between consecutive observations. It never mutates the cluster.
//
// Each poll produces a snapshot. A poll that fails is recorded as a snapshot
// in which every known member is unreachable; the watcher itself only fails
// on invalid configuration. Member records are created on first observation
// and never removed: a member missing from a later report is marked
// unreachable.
//
// Events, in emission order within a poll:
//   - role-transition for every member whose role changed
//   - election when the old primary lost the role and another member became
//     primary in the same poll or within ElectionWindow polls (later than
//     that, the election is marked Delayed)
//   - quorum-loss, once, when QuorumLossThreshold consecutive polls after
//     losing the primary observed none
//   - quorum-restored when a primary appears after a reported quorum-loss
//
// Thread-safe: all methods may be called concurrently with the poll loop.
type TopologyWatcher struct {
	source StatusSource
	cfg    WatcherConfig
	sinks  []alert.Sink
	events chan cluster.TopologyEvent
	log    *slog.Logger
	now    func() time.Time

	pollMu sync.Mutex // serializes Poll

	mu        sync.RWMutex // protects everything below
	members   map[string]cluster.MemberRecord
	latest    cluster.TopologySnapshot
	hasLatest bool
	history   []cluster.TopologySnapshot
	polls     uint64
	dropped   uint64

	// failover tracking
	lostPrimary    string // primary whose loss is pending resolution
	noPrimaryPolls int    // consecutive polls without primary since the loss
	quorumReported bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTopologyWatcher validates cfg and returns a watcher ready to Start.
// Events are also delivered to sinks, in order.
func NewTopologyWatcher(source StatusSource, cfg WatcherConfig, logger *slog.Logger, sinks ...alert.Sink) (*TopologyWatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: no status source", cluster.ErrInvalidConfig)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.Interval
	}
	if cfg.History <= 0 {
		cfg.History = 256
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TopologyWatcher{
		source:  source,
		cfg:     cfg,
		sinks:   sinks,
		events:  make(chan cluster.TopologyEvent, cfg.EventBuffer),
		log:     logger.With("component", "topology-watcher", "set", cfg.SetName),
		now:     time.Now,
		members: make(map[string]cluster.MemberRecord),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Events returns the channel events are published on. Events are dropped,
// and counted, when the channel is full.
func (w *TopologyWatcher) Events() <-chan cluster.TopologyEvent {
	return w.events
}

// Start polls until ctx is canceled or Stop is called. The first poll runs
// immediately. Start blocks; run it in its own goroutine.
func (w *TopologyWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx == nil {
		ctx = w.ctx
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("topology watcher started",
		"interval", w.cfg.Interval, "members", len(w.cfg.Members),
		"election_window", w.cfg.ElectionWindow, "quorum_loss_threshold", w.cfg.QuorumLossThreshold)

	w.Poll(ctx)

	for {
		select {
		case <-ticker.C:
			w.Poll(ctx)
		case <-ctx.Done():
			w.log.Info("topology watcher stopping due to context cancellation")
			return
		case <-w.ctx.Done():
			w.log.Info("topology watcher stopping due to internal cancellation")
			return
		}
	}
}

// Stop ends the poll loop and waits for it to return.
func (w *TopologyWatcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Poll performs one observation and returns the events it produced.
func (w *TopologyWatcher) Poll(ctx context.Context) []cluster.TopologyEvent {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	reported, err := w.source.GroupStatus(pctx)
	cancel()
	now := w.now()

	if err != nil {
		w.log.Warn("group status poll failed; marking all members unreachable", "error", err)
		reported = cluster.Unreachable(w.cfg.SetName, w.knownAddrs(), now)
	}

	w.mu.Lock()
	w.polls++
	poll := w.polls
	prev, hadPrev := w.latest, w.hasLatest
	snap := w.merge(reported, now)
	w.latest, w.hasLatest = snap, true
	w.history = append(w.history, snap)
	if over := len(w.history) - w.cfg.History; over > 0 {
		w.history = append(w.history[:0:0], w.history[over:]...)
	}

	var events []cluster.TopologyEvent
	if hadPrev {
		events = w.classify(prev, snap, poll, now)
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.publish(ctx, ev)
	}
	return events
}

func (w *TopologyWatcher) knownAddrs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, a := range w.cfg.Members {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for a := range w.members {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// merge folds a reported snapshot into the member records and returns the
// full roster. Callers hold w.mu.
func (w *TopologyWatcher) merge(reported cluster.TopologySnapshot, now time.Time) cluster.TopologySnapshot {
	set := reported.Set
	if set == "" {
		set = w.cfg.SetName
	}

	for addr, m := range reported.Members {
		rec := w.members[addr]
		rec.Addr = addr
		rec.Role = m.Role
		rec.UpdatedAt = now
		rec.Ping = m.Ping
		switch {
		case !m.LastSeen.IsZero():
			rec.LastSeen = m.LastSeen
		case m.Role.Reachable():
			rec.LastSeen = now
		}
		w.members[addr] = rec
	}

	for _, addr := range w.cfg.Members {
		if _, ok := w.members[addr]; !ok {
			w.members[addr] = cluster.MemberRecord{Addr: addr, Role: cluster.RoleUnknown}
		}
	}
	for addr, rec := range w.members {
		if _, ok := reported.Members[addr]; !ok {
			rec.Role = cluster.RoleUnreachable
			rec.UpdatedAt = now
			w.members[addr] = rec
		}
	}

	snap := cluster.TopologySnapshot{Set: set, Taken: now, Members: make(map[string]cluster.MemberRecord, len(w.members))}
	for addr, rec := range w.members {
		snap.Members[addr] = rec
	}
	return snap
}

// classify derives events from two consecutive snapshots. Callers hold w.mu.
func (w *TopologyWatcher) classify(prev, cur cluster.TopologySnapshot, poll uint64, now time.Time) []cluster.TopologyEvent {
	var events []cluster.TopologyEvent

	for _, addr := range cur.Addrs() {
		from, to := prev.Role(addr), cur.Role(addr)
		if from == to {
			continue
		}
		ev := cluster.NewEvent(cluster.EventRoleTransition, now, poll, cur)
		ev.Member, ev.From, ev.To = addr, from, to
		events = append(events, ev)
	}

	prevPrimary, _ := prev.Primary()
	curPrimary, hasPrimary := cur.Primary()

	if w.lostPrimary == "" {
		if prevPrimary == "" || prevPrimary == curPrimary {
			return events
		}
		if hasPrimary {
			ev := cluster.NewEvent(cluster.EventElection, now, poll, cur)
			ev.OldPrimary, ev.NewPrimary = prevPrimary, curPrimary
			return append(events, ev)
		}
		w.lostPrimary = prevPrimary
		w.noPrimaryPolls = 1
		w.quorumReported = false
		w.log.Warn("primary lost", "member", prevPrimary, "poll", poll)
		return append(events, w.checkQuorum(cur, poll, now)...)
	}

	if !hasPrimary {
		w.noPrimaryPolls++
		return append(events, w.checkQuorum(cur, poll, now)...)
	}

	// A primary is back after a pending loss.
	old, polls := w.lostPrimary, w.noPrimaryPolls
	w.lostPrimary, w.noPrimaryPolls = "", 0

	switch {
	case w.quorumReported:
		w.quorumReported = false
		ev := cluster.NewEvent(cluster.EventQuorumRestored, now, poll, cur)
		ev.OldPrimary, ev.NewPrimary, ev.Polls = old, curPrimary, polls
		events = append(events, ev)
	case curPrimary != old:
		ev := cluster.NewEvent(cluster.EventElection, now, poll, cur)
		ev.OldPrimary, ev.NewPrimary, ev.Polls = old, curPrimary, polls
		ev.Delayed = polls > w.cfg.ElectionWindow
		events = append(events, ev)
	default:
		w.log.Info("primary regained its role", "member", curPrimary, "polls", polls)
	}
	return events
}

func (w *TopologyWatcher) checkQuorum(cur cluster.TopologySnapshot, poll uint64, now time.Time) []cluster.TopologyEvent {
	if w.quorumReported || w.noPrimaryPolls < w.cfg.QuorumLossThreshold {
		return nil
	}
	w.quorumReported = true
	ev := cluster.NewEvent(cluster.EventQuorumLoss, now, poll, cur)
	ev.OldPrimary, ev.Polls = w.lostPrimary, w.noPrimaryPolls
	return []cluster.TopologyEvent{ev}
}

func (w *TopologyWatcher) publish(ctx context.Context, ev cluster.TopologyEvent) {
	select {
	case w.events <- ev:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.log.Warn("event channel full, dropping event", "kind", string(ev.Kind), "id", ev.ID.String())
	}
	for _, s := range w.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			w.log.Error("event sink failed", "kind", string(ev.Kind), "error", err)
		}
	}
}

// Latest returns the most recent snapshot; ok is false before the first poll.
func (w *TopologyWatcher) Latest() (cluster.TopologySnapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.hasLatest
}

// History returns the retained snapshots, oldest first.
func (w *TopologyWatcher) History() []cluster.TopologySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]cluster.TopologySnapshot(nil), w.history...)
}

// Members returns a copy of every member record ever observed.
func (w *TopologyWatcher) Members() map[string]cluster.MemberRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]cluster.MemberRecord, len(w.members))
	for addr, rec := range w.members {
		out[addr] = rec
	}
	return out
}

// WatcherStats summarizes the watcher for the admin API.
type WatcherStats struct {
	Polls          uint64 `json:"polls"`
	DroppedEvents  uint64 `json:"dropped_events"`
	LostPrimary    string `json:"lost_primary,omitempty"`
	NoPrimaryPolls int    `json:"no_primary_polls"`
	QuorumLost     bool   `json:"quorum_lost"`
}

// Stats returns poll counters and the quorum-loss tracking state.
func (w *TopologyWatcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WatcherStats{
		Polls:          w.polls,
		DroppedEvents:  w.dropped,
		LostPrimary:    w.lostPrimary,
		NoPrimaryPolls: w.noPrimaryPolls,
		QuorumLost:     w.quorumReported,
	}
}

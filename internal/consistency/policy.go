package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dreamware/shardops/internal/cluster"
)

// SnapshotSource supplies the latest observed topology. ok is false until a
// first observation exists.
type SnapshotSource interface {
	Latest() (snap cluster.TopologySnapshot, ok bool)
}

// StaticSource always returns the same snapshot.
type StaticSource struct {
	Snapshot cluster.TopologySnapshot
}

// Latest returns the fixed snapshot; ok is always true.
func (s StaticSource) Latest() (cluster.TopologySnapshot, bool) {
	return s.Snapshot, true
}

// Policy applies default requirements against a live snapshot source. It also
// consumes topology events to track a standing quorum-loss condition.
type Policy struct {
	defaults Requirement
	source   SnapshotSource
	log      *slog.Logger

	mu         sync.RWMutex
	quorumLost bool
	lostSince  cluster.TopologyEvent
}

// NewPolicy returns a policy resolving against source. A nil source behaves
// like a deployment without a replica group.
func NewPolicy(defaults Requirement, source SnapshotSource, logger *slog.Logger) *Policy {
	if source == nil {
		source = StaticSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{defaults: defaults, source: source, log: logger}
}

// Defaults returns the configured requirement.
func (p *Policy) Defaults() Requirement {
	return p.defaults
}

func (p *Policy) latest() (cluster.TopologySnapshot, error) {
	snap, ok := p.source.Latest()
	if !ok {
		return cluster.TopologySnapshot{}, fmt.Errorf("%w: topology not observed yet", cluster.ErrTransientUnavailable)
	}
	return snap, nil
}

func (p *Policy) rejected(req Requirement, snap cluster.TopologySnapshot, err error) {
	p.log.Warn("consistency requirement unsatisfiable",
		"write", req.Write.String(), "read", string(req.Read), "members", len(snap.Members),
		"reachable", snap.Reachable(), "error", err)
}

// Resolve resolves both halves of req against the latest snapshot.
func (p *Policy) Resolve(req Requirement, routingKey string) (Directive, error) {
	snap, err := p.latest()
	if err != nil {
		return Directive{}, err
	}
	d, err := Resolve(req, snap, routingKey)
	if err != nil {
		p.rejected(req, snap, err)
		return Directive{}, err
	}
	return d, nil
}

// Write resolves a write at level.
func (p *Policy) Write(level cluster.WriteLevel) (Directive, error) {
	snap, err := p.latest()
	if err != nil {
		return Directive{}, err
	}
	d, err := ResolveWrite(level, snap)
	if err != nil {
		p.rejected(Requirement{Write: level}, snap, err)
		return Directive{}, err
	}
	return d, nil
}

// Read resolves a read with target for routingKey.
func (p *Policy) Read(target cluster.ReadTarget, routingKey string) (Directive, error) {
	snap, err := p.latest()
	if err != nil {
		return Directive{}, err
	}
	d, err := ResolveRead(target, snap, routingKey)
	if err != nil {
		p.rejected(Requirement{Read: target}, snap, err)
		return Directive{}, err
	}
	return d, nil
}

// WriteDirective resolves the default write requirement.
func (p *Policy) WriteDirective(string) (cluster.WriteOptions, error) {
	d, err := p.Write(p.defaults.Write)
	if err != nil {
		return cluster.WriteOptions{}, err
	}
	return d.WriteOptions(), nil
}

// ReadDirective resolves the default read requirement.
func (p *Policy) ReadDirective(routingKey string) (cluster.ReadOptions, error) {
	d, err := p.Read(p.defaults.Read, routingKey)
	if err != nil {
		return cluster.ReadOptions{}, err
	}
	return d.ReadOptions(), nil
}

// Notify records quorum-loss and its clearing. It never fails.
func (p *Policy) Notify(_ context.Context, ev cluster.TopologyEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case cluster.EventQuorumLoss:
		p.quorumLost = true
		p.lostSince = ev
	case cluster.EventQuorumRestored, cluster.EventElection:
		if p.quorumLost {
			p.log.Info("quorum condition cleared", "primary", ev.NewPrimary)
		}
		p.quorumLost = false
		p.lostSince = cluster.TopologyEvent{}
	}
	return nil
}

// QuorumLost reports whether a quorum loss is standing, and the event that
// reported it.
func (p *Policy) QuorumLost() (cluster.TopologyEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lostSince, p.quorumLost
}

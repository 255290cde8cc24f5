package memcluster

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardops/internal/cluster"
)

// replicaGroup simulates the membership and roles of one replica group.
// Roles only change through initiate and the exported control methods: there
// is no automatic election, so tests decide exactly what the watcher sees.
// Callers hold Cluster.mu; status and hello only read.
type replicaGroup struct {
	name     string
	members  []string
	roles    map[string]cluster.Role
	ping     map[string]time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

func newReplicaGroup() *replicaGroup {
	return &replicaGroup{
		roles:    make(map[string]cluster.Role),
		ping:     make(map[string]time.Duration),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (g *replicaGroup) initiated() bool {
	return len(g.members) > 0
}

func (g *replicaGroup) initiate(cfg cluster.GroupConfig) error {
	if len(cfg.Members) == 0 {
		return fmt.Errorf("%w: replica group %q has no members", cluster.ErrInvalidConfig, cfg.Name)
	}
	hosts := make([]string, 0, len(cfg.Members))
	for _, m := range cfg.Members {
		if m.Host == "" {
			return fmt.Errorf("%w: member %d has no host", cluster.ErrInvalidConfig, m.ID)
		}
		hosts = append(hosts, m.Host)
	}

	if g.initiated() {
		if g.name == cfg.Name && slices.Equal(g.members, hosts) {
			return fmt.Errorf("%s: %w", cfg.Name, cluster.ErrAlreadyInitiated)
		}
		return fmt.Errorf("%w: replica group %q already initiated with a different configuration", cluster.ErrInvalidConfig, g.name)
	}

	g.name = cfg.Name
	g.members = hosts
	now := g.now()
	for i, h := range hosts {
		role := cluster.RoleSecondary
		if i == 0 {
			role = cluster.RolePrimary
		}
		g.roles[h] = role
		g.lastSeen[h] = now
	}
	return nil
}

func (g *replicaGroup) status() (cluster.TopologySnapshot, error) {
	if !g.initiated() {
		return cluster.TopologySnapshot{}, fmt.Errorf("%w: no replica group configuration received", cluster.ErrTransientUnavailable)
	}

	now := g.now()
	snap := cluster.TopologySnapshot{Set: g.name, Taken: now, Members: make(map[string]cluster.MemberRecord, len(g.members))}
	for _, h := range g.members {
		role := g.roles[h]
		seen := g.lastSeen[h]
		if role.Reachable() {
			seen = now
		}
		snap.Members[h] = cluster.MemberRecord{
			Addr:      h,
			Role:      role,
			LastSeen:  seen,
			UpdatedAt: now,
			Ping:      g.ping[h],
		}
	}
	return snap, nil
}

func (g *replicaGroup) primary() string {
	for _, h := range g.members {
		if g.roles[h] == cluster.RolePrimary {
			return h
		}
	}
	return ""
}

func (g *replicaGroup) hello() (cluster.Hello, error) {
	if !g.initiated() {
		return cluster.Hello{Role: cluster.RoleUnknown}, nil
	}
	primary := g.primary()
	me := primary
	if me == "" {
		me = g.members[0]
	}
	return cluster.Hello{Me: me, Role: g.roles[me], Primary: primary, SetName: g.name}, nil
}

func (g *replicaGroup) reachable() int {
	n := 0
	for _, h := range g.members {
		if g.roles[h].Reachable() {
			n++
		}
	}
	return n
}

// checkWrite enforces the acknowledgment a write asks for. Without an
// initiated group every write is acknowledged by the shard itself.
func (g *replicaGroup) checkWrite(opts cluster.WriteOptions) error {
	if !g.initiated() {
		return nil
	}
	if g.primary() == "" {
		return fmt.Errorf("%w: not primary", cluster.ErrTransientUnavailable)
	}
	need := opts.Acks
	if need == 0 && opts.Ack == cluster.WriteMajority {
		need = len(g.members)/2 + 1
	}
	if have := g.reachable(); need > have {
		return fmt.Errorf("%w: write needs %d acknowledgments, %d members reachable", cluster.ErrUnsatisfiableRequirement, need, have)
	}
	return nil
}

func (g *replicaGroup) checkRead(opts cluster.ReadOptions) error {
	if !g.initiated() {
		return nil
	}
	if opts.Member != "" {
		role, ok := g.roles[opts.Member]
		if !ok {
			return fmt.Errorf("%w: %s is not a member of %s", cluster.ErrInvalidConfig, opts.Member, g.name)
		}
		if !role.Reachable() {
			return fmt.Errorf("%w: member %s is %s", cluster.ErrTransientUnavailable, opts.Member, role)
		}
		return nil
	}
	switch opts.Target {
	case cluster.ReadSecondary:
		for _, h := range g.members {
			if g.roles[h] == cluster.RoleSecondary {
				return nil
			}
		}
		return fmt.Errorf("%w: no secondary available", cluster.ErrUnsatisfiableRequirement)
	case cluster.ReadPrimary, "":
		if g.primary() == "" {
			return fmt.Errorf("%w: no primary available", cluster.ErrTransientUnavailable)
		}
	}
	return nil
}

// StopMember simulates stopping a member's process. A stopped primary is not
// replaced until Elect is called.
func (c *Cluster) StopMember(addr string) error {
	return c.setRole(addr, cluster.RoleUnreachable)
}

// StartMember brings a stopped member back as a secondary.
func (c *Cluster) StartMember(addr string) error {
	return c.setRole(addr, cluster.RoleSecondary)
}

// Elect makes addr primary. A reachable previous primary steps down to
// secondary.
func (c *Cluster) Elect(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.group
	if _, ok := g.roles[addr]; !ok {
		return fmt.Errorf("%w: %s is not a member", cluster.ErrInvalidConfig, addr)
	}
	if old := g.primary(); old != "" && old != addr {
		g.roles[old] = cluster.RoleSecondary
	}
	g.roles[addr] = cluster.RolePrimary
	c.log.Info("member elected primary", "member", addr, "set", g.name)
	return nil
}

// SetRole forces a member into role.
func (c *Cluster) SetRole(addr string, role cluster.Role) error {
	if role == cluster.RolePrimary {
		return c.Elect(addr)
	}
	return c.setRole(addr, role)
}

func (c *Cluster) setRole(addr string, role cluster.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.group.roles[addr]; !ok {
		return fmt.Errorf("%w: %s is not a member", cluster.ErrInvalidConfig, addr)
	}
	if c.group.roles[addr].Reachable() && !role.Reachable() {
		c.group.lastSeen[addr] = c.group.now()
	}
	c.group.roles[addr] = role
	return nil
}

// SetPing records the round-trip time reported for a member.
func (c *Cluster) SetPing(addr string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group.ping[addr] = d
}

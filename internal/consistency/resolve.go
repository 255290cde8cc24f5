package consistency

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/dreamware/shardops/internal/cluster"
)

// Requirement is the write acknowledgment and read preference attached to
// an operation.
type Requirement struct {
	Write cluster.WriteLevel `json:"write"`
	Read  cluster.ReadTarget `json:"read"`
}

// Directive is the concrete routing for one operation under a snapshot.
type Directive struct {
	WriteTarget string             `json:"write_target,omitempty"`
	WriteAck    cluster.WriteLevel `json:"write_ack"`
	Acks        int                `json:"acks"`
	ReadTarget  cluster.ReadTarget `json:"read_target"`
	ReadMember  string             `json:"read_member,omitempty"`
}

// WriteOptions converts the write half of d for a Handle call.
func (d Directive) WriteOptions() cluster.WriteOptions {
	return cluster.WriteOptions{Ack: d.WriteAck, Acks: d.Acks}
}

// ReadOptions converts the read half of d for a Handle call.
func (d Directive) ReadOptions() cluster.ReadOptions {
	return cluster.ReadOptions{Target: d.ReadTarget, Member: d.ReadMember}
}

// Majority is the number of acknowledgments a group of n members needs.
func Majority(n int) int {
	return n/2 + 1
}

// Resolve maps req to a directive under snap. routingKey spreads secondary
// reads across members deterministically. Both halves of req must be
// satisfiable.
//
// A snapshot without members describes a deployment that has no replica
// group; the requirement then passes through unrouted.
func Resolve(req Requirement, snap cluster.TopologySnapshot, routingKey string) (Directive, error) {
	w, err := ResolveWrite(req.Write, snap)
	if err != nil {
		return Directive{}, err
	}
	r, err := ResolveRead(req.Read, snap, routingKey)
	if err != nil {
		return Directive{}, err
	}
	w.ReadTarget, w.ReadMember = r.ReadTarget, r.ReadMember
	return w, nil
}

// ResolveWrite picks the write target and acknowledgment count. Every level
// needs a primary; majority also needs len/2+1 reachable members.
func ResolveWrite(level cluster.WriteLevel, snap cluster.TopologySnapshot) (Directive, error) {
	d := Directive{WriteAck: level, ReadTarget: cluster.ReadPrimary}
	if len(snap.Members) == 0 {
		return d, nil
	}

	primary, ok := snap.Primary()
	if !ok {
		return Directive{}, fmt.Errorf("%w: no primary in %s", cluster.ErrUnsatisfiableRequirement, setName(snap))
	}
	d.WriteTarget = primary

	switch level {
	case cluster.WriteNone:
		d.Acks = 0
	case cluster.WriteOne:
		d.Acks = 1
	case cluster.WriteMajority:
		need, have := Majority(len(snap.Members)), snap.Reachable()
		if have < need {
			return Directive{}, fmt.Errorf("%w: majority write needs %d of %d members, %d reachable",
				cluster.ErrUnsatisfiableRequirement, need, len(snap.Members), have)
		}
		d.Acks = need
	default:
		return Directive{}, fmt.Errorf("%w: unknown write level %s", cluster.ErrInvalidConfig, level)
	}
	return d, nil
}

// ResolveRead picks the member serving a read with the given target.
func ResolveRead(target cluster.ReadTarget, snap cluster.TopologySnapshot, routingKey string) (Directive, error) {
	if target == "" {
		target = cluster.ReadPrimary
	}
	d := Directive{ReadTarget: target}
	if len(snap.Members) == 0 {
		return d, nil
	}
	member, err := readMember(target, snap, routingKey)
	if err != nil {
		return Directive{}, err
	}
	d.ReadMember = member
	return d, nil
}

func readMember(target cluster.ReadTarget, snap cluster.TopologySnapshot, key string) (string, error) {
	primary, hasPrimary := snap.Primary()
	switch target {
	case cluster.ReadPrimary:
		if !hasPrimary {
			return "", fmt.Errorf("%w: no primary in %s", cluster.ErrUnsatisfiableRequirement, setName(snap))
		}
		return primary, nil
	case cluster.ReadSecondary:
		secondaries := snap.Secondaries()
		if len(secondaries) == 0 {
			return "", fmt.Errorf("%w: no member of %s is secondary", cluster.ErrUnsatisfiableRequirement, setName(snap))
		}
		return rendezvous(secondaries, key), nil
	case cluster.ReadSecondaryPreferred:
		if secondaries := snap.Secondaries(); len(secondaries) > 0 {
			return rendezvous(secondaries, key), nil
		}
		if !hasPrimary {
			return "", fmt.Errorf("%w: no reachable member in %s", cluster.ErrUnsatisfiableRequirement, setName(snap))
		}
		return primary, nil
	case cluster.ReadNearest:
		if snap.Reachable() == 0 {
			return "", fmt.Errorf("%w: no reachable member in %s", cluster.ErrUnsatisfiableRequirement, setName(snap))
		}
		return nearest(snap, key), nil
	}
	return "", fmt.Errorf("%w: unknown read target %q", cluster.ErrInvalidConfig, target)
}

// rendezvous picks the member with the highest hash of member+":"+key. Ties
// go to the lexically smaller address.
func rendezvous(members []string, key string) string {
	best, bestScore := "", uint64(0)
	for _, m := range members {
		score := xxhash.Sum64String(m + ":" + key)
		if best == "" || score > bestScore || (score == bestScore && m < best) {
			best, bestScore = m, score
		}
	}
	return best
}

// nearest picks the reachable member with the lowest ping. Members with equal
// ping are separated by rendezvous hashing.
func nearest(snap cluster.TopologySnapshot, key string) string {
	var candidates []cluster.MemberRecord
	for _, addr := range snap.Addrs() {
		if m := snap.Members[addr]; m.Role.Reachable() {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Ping < candidates[j].Ping })

	var tied []string
	for _, m := range candidates {
		if m.Ping != candidates[0].Ping {
			break
		}
		tied = append(tied, m.Addr)
	}
	return rendezvous(tied, key)
}

func setName(snap cluster.TopologySnapshot) string {
	if snap.Set == "" {
		return "replica group"
	}
	return snap.Set
}

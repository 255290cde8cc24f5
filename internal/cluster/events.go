package cluster

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a topology observation.
type EventKind string

const (
	EventRoleTransition EventKind = "role-transition"
	EventElection       EventKind = "election"
	EventQuorumLoss     EventKind = "quorum-loss"
	EventQuorumRestored EventKind = "quorum-restored"
)

// TopologyEvent is emitted by the topology watcher. Fields that do not apply
// to a kind are left zero.
type TopologyEvent struct {
	ID   uuid.UUID `json:"id"`
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
	Poll uint64    `json:"poll"`

	// role-transition
	Member string `json:"member,omitempty"`
	From   Role   `json:"from,omitempty"`
	To     Role   `json:"to,omitempty"`

	// election, quorum-loss, quorum-restored
	OldPrimary string `json:"old_primary,omitempty"`
	NewPrimary string `json:"new_primary,omitempty"`

	// Polls counts observations without a primary (quorum-loss) or between
	// losing and regaining one (election, quorum-restored).
	Polls int `json:"polls,omitempty"`

	// Delayed marks an election observed after the election window.
	Delayed bool `json:"delayed,omitempty"`

	Snapshot TopologySnapshot `json:"-"`
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(kind EventKind, at time.Time, poll uint64, snap TopologySnapshot) TopologyEvent {
	return TopologyEvent{ID: uuid.New(), Kind: kind, At: at, Poll: poll, Snapshot: snap}
}

func (e TopologyEvent) String() string {
	switch e.Kind {
	case EventRoleTransition:
		return fmt.Sprintf("%s %s: %s -> %s", e.Kind, e.Member, e.From, e.To)
	case EventElection:
		return fmt.Sprintf("%s: %s -> %s", e.Kind, e.OldPrimary, e.NewPrimary)
	case EventQuorumLoss:
		return fmt.Sprintf("%s: no primary for %d polls after %s", e.Kind, e.Polls, e.OldPrimary)
	case EventQuorumRestored:
		return fmt.Sprintf("%s: %s is primary", e.Kind, e.NewPrimary)
	default:
		return string(e.Kind)
	}
}

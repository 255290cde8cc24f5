package mongoctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/dreamware/shardops/internal/cluster"
)

// Server error codes the handle reacts to.
const (
	codeBadValue                = 2
	codeHostUnreachable         = 6
	codeHostNotFound            = 7
	codeAlreadyInitialized      = 23
	codeNamespaceNotFound       = 26
	codeWriteConcernFailed      = 64
	codeShardNotFound           = 70
	codeNetworkTimeout          = 89
	codeShutdownInProgress      = 91
	codeNotYetInitialized       = 94
	codeUnsatisfiableWC         = 100
	codePrimarySteppedDown      = 189
	codeNotWritablePrimary      = 10107
	codeInterruptedReplChange   = 11602
	codeNotPrimaryNoSecondaryOk = 13435
)

var transientCodes = map[int32]bool{
	codeHostUnreachable:         true,
	codeHostNotFound:            true,
	codeWriteConcernFailed:      true,
	codeNetworkTimeout:          true,
	codeShutdownInProgress:      true,
	codePrimarySteppedDown:      true,
	codeNotWritablePrimary:      true,
	codeInterruptedReplChange:   true,
	codeNotPrimaryNoSecondaryOk: true,
}

// classify wraps driver errors with the matching cluster sentinel while
// keeping the driver error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ce mongo.CommandError
	if errors.As(err, &ce) {
		switch {
		case transientCodes[ce.Code] || ce.HasErrorLabel("RetryableWriteError"):
			return fmt.Errorf("%w: %w", cluster.ErrTransientUnavailable, err)
		case ce.Code == codeNamespaceNotFound:
			return fmt.Errorf("%w: %w", cluster.ErrNamespaceNotFound, err)
		}
	}

	var we mongo.WriteException
	if errors.As(err, &we) && we.WriteConcernError != nil {
		switch we.WriteConcernError.Code {
		case codeUnsatisfiableWC:
			return fmt.Errorf("%w: %w", cluster.ErrUnsatisfiableRequirement, err)
		case codeWriteConcernFailed:
			return fmt.Errorf("%w: %w", cluster.ErrTransientUnavailable, err)
		}
	}

	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %w", cluster.ErrDuplicateKey, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", cluster.ErrTransientUnavailable, err)
	}
	return err
}

func commandError(err error) (mongo.CommandError, bool) {
	var ce mongo.CommandError
	if err == nil || !errors.As(err, &ce) {
		return ce, false
	}
	return ce, true
}

func hasCode(err error, code int32) bool {
	ce, ok := commandError(err)
	return ok && ce.Code == code
}

func messageContains(err error, fragments ...string) bool {
	ce, ok := commandError(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(ce.Message)
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

func isNamespaceNotFound(err error) bool {
	return errors.Is(err, cluster.ErrNamespaceNotFound)
}

func isAlreadyInitialized(err error) bool {
	return hasCode(err, codeAlreadyInitialized) || messageContains(err, "already enabled", "already sharded", "already initialized")
}

func isNotYetInitialized(err error) bool {
	return hasCode(err, codeNotYetInitialized)
}

func isShardNotFound(err error) bool {
	return hasCode(err, codeShardNotFound)
}

func isBadValue(err error) bool {
	return hasCode(err, codeBadValue)
}

func isSplitExists(err error) bool {
	return messageContains(err, "is a boundary key of existing chunk", "on initial or final chunk's key")
}

func isNoOpMigration(err error) bool {
	return messageContains(err, "already on that shard", "already owns chunk")
}

// writeConcern maps write options. An explicit acknowledgment count wins
// over the level except for majority, which the server resolves itself.
func writeConcern(opts cluster.WriteOptions) *writeconcern.WriteConcern {
	switch {
	case opts.Ack == cluster.WriteMajority:
		return writeconcern.Majority()
	case opts.Ack == cluster.WriteNone:
		return writeconcern.Unacknowledged()
	case opts.Acks > 0:
		return &writeconcern.WriteConcern{W: opts.Acks}
	default:
		return writeconcern.W1()
	}
}

func readPreference(target cluster.ReadTarget) (*readpref.ReadPref, error) {
	switch target {
	case cluster.ReadPrimary, "":
		return readpref.Primary(), nil
	case cluster.ReadSecondary:
		return readpref.Secondary(), nil
	case cluster.ReadSecondaryPreferred:
		return readpref.SecondaryPreferred(), nil
	case cluster.ReadNearest:
		return readpref.Nearest(), nil
	}
	return nil, fmt.Errorf("%w: unknown read target %q", cluster.ErrInvalidConfig, target)
}

// chunkDoc is one config.chunks entry. Bounds are half-open: [Min, Max).
type chunkDoc struct {
	Min   bson.D `bson:"min"`
	Max   bson.D `bson:"max"`
	Shard string `bson:"shard"`
}

func (d chunkDoc) chunk(keyField string) (cluster.Chunk, error) {
	low, err := boundValue(d.Min, keyField)
	if err != nil {
		return cluster.Chunk{}, fmt.Errorf("min: %w", err)
	}
	high, err := boundValue(d.Max, keyField)
	if err != nil {
		return cluster.Chunk{}, fmt.Errorf("max: %w", err)
	}
	if high != cluster.MaxKey {
		high--
	}
	return cluster.Chunk{Range: cluster.KeyRange{Low: low, High: high}, Shard: d.Shard}, nil
}

func boundValue(bound bson.D, keyField string) (int64, error) {
	for _, e := range bound {
		if e.Key != keyField {
			continue
		}
		switch v := e.Value.(type) {
		case primitive.MinKey:
			return cluster.MinKey, nil
		case primitive.MaxKey:
			return cluster.MaxKey, nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		default:
			return 0, fmt.Errorf("unsupported bound type %T", e.Value)
		}
	}
	return 0, fmt.Errorf("bound has no field %q", keyField)
}

type memberStatus struct {
	Name              string    `bson:"name"`
	Health            float64   `bson:"health"`
	StateStr          string    `bson:"stateStr"`
	PingMs            int64     `bson:"pingMs"`
	LastHeartbeatRecv time.Time `bson:"lastHeartbeatRecv"`
	Self              bool      `bson:"self"`
}

// replSetStatus is the subset of replSetGetStatus the watcher needs.
type replSetStatus struct {
	Set     string         `bson:"set"`
	Members []memberStatus `bson:"members"`
}

func (s replSetStatus) snapshot(now time.Time) cluster.TopologySnapshot {
	snap := cluster.TopologySnapshot{Set: s.Set, Taken: now, Members: make(map[string]cluster.MemberRecord, len(s.Members))}
	for _, m := range s.Members {
		role := cluster.ParseRole(m.StateStr)
		if m.Health == 0 && !m.Self {
			role = cluster.RoleUnreachable
		}
		rec := cluster.MemberRecord{
			Addr:      m.Name,
			Role:      role,
			UpdatedAt: now,
			Ping:      time.Duration(m.PingMs) * time.Millisecond,
		}
		switch {
		case role.Reachable() || m.Self:
			rec.LastSeen = now
		case !m.LastHeartbeatRecv.IsZero() && m.LastHeartbeatRecv.Unix() > 0:
			rec.LastSeen = m.LastHeartbeatRecv
		}
		snap.Members[m.Name] = rec
	}
	return snap
}

type helloReply struct {
	IsWritablePrimary bool   `bson:"isWritablePrimary"`
	Secondary         bool   `bson:"secondary"`
	Me                string `bson:"me"`
	Primary           string `bson:"primary"`
	SetName           string `bson:"setName"`
}

func (r helloReply) hello() cluster.Hello {
	role := cluster.RoleUnknown
	switch {
	case r.IsWritablePrimary:
		role = cluster.RolePrimary
	case r.Secondary:
		role = cluster.RoleSecondary
	}
	return cluster.Hello{Me: r.Me, Role: role, Primary: r.Primary, SetName: r.SetName}
}

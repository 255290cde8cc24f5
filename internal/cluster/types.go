package cluster

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Namespace identifies a collection inside a database, e.g. "testDB.myCollection".
type Namespace struct {
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`
}

// String returns the dotted "db.collection" form used by the control plane.
func (n Namespace) String() string {
	return n.Database + "." + n.Collection
}

// ParseNamespace splits a dotted namespace. The collection part may itself
// contain dots.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("invalid namespace %q, want db.collection", s)
	}
	return Namespace{Database: db, Collection: coll}, nil
}

// KeyRange is an inclusive interval [Low, High] of partition-key values.
// MinKey and MaxKey stand for the unbounded ends of the key space.
type KeyRange struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

const (
	MinKey int64 = math.MinInt64
	MaxKey int64 = math.MaxInt64
)

// FullRange covers the whole key space; a freshly sharded collection has a
// single chunk spanning it.
var FullRange = KeyRange{Low: MinKey, High: MaxKey}

// Contains reports whether key lies inside the range.
func (r KeyRange) Contains(key int64) bool {
	return key >= r.Low && key <= r.High
}

// Valid reports whether Low <= High.
func (r KeyRange) Valid() bool {
	return r.Low <= r.High
}

func (r KeyRange) String() string {
	low, high := strconv.FormatInt(r.Low, 10), strconv.FormatInt(r.High, 10)
	if r.Low == MinKey {
		low = "MinKey"
	}
	if r.High == MaxKey {
		high = "MaxKey"
	}
	return "[" + low + ", " + high + "]"
}

// Chunk is a contiguous key range owned by one shard, as reported by the
// cluster's own status.
type Chunk struct {
	Range KeyRange `json:"range"`
	Shard string   `json:"shard"`
}

// Placement assigns a key range to a destination shard. Representative is a
// key inside Range used to select the containing chunk when migrating.
type Placement struct {
	Range          KeyRange `json:"range"`
	Representative int64    `json:"representative"`
	Shard          string   `json:"shard"`
}

// ChunkFor returns the chunk holding key. Chunks must be sorted by Range.Low.
func ChunkFor(chunks []Chunk, key int64) (Chunk, bool) {
	i := sort.Search(len(chunks), func(i int) bool { return chunks[i].Range.High >= key })
	if i < len(chunks) && chunks[i].Range.Contains(key) {
		return chunks[i], true
	}
	return Chunk{}, false
}

// SortChunks orders chunks by their lower bound.
func SortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Range.Low < chunks[j].Range.Low })
}

// Document is a stored record: field name to value. Seeded documents carry
// the partition key field, an ordinal and an _id.
type Document map[string]any

const (
	FieldID      = "_id"
	FieldOrdinal = "ordinal"
)

// Int64 reads field as an int64, accepting the numeric encodings produced by
// JSON and BSON decoders.
func (d Document) Int64(field string) (int64, error) {
	v, ok := d[field]
	if !ok {
		return 0, fmt.Errorf("document has no field %q", field)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("field %q is not an integer: %v", field, n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("field %q has unsupported type %T", field, v)
	}
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Filter is an equality filter on document fields. A nil filter matches all.
type Filter map[string]any

// Role of a replica group member.
type Role string

const (
	RolePrimary     Role = "primary"
	RoleSecondary   Role = "secondary"
	RoleUnreachable Role = "unreachable"
	RoleUnknown     Role = "unknown"
)

// Reachable reports whether a member in this role answers requests.
func (r Role) Reachable() bool {
	return r == RolePrimary || r == RoleSecondary
}

// ParseRole maps control-plane state names (PRIMARY, SECONDARY, ...) to a Role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary
	case "secondary":
		return RoleSecondary
	case "unreachable", "down", "(not reachable/healthy)":
		return RoleUnreachable
	default:
		return RoleUnknown
	}
}

// MemberRecord is one replica group participant as last observed.
type MemberRecord struct {
	Addr      string        `json:"addr"`
	Role      Role          `json:"role"`
	LastSeen  time.Time     `json:"last_seen"`  // last time the member was reachable
	UpdatedAt time.Time     `json:"updated_at"` // last observation of any kind
	Ping      time.Duration `json:"ping"`
}

// TopologySnapshot is the roster of a replica group at one instant. Snapshots
// are treated as immutable once built.
type TopologySnapshot struct {
	Set     string                  `json:"set"`
	Taken   time.Time               `json:"taken"`
	Members map[string]MemberRecord `json:"members"`
}

// Primary returns the address of the member in role primary, if any.
func (s TopologySnapshot) Primary() (string, bool) {
	for _, addr := range s.Addrs() {
		if s.Members[addr].Role == RolePrimary {
			return addr, true
		}
	}
	return "", false
}

// Secondaries returns the sorted addresses of members in role secondary.
func (s TopologySnapshot) Secondaries() []string {
	var out []string
	for _, addr := range s.Addrs() {
		if s.Members[addr].Role == RoleSecondary {
			out = append(out, addr)
		}
	}
	return out
}

// Reachable counts members that are primary or secondary.
func (s TopologySnapshot) Reachable() int {
	n := 0
	for _, m := range s.Members {
		if m.Role.Reachable() {
			n++
		}
	}
	return n
}

// Addrs returns member addresses in sorted order.
func (s TopologySnapshot) Addrs() []string {
	out := make([]string, 0, len(s.Members))
	for addr := range s.Members {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Role returns the role of addr, RoleUnknown when absent.
func (s TopologySnapshot) Role(addr string) Role {
	m, ok := s.Members[addr]
	if !ok {
		return RoleUnknown
	}
	return m.Role
}

// Unreachable builds a snapshot marking every address unreachable. Used when
// a status poll cannot reach the group at all.
func Unreachable(set string, addrs []string, at time.Time) TopologySnapshot {
	snap := TopologySnapshot{Set: set, Taken: at, Members: make(map[string]MemberRecord, len(addrs))}
	for _, addr := range addrs {
		snap.Members[addr] = MemberRecord{Addr: addr, Role: RoleUnreachable, UpdatedAt: at}
	}
	return snap
}

// GroupMember is one entry of a replica group configuration.
type GroupMember struct {
	ID   int    `json:"id"`
	Host string `json:"host"`
}

// GroupConfig is passed to InitiateGroup.
type GroupConfig struct {
	Name    string        `json:"name"`
	Members []GroupMember `json:"members"`
}

// NewGroupConfig numbers hosts in order.
func NewGroupConfig(name string, hosts []string) GroupConfig {
	cfg := GroupConfig{Name: name}
	for i, h := range hosts {
		cfg.Members = append(cfg.Members, GroupMember{ID: i, Host: h})
	}
	return cfg
}

// Hello is the answer to a role query against one member.
type Hello struct {
	Me      string `json:"me"`
	Role    Role   `json:"role"`
	Primary string `json:"primary,omitempty"`
	SetName string `json:"set_name,omitempty"`
}

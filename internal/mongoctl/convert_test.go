package mongoctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/dreamware/shardops/internal/cluster"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not primary", mongo.CommandError{Code: codeNotWritablePrimary, Message: "not primary"}, cluster.ErrTransientUnavailable},
		{"stepped down", mongo.CommandError{Code: codePrimarySteppedDown}, cluster.ErrTransientUnavailable},
		{"retryable label", mongo.CommandError{Code: 1, Labels: []string{"RetryableWriteError"}}, cluster.ErrTransientUnavailable},
		{"ns not found", mongo.CommandError{Code: codeNamespaceNotFound, Message: "ns not found"}, cluster.ErrNamespaceNotFound},
		{"deadline", context.DeadlineExceeded, cluster.ErrTransientUnavailable},
		{"disconnected", mongo.ErrClientDisconnected, cluster.ErrTransientUnavailable},
		{"duplicate key", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}, cluster.ErrDuplicateKey},
		{"unsatisfiable wc", mongo.WriteException{WriteConcernError: &mongo.WriteConcernError{Code: codeUnsatisfiableWC}}, cluster.ErrUnsatisfiableRequirement},
		{"wc timeout", mongo.WriteException{WriteConcernError: &mongo.WriteConcernError{Code: codeWriteConcernFailed}}, cluster.ErrTransientUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			// Driver error types hold slices, so match them by type.
			switch tt.err.(type) {
			case mongo.WriteException:
				assert.ErrorAs(t, got, &mongo.WriteException{}, "driver error stays in the chain")
			case mongo.CommandError:
				assert.ErrorAs(t, got, &mongo.CommandError{}, "driver error stays in the chain")
			default:
				assert.ErrorIs(t, got, tt.err, "driver error stays in the chain")
			}
		})
	}

	assert.NoError(t, classify(nil))
	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestCommandErrorPredicates(t *testing.T) {
	already := mongo.CommandError{Code: codeAlreadyInitialized, Message: "already initialized"}
	assert.True(t, isAlreadyInitialized(already))
	assert.True(t, isAlreadyInitialized(mongo.CommandError{Code: 20, Message: "sharding already enabled for database testDB"}))
	assert.False(t, isAlreadyInitialized(nil))

	assert.True(t, isShardNotFound(mongo.CommandError{Code: codeShardNotFound}))
	assert.True(t, isNotYetInitialized(mongo.CommandError{Code: codeNotYetInitialized}))
	assert.True(t, isBadValue(mongo.CommandError{Code: codeBadValue}))
	assert.True(t, isSplitExists(mongo.CommandError{Message: "new split key { shardKey: 11 } is a boundary key of existing chunk"}))
	assert.True(t, isNoOpMigration(mongo.CommandError{Message: "that chunk is already on that shard"}))
	assert.False(t, isNoOpMigration(errors.New("that chunk is already on that shard")), "only server replies count")
}

func TestWriteConcern(t *testing.T) {
	assert.Equal(t, writeconcern.Majority(), writeConcern(cluster.WriteOptions{Ack: cluster.WriteMajority, Acks: 2}))
	assert.Equal(t, writeconcern.Unacknowledged(), writeConcern(cluster.WriteOptions{Ack: cluster.WriteNone}))
	assert.Equal(t, writeconcern.W1(), writeConcern(cluster.WriteOptions{Ack: cluster.WriteOne}))
	assert.Equal(t, 3, writeConcern(cluster.WriteOptions{Ack: cluster.WriteOne, Acks: 3}).W)
}

func TestReadPreference(t *testing.T) {
	tests := []struct {
		target cluster.ReadTarget
		mode   readpref.Mode
	}{
		{"", readpref.PrimaryMode},
		{cluster.ReadPrimary, readpref.PrimaryMode},
		{cluster.ReadSecondary, readpref.SecondaryMode},
		{cluster.ReadSecondaryPreferred, readpref.SecondaryPreferredMode},
		{cluster.ReadNearest, readpref.NearestMode},
	}
	for _, tt := range tests {
		rp, err := readPreference(tt.target)
		require.NoError(t, err)
		assert.Equal(t, tt.mode, rp.Mode(), string(tt.target))
	}

	_, err := readPreference("fastest")
	assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
}

func TestChunkDoc(t *testing.T) {
	tests := []struct {
		name string
		doc  chunkDoc
		want cluster.KeyRange
	}{
		{
			name: "lower edge",
			doc:  chunkDoc{Min: bson.D{{Key: "shardKey", Value: primitive.MinKey{}}}, Max: bson.D{{Key: "shardKey", Value: int64(11)}}},
			want: cluster.KeyRange{Low: cluster.MinKey, High: 10},
		},
		{
			name: "middle",
			doc:  chunkDoc{Min: bson.D{{Key: "shardKey", Value: int32(11)}}, Max: bson.D{{Key: "shardKey", Value: float64(21)}}},
			want: cluster.KeyRange{Low: 11, High: 20},
		},
		{
			name: "upper edge",
			doc:  chunkDoc{Min: bson.D{{Key: "shardKey", Value: int64(21)}}, Max: bson.D{{Key: "shardKey", Value: primitive.MaxKey{}}}},
			want: cluster.KeyRange{Low: 21, High: cluster.MaxKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.doc.Shard = "rs1"
			c, err := tt.doc.chunk("shardKey")
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Range)
			assert.Equal(t, "rs1", c.Shard)
		})
	}

	_, err := chunkDoc{Min: bson.D{{Key: "other", Value: int64(1)}}}.chunk("shardKey")
	assert.Error(t, err)
	_, err = chunkDoc{Min: bson.D{{Key: "shardKey", Value: "x"}}, Max: bson.D{{Key: "shardKey", Value: int64(2)}}}.chunk("shardKey")
	assert.Error(t, err)
}

func TestReplSetStatusSnapshot(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lastBeat := now.Add(-30 * time.Second)
	status := replSetStatus{
		Set: "rs0",
		Members: []memberStatus{
			{Name: "mongo1:27017", Health: 1, StateStr: "PRIMARY", Self: true},
			{Name: "mongo2:27017", Health: 1, StateStr: "SECONDARY", PingMs: 4},
			{Name: "mongo3:27017", Health: 0, StateStr: "(not reachable/healthy)", LastHeartbeatRecv: lastBeat},
			{Name: "mongo4:27017", Health: 1, StateStr: "STARTUP2"},
		},
	}

	snap := status.snapshot(now)
	assert.Equal(t, "rs0", snap.Set)
	primary, ok := snap.Primary()
	require.True(t, ok)
	assert.Equal(t, "mongo1:27017", primary)
	assert.Equal(t, cluster.RoleSecondary, snap.Role("mongo2:27017"))
	assert.Equal(t, 4*time.Millisecond, snap.Members["mongo2:27017"].Ping)
	assert.Equal(t, cluster.RoleUnreachable, snap.Role("mongo3:27017"))
	assert.Equal(t, lastBeat, snap.Members["mongo3:27017"].LastSeen)
	assert.Equal(t, cluster.RoleUnknown, snap.Role("mongo4:27017"))
	assert.Equal(t, 2, snap.Reachable())
}

func TestHelloReply(t *testing.T) {
	h := helloReply{IsWritablePrimary: true, Me: "mongo1:27017", Primary: "mongo1:27017", SetName: "rs0"}.hello()
	assert.Equal(t, cluster.RolePrimary, h.Role)
	assert.Equal(t, "rs0", h.SetName)

	h = helloReply{Secondary: true, Me: "mongo2:27017", Primary: "mongo1:27017"}.hello()
	assert.Equal(t, cluster.RoleSecondary, h.Role)
	assert.Equal(t, "mongo1:27017", h.Primary)

	assert.Equal(t, cluster.RoleUnknown, helloReply{}.hello().Role)
}

func TestConnectRequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, cluster.ErrInvalidConfig)
}

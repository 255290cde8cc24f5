package remote

import (
	"github.com/dreamware/shardops/internal/cluster"
)

// Request and response bodies exchanged between Client and Server.

type namespaceRequest struct {
	Namespace cluster.Namespace `json:"namespace"`
}

type databaseRequest struct {
	Database string `json:"database"`
}

type shardCollectionRequest struct {
	Namespace cluster.Namespace `json:"namespace"`
	KeyField  string            `json:"key_field"`
}

type keyRequest struct {
	Namespace cluster.Namespace `json:"namespace"`
	Key       int64             `json:"key"`
	Shard     string            `json:"shard,omitempty"`
}

type insertRequest struct {
	Namespace cluster.Namespace    `json:"namespace"`
	Document  cluster.Document     `json:"document"`
	Write     cluster.WriteOptions `json:"write"`
}

type findRequest struct {
	Namespace cluster.Namespace   `json:"namespace"`
	Filter    cluster.Filter      `json:"filter,omitempty"`
	Sort      string              `json:"sort,omitempty"`
	Read      cluster.ReadOptions `json:"read"`
}

type findResponse struct {
	Documents []cluster.Document `json:"documents"`
}

type shardsResponse struct {
	Shards []string `json:"shards"`
}

type chunksResponse struct {
	Chunks []cluster.Chunk `json:"chunks"`
}

type roleRequest struct {
	Role cluster.Role `json:"role"`
}

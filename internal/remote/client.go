package remote

import (
	"context"
	"net/url"
	"strings"

	"github.com/dreamware/shardops/internal/cluster"
)

// Client is a cluster.Handle backed by a Server at baseURL. Errors reported
// by the server unwrap to the matching cluster sentinel.
type Client struct {
	baseURL string
}

var _ cluster.Handle = (*Client)(nil)

// NewClient returns a Client for the node at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

func (c *Client) DropCollection(ctx context.Context, ns cluster.Namespace) error {
	return cluster.PostJSON(ctx, c.url("/admin/drop"), namespaceRequest{Namespace: ns}, nil)
}

func (c *Client) EnablePartitioning(ctx context.Context, database string) error {
	return cluster.PostJSON(ctx, c.url("/admin/enable-partitioning"), databaseRequest{Database: database}, nil)
}

func (c *Client) ShardCollection(ctx context.Context, ns cluster.Namespace, keyField string) error {
	return cluster.PostJSON(ctx, c.url("/admin/shard-collection"), shardCollectionRequest{Namespace: ns, KeyField: keyField}, nil)
}

func (c *Client) SplitAt(ctx context.Context, ns cluster.Namespace, key int64) error {
	return cluster.PostJSON(ctx, c.url("/admin/split"), keyRequest{Namespace: ns, Key: key}, nil)
}

func (c *Client) MoveRange(ctx context.Context, ns cluster.Namespace, key int64, shard string) error {
	return cluster.PostJSON(ctx, c.url("/admin/move"), keyRequest{Namespace: ns, Key: key, Shard: shard}, nil)
}

func (c *Client) InsertOne(ctx context.Context, ns cluster.Namespace, doc cluster.Document, opts cluster.WriteOptions) error {
	return cluster.PostJSON(ctx, c.url("/data/insert"), insertRequest{Namespace: ns, Document: doc, Write: opts}, nil)
}

// Find fetches the whole result in one response and serves it from memory.
func (c *Client) Find(ctx context.Context, ns cluster.Namespace, filter cluster.Filter, sortField string, opts cluster.ReadOptions) (cluster.Cursor, error) {
	var resp findResponse
	req := findRequest{Namespace: ns, Filter: filter, Sort: sortField, Read: opts}
	if err := cluster.PostJSON(ctx, c.url("/data/find"), req, &resp); err != nil {
		return nil, err
	}
	return cluster.NewSliceCursor(resp.Documents), nil
}

func (c *Client) Shards(ctx context.Context) ([]string, error) {
	var resp shardsResponse
	if err := cluster.GetJSON(ctx, c.url("/admin/shards"), &resp); err != nil {
		return nil, err
	}
	return resp.Shards, nil
}

func (c *Client) Chunks(ctx context.Context, ns cluster.Namespace) ([]cluster.Chunk, error) {
	var resp chunksResponse
	if err := cluster.GetJSON(ctx, c.url("/admin/chunks?ns="+url.QueryEscape(ns.String())), &resp); err != nil {
		return nil, err
	}
	return resp.Chunks, nil
}

func (c *Client) GroupStatus(ctx context.Context) (cluster.TopologySnapshot, error) {
	var snap cluster.TopologySnapshot
	err := cluster.GetJSON(ctx, c.url("/replset/status"), &snap)
	return snap, err
}

func (c *Client) InitiateGroup(ctx context.Context, cfg cluster.GroupConfig) error {
	return cluster.PostJSON(ctx, c.url("/replset/initiate"), cfg, nil)
}

func (c *Client) CurrentRole(ctx context.Context) (cluster.Hello, error) {
	var hello cluster.Hello
	err := cluster.GetJSON(ctx, c.url("/replset/hello"), &hello)
	return hello, err
}

// SetMemberRole injects a role change on a sandbox node.
func (c *Client) SetMemberRole(ctx context.Context, addr string, role cluster.Role) error {
	return cluster.PostJSON(ctx, c.url("/replset/members/"+url.PathEscape(addr)+"/role"), roleRequest{Role: role}, nil)
}

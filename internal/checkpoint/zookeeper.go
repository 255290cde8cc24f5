package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/dreamware/shardops/internal/cluster"
)

// zkConn is the part of *zk.Conn the store uses.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	State() zk.State
	Close()
}

// ZKStore keeps one znode per key under rootPath, holding the record as
// JSON. Records survive coordinator restarts, so a re-run resumes where the
// last one stopped.
type ZKStore struct {
	conn     zkConn
	rootPath string
}

// NewZKStore connects to servers (["zk1:2181", ...]) and waits up to
// connectTimeout for a session.
func NewZKStore(servers []string, rootPath string, connectTimeout time.Duration) (*ZKStore, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: no zookeeper servers", cluster.ErrInvalidConfig)
	}
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	s := newZKStore(conn, rootPath)
	if err := s.waitConnected(connectTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newZKStore(conn zkConn, rootPath string) *ZKStore {
	return &ZKStore{conn: conn, rootPath: "/" + strings.Trim(rootPath, "/")}
}

// Close closes the ZooKeeper session.
func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *ZKStore) path(key string) string {
	return s.rootPath + "/" + strings.ReplaceAll(key, "/", "_")
}

func (s *ZKStore) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Load reads the record znode for key.
func (s *ZKStore) Load(_ context.Context, key string) (Record, bool, error) {
	data, _, err := s.conn.Get(s.path(key))
	if errors.Is(err, zk.ErrNoNode) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, classify(err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode checkpoint %s: %w", s.path(key), err)
	}
	return rec, true, nil
}

// Save writes the record znode for key, creating it if needed.
func (s *ZKStore) Save(_ context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.ensurePath(s.rootPath); err != nil {
		return classify(fmt.Errorf("ensure %s: %w", s.rootPath, err))
	}

	path := s.path(key)
	_, err = s.conn.Set(path, data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		_, err = s.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = s.conn.Set(path, data, -1)
		}
	}
	if err != nil {
		return classify(fmt.Errorf("save %s: %w", path, err))
	}
	return nil
}

// Clear deletes the record znode for key; a missing znode is not an error.
func (s *ZKStore) Clear(_ context.Context, key string) error {
	err := s.conn.Delete(s.path(key), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return classify(err)
	}
	return nil
}

func (s *ZKStore) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := s.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: zk not connected after %s, state=%v", cluster.ErrTransientUnavailable, timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// classify marks connection-level failures as transient.
func classify(err error) error {
	switch {
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", cluster.ErrTransientUnavailable, err)
	}
	return err
}

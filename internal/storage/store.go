// Package storage provides ordered in-memory document storage for the
// simulated cluster. See doc.go for complete package documentation.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"github.com/dreamware/shardops/internal/cluster"
)

// ErrDocumentNotFound is returned when no document carries the requested ID.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore keeps documents ordered by partition key.
//
// Documents are identified by their _id. Several documents may share a
// partition key; ties are ordered by _id.
type DocumentStore interface {
	// Insert adds doc under key.
	// Returns cluster.ErrDuplicateKey if a document with the same _id exists.
	Insert(key int64, doc cluster.Document) error

	// Get retrieves a document by _id.
	// Returns ErrDocumentNotFound if absent.
	Get(id string) (cluster.Document, error)

	// Delete removes a document by _id.
	// No error if absent.
	Delete(id string) error

	// Range returns copies of the documents whose key lies in r, in key order.
	Range(r cluster.KeyRange) []cluster.Document

	// Extract removes and returns the documents whose key lies in r.
	Extract(r cluster.KeyRange) []Entry

	// Stats returns storage statistics
	Stats() StoreStats
}

// Entry is a document with its partition key.
type Entry struct {
	Key int64
	Doc cluster.Document
}

// StoreStats summarizes a store.
type StoreStats struct {
	Documents int   // Number of documents
	MinKey    int64 // Smallest key present, zero when empty
	MaxKey    int64 // Largest key present, zero when empty
}

type docKey struct {
	key int64
	id  string
}

func lessDocKey(a, b docKey) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.id < b.id
}

// MemoryStore is a DocumentStore backed by a skip list.
//
// The skip list gives ordered range scans; the id index enforces _id
// uniqueness. mu serializes writers so both structures change together.
type MemoryStore struct {
	mu   sync.RWMutex                               // Protects byID and keeps it in step with docs
	docs *skipmap.FuncMap[docKey, cluster.Document] // Ordered by (key, id)
	byID map[string]int64                           // _id -> partition key
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: skipmap.NewFunc[docKey, cluster.Document](lessDocKey),
		byID: make(map[string]int64),
	}
}

// DocumentID returns the _id of doc as a string.
func DocumentID(doc cluster.Document) (string, error) {
	v, ok := doc[cluster.FieldID]
	if !ok || v == nil {
		return "", fmt.Errorf("document has no %s", cluster.FieldID)
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case fmt.Stringer:
		return id.String(), nil
	default:
		return fmt.Sprint(id), nil
	}
}

// Insert adds doc under key. A repeated _id returns cluster.ErrDuplicateKey.
func (m *MemoryStore) Insert(key int64, doc cluster.Document) error {
	id, err := DocumentID(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[id]; exists {
		return fmt.Errorf("%s %q: %w", cluster.FieldID, id, cluster.ErrDuplicateKey)
	}
	m.byID[id] = key
	// Store a copy to prevent external modification
	m.docs.Store(docKey{key: key, id: id}, doc.Clone())
	return nil
}

// Get returns the document with the given _id.
func (m *MemoryStore) Get(id string) (cluster.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byID[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	doc, ok := m.docs.Load(docKey{key: key, id: id})
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

// Delete removes the document with the given _id; an unknown id is a no-op.
func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byID, id)
	m.docs.Delete(docKey{key: key, id: id})
	return nil
}

// Range returns the documents with keys in r, ordered by key.
func (m *MemoryStore) Range(r cluster.KeyRange) []cluster.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cluster.Document
	m.docs.Range(func(k docKey, doc cluster.Document) bool {
		if k.key > r.High {
			return false
		}
		if k.key >= r.Low {
			out = append(out, doc.Clone())
		}
		return true
	})
	return out
}

// Extract removes and returns the entries with keys in r.
func (m *MemoryStore) Extract(r cluster.KeyRange) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []docKey
	var out []Entry
	m.docs.Range(func(k docKey, doc cluster.Document) bool {
		if k.key > r.High {
			return false
		}
		if k.key >= r.Low {
			keys = append(keys, k)
			out = append(out, Entry{Key: k.key, Doc: doc})
		}
		return true
	})
	for _, k := range keys {
		m.docs.Delete(k)
		delete(m.byID, k.id)
	}
	return out
}

// Stats reports the document count and key bounds.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Documents: m.docs.Len()}
	first := true
	m.docs.Range(func(k docKey, _ cluster.Document) bool {
		if first {
			stats.MinKey = k.key
			first = false
		}
		stats.MaxKey = k.key
		return true
	})
	return stats
}

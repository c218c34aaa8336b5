package statefn

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process StateStore, used by a node to checkpoint a
// replobj.Object's snapshot without standing up an external key-value
// service. It is not shared across nodes: each replica checkpoints its own
// locally-applied state, the same value every correct replica would
// independently compute from the ordered log.
type MemStore struct {
	mu sync.Mutex
	m  map[string]*Entry // keyed by functionID + "\x00" + key
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]*Entry)}
}

func memKey(functionID, key string) string {
	return functionID + "\x00" + key
}

// Get implements StateStore.
func (s *MemStore) Get(ctx context.Context, functionID, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[memKey(functionID, key)]
	if !ok {
		return nil, ErrStateNotFound
	}
	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		delete(s.m, memKey(functionID, key))
		return nil, ErrStateNotFound
	}
	cp := *e
	return &cp, nil
}

// Put implements StateStore.
func (s *MemStore) Put(ctx context.Context, functionID, key string, value json.RawMessage, opts *PutOptions) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	mk := memKey(functionID, key)
	existing, exists := s.m[mk]

	if opts != nil && opts.ExpectedVersion != 0 {
		if !exists {
			return nil, ErrStateNotFound
		}
		if existing.Version != opts.ExpectedVersion {
			return nil, ErrVersionMismatch
		}
	}

	e := &Entry{
		FunctionID: functionID,
		Key:        key,
		Value:      append(json.RawMessage(nil), value...),
		UpdatedAt:  now,
	}
	if exists {
		e.CreatedAt = existing.CreatedAt
		e.Version = existing.Version + 1
	} else {
		e.CreatedAt = now
		e.Version = 1
	}
	if opts != nil && opts.TTL > 0 {
		expires := now.Add(opts.TTL)
		e.ExpiresAt = &expires
	}

	s.m[mk] = e
	cp := *e
	return &cp, nil
}

// Delete implements StateStore.
func (s *MemStore) Delete(ctx context.Context, functionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, memKey(functionID, key))
	return nil
}

// List implements StateStore.
func (s *MemStore) List(ctx context.Context, functionID string, opts *ListOptions) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := ""
	limit, offset := 0, 0
	if opts != nil {
		prefix = opts.Prefix
		limit = opts.Limit
		offset = opts.Offset
	}

	var out []*Entry
	for _, e := range s.m {
		if e.FunctionID != functionID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Key, prefix) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements StateStore; MemStore has no external connectivity to verify.
func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements StateStore; MemStore holds no external resources.
func (s *MemStore) Close() error {
	return nil
}

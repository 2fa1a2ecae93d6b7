package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/store"
)

// MemoryPartition is an in-memory stand-in for store.Partition with the same
// insertion-order semantics. FailWrites and FailReads inject errors.
type MemoryPartition struct {
	mu      sync.Mutex
	name    string
	entries map[string]*store.Entry
	order   []string

	FailWrites error
	FailReads  error
	Puts       int
}

// NewMemoryPartition creates an empty in-memory partition.
func NewMemoryPartition(name string) *MemoryPartition {
	return &MemoryPartition{name: name, entries: make(map[string]*store.Entry)}
}

// Name returns the partition name.
func (p *MemoryPartition) Name() string { return p.name }

// Get returns a copy of the entry or store.ErrNotFound.
func (p *MemoryPartition) Get(_ context.Context, key string) (*store.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReads != nil {
		return nil, p.FailReads
	}
	e, ok := p.entries[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	cp.Data = append([]byte(nil), e.Data...)
	return &cp, nil
}

// Has reports whether key is stored.
func (p *MemoryPartition) Has(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailReads != nil {
		return false, p.FailReads
	}
	_, ok := p.entries[key]
	return ok, nil
}

// Put stores entry, moving an overwritten key to the newest position.
func (p *MemoryPartition) Put(_ context.Context, entry *store.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWrites != nil {
		return p.FailWrites
	}
	if entry == nil || entry.Key == "" {
		return errors.New("invalid entry")
	}
	p.removeLocked(entry.Key)
	cp := *entry
	p.entries[entry.Key] = &cp
	p.order = append(p.order, entry.Key)
	p.Puts++
	return nil
}

// Delete removes key if present.
func (p *MemoryPartition) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWrites != nil {
		return p.FailWrites
	}
	p.removeLocked(key)
	return nil
}

// Len returns the number of entries.
func (p *MemoryPartition) Len(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.order)), nil
}

// Keys returns keys oldest insertion first.
func (p *MemoryPartition) Keys(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...), nil
}

// EvictOldest removes and returns the oldest key.
func (p *MemoryPartition) EvictOldest(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return "", store.ErrNotFound
	}
	key := p.order[0]
	p.removeLocked(key)
	return key, nil
}

// Drop removes every entry.
func (p *MemoryPartition) Drop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*store.Entry)
	p.order = nil
	return nil
}

func (p *MemoryPartition) removeLocked(key string) {
	if _, ok := p.entries[key]; !ok {
		return
	}
	delete(p.entries, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

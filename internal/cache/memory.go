package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process LRU bounded by entry count. The LRU expires
// entries after maxTTL; per-entry TTLs shorter than that are enforced on read.
type Memory struct {
	lru *expirable.LRU[string, Entry]
	now func() time.Time
}

// NewMemory holds at most size entries, none longer than maxTTL.
func NewMemory(size int, maxTTL time.Duration) *Memory {
	if size <= 0 {
		size = 10_000
	}
	return &Memory{
		lru: expirable.NewLRU[string, Entry](size, nil, maxTTL),
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !e.Fresh(m.now()) {
		m.lru.Remove(key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) Put(_ context.Context, key string, e Entry) error {
	if e.TTL <= 0 {
		return nil
	}
	m.lru.Add(key, e)
	return nil
}

// Len returns the number of entries held, including ones not yet swept.
func (m *Memory) Len() int {
	return m.lru.Len()
}

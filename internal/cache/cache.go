// Package cache provides the shared key/value cache used by health checks
// and short-lived lookups.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a TTL'd key/value store.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Memory is an in-process LRU cache with a fixed TTL.
type Memory struct {
	lru *expirable.LRU[string, string]
}

// NewMemory creates a cache holding up to size entries for ttl each.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(key string) (string, bool) {
	return m.lru.Get(key)
}

// Set stores value under key.
func (m *Memory) Set(key, value string) {
	m.lru.Add(key, value)
}

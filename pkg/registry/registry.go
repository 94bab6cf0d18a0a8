// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a named collection of process-wide components (retriever
// clients, LLM providers, embedders). Entries are created once and reused
// for the process lifetime.
type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	GetOrCreate(name string, create func() (T, error)) (T, error)
	Names() []string
	Count() int
}

type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		items: make(map[string]T),
	}
}

func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item with name '%s' already registered", name)
	}

	r.items[name] = item
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// GetOrCreate returns the cached entry for name, creating it with create on
// first use. The create call runs under the registry lock so concurrent
// callers never build the same client twice.
func (r *BaseRegistry[T]) GetOrCreate(name string, create func() (T, error)) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item, exists := r.items[name]; exists {
		return item, nil
	}

	item, err := create()
	if err != nil {
		var zero T
		return zero, err
	}

	r.items[name] = item
	return item, nil
}

func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

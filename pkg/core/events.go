// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"context"
	"sync"
)

// Event is a one-shot, waitable signal. Once set it stays set; waiters are
// released and later waits return immediately. The zero value is unusable;
// use NewEvent.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set signals the event. Safe to call more than once.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has been signalled.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done exposes the signal channel for select statements.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// Wait blocks until the event is set or the context ends.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

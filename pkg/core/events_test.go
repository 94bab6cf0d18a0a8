// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSetOnce(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.IsSet())

	e.Set()
	assert.True(t, e.IsSet())

	// Second Set is a no-op, not a panic.
	e.Set()
	assert.True(t, e.IsSet())
}

func TestEventReleasesWaiters(t *testing.T) {
	e := NewEvent()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, e.Wait(context.Background()))
		}()
	}

	e.Set()
	wg.Wait()
}

func TestEventWaitContextCancelled(t *testing.T) {
	e := NewEvent()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, e.IsSet())
}

func TestEventDoneSelectable(t *testing.T) {
	e := NewEvent()

	select {
	case <-e.Done():
		t.Fatal("event should not be done")
	default:
	}

	e.Set()
	select {
	case <-e.Done():
	default:
		t.Fatal("event should be done")
	}
}

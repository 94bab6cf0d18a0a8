// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureSender(connLost *Event, opts ...SenderOption) (*Sender, *[]Message) {
	var emitted []Message
	var mu sync.Mutex
	capture := func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, msg)
		return nil
	}
	opts = append([]SenderOption{WithEmitter(capture)}, opts...)
	return NewSender("q-1", connLost, opts...), &emitted
}

func TestSenderFlushesHeadersOnce(t *testing.T) {
	s, emitted := captureSender(NewEvent(),
		WithHeaders(map[string]string{"X-Provider": "nlweb"}),
		WithAPIKeys([]string{"OPENAI_API_KEY"}),
	)

	require.NoError(t, s.Send(NewMessage(MsgIntermediate)))
	require.NoError(t, s.Send(NewMessage(MsgResultBatch)))

	types := make([]string, len(*emitted))
	for i, msg := range *emitted {
		types[i] = msg.Type()
	}
	assert.Equal(t, []string{MsgAPIVersion, MsgHeader, MsgAPIKey, MsgIntermediate, MsgResultBatch}, types)
}

func TestSenderInjectsQueryID(t *testing.T) {
	s, emitted := captureSender(NewEvent())

	require.NoError(t, s.Send(NewMessage(MsgIntermediate)))
	for _, msg := range *emitted {
		assert.Equal(t, "q-1", msg["query_id"], "message %s missing query_id", msg.Type())
	}
}

func TestSenderNoOpAfterConnectionLost(t *testing.T) {
	connLost := NewEvent()
	s, emitted := captureSender(connLost)

	require.NoError(t, s.Send(NewMessage(MsgIntermediate)))
	before := len(*emitted)

	connLost.Set()
	require.NoError(t, s.Send(NewMessage(MsgResultBatch)))
	assert.Len(t, *emitted, before)
}

func TestSenderEmitFailureSetsConnLost(t *testing.T) {
	connLost := NewEvent()
	s := NewSender("q-1", connLost, WithEmitter(func(Message) error {
		return errors.New("broken pipe")
	}))

	err := s.Send(NewMessage(MsgIntermediate))
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.True(t, connLost.IsSet())

	// Subsequent sends drain silently.
	assert.NoError(t, s.Send(NewMessage(MsgResultBatch)))
}

func TestSendCheckedRespectsAbort(t *testing.T) {
	abort := NewEvent()
	s, emitted := captureSender(NewEvent())

	sent, err := s.SendChecked(abort, NewMessage(MsgResultBatch))
	require.NoError(t, err)
	assert.True(t, sent)

	abort.Set()
	sent, err = s.SendChecked(abort, NewMessage(MsgResultBatch))
	require.NoError(t, err)
	assert.False(t, sent)

	count := 0
	for _, msg := range *emitted {
		if msg.Type() == MsgResultBatch {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSenderAccumulatesWithoutEmitter(t *testing.T) {
	s := NewSender("q-1", NewEvent())

	batch := NewMessage(MsgResultBatch)
	batch["results"] = []string{"u1"}
	require.NoError(t, s.Send(batch))
	require.NoError(t, s.Send(NewMessage(MsgComplete)))

	acc := s.Accumulated()
	assert.Len(t, acc[MsgResultBatch], 1)
	assert.Len(t, acc[MsgComplete], 1)
	assert.Len(t, acc[MsgAPIVersion], 1)
}

func TestSenderTotallyOrdered(t *testing.T) {
	s, emitted := captureSender(NewEvent())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := NewMessage(MsgIntermediate)
			msg["n"] = fmt.Sprintf("%d", i)
			_ = s.Send(msg)
		}(i)
	}
	wg.Wait()

	// One header flush plus twenty content messages.
	assert.Len(t, *emitted, 21)
	assert.Equal(t, MsgAPIVersion, (*emitted)[0].Type())
}

// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"sync"
)

// EmitFunc writes one frame to the caller. Nil means non-streaming mode:
// messages only accumulate.
type EmitFunc func(Message) error

// Sender serialises all message emission for one request. Concurrent
// components share one Sender; a mutex totally orders their sends. The first
// send also flushes protocol headers (api_version first, then configured
// response headers and API-key announcements) exactly once. After the
// connection is lost, Send becomes a no-op.
type Sender struct {
	mu          sync.Mutex
	emit        EmitFunc
	queryID     string
	headers     map[string]string
	apiKeys     []string
	connLost    *Event
	headersSent bool
	accumulated map[string][]Message
}

type SenderOption func(*Sender)

// WithEmitter installs the streaming write path.
func WithEmitter(emit EmitFunc) SenderOption {
	return func(s *Sender) { s.emit = emit }
}

// WithHeaders sets the configured response headers announced on first send.
func WithHeaders(headers map[string]string) SenderOption {
	return func(s *Sender) { s.headers = headers }
}

// WithAPIKeys sets the API-key names announced on first send.
func WithAPIKeys(keys []string) SenderOption {
	return func(s *Sender) { s.apiKeys = keys }
}

func NewSender(queryID string, connLost *Event, opts ...SenderOption) *Sender {
	s := &Sender{
		queryID:     queryID,
		connLost:    connLost,
		accumulated: make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send emits one message. Injects query_id, flushes headers on the first
// call, and accumulates the message for the non-streaming return value.
// Returns ErrConnectionLost after the caller disconnected.
func (s *Sender) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(msg)
}

// SendChecked emits only if abort is still unset, checked under the send
// mutex so an abort never races an in-flight emission. Reports whether the
// message went out.
func (s *Sender) SendChecked(abort *Event, msg Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if abort != nil && abort.IsSet() {
		return false, nil
	}
	if err := s.sendLocked(msg); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Sender) sendLocked(msg Message) error {
	if s.connLost != nil && s.connLost.IsSet() {
		return nil
	}

	if !s.headersSent {
		s.headersSent = true
		if err := s.flushHeadersLocked(); err != nil {
			return err
		}
	}
	return s.writeLocked(msg)
}

func (s *Sender) flushHeadersLocked() error {
	version := NewMessage(MsgAPIVersion)
	version["api_version"] = APIVersion
	if err := s.writeLocked(version); err != nil {
		return err
	}

	if len(s.headers) > 0 {
		header := NewMessage(MsgHeader)
		header["headers"] = s.headers
		if err := s.writeLocked(header); err != nil {
			return err
		}
	}

	for _, key := range s.apiKeys {
		announce := NewMessage(MsgAPIKey)
		announce["key_name"] = key
		if err := s.writeLocked(announce); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) writeLocked(msg Message) error {
	msg["query_id"] = s.queryID
	s.accumulated[msg.Type()] = append(s.accumulated[msg.Type()], msg)

	if s.emit == nil {
		return nil
	}
	if err := s.emit(msg); err != nil {
		// A write failure means the caller is gone. Later sends drain.
		if s.connLost != nil {
			s.connLost.Set()
		}
		return ErrConnectionLost
	}
	return nil
}

// Accumulated returns the messages grouped by type, for the non-streaming
// return value.
func (s *Sender) Accumulated() map[string][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Message, len(s.accumulated))
	for t, msgs := range s.accumulated {
		out[t] = append([]Message(nil), msgs...)
	}
	return out
}

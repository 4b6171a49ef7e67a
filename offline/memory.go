// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline

import (
	"context"
	"sync"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Memory is an in-memory Queue safe for concurrent use. Messages do not
// survive a process restart.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]stanza.Message
	limit  int
}

// NewMemory returns an empty queue. If limit is greater than zero, each
// recipient's queue is capped at that many messages; older messages are
// dropped first.
func NewMemory(limit int) *Memory {
	return &Memory{
		queues: make(map[string][]stanza.Message),
		limit:  limit,
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, to jid.JID, msg stanza.Message) error {
	key := to.Bare().String()
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.queues[key], msg)
	if m.limit > 0 && len(q) > m.limit {
		q = q[len(q)-m.limit:]
	}
	m.queues[key] = q
	return nil
}

// Drain implements Queue.
func (m *Memory) Drain(_ context.Context, to jid.JID) ([]stanza.Message, error) {
	key := to.Bare().String()
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	delete(m.queues, key)
	return q, nil
}

var _ Queue = (*Memory)(nil)

// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"mellium.im/xmppd/jid"
)

// Memory is an in-memory implementation of AccountStore and RosterStore.
// It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	rosters  map[string]map[string]RosterItem
	nextID   int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]Account),
		rosters:  make(map[string]map[string]RosterItem),
	}
}

// VerifyCredentials implements AccountStore.
func (m *Memory) VerifyCredentials(_ context.Context, username, secret string) (bool, error) {
	m.mu.RLock()
	acc, ok := m.accounts[username]
	m.mu.RUnlock()
	if !ok {
		return false, ErrNotFound
	}
	return subtle.ConstantTimeCompare([]byte(acc.Password), []byte(secret)) == 1, nil
}

// Password implements AccountStore.
func (m *Memory) Password(_ context.Context, username string) (string, error) {
	m.mu.RLock()
	acc, ok := m.accounts[username]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return acc.Password, nil
}

// Exists implements AccountStore.
func (m *Memory) Exists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	_, ok := m.accounts[username]
	m.mu.RUnlock()
	return ok, nil
}

// Create implements AccountStore.
func (m *Memory) Create(_ context.Context, username, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.nextID++
	m.accounts[username] = Account{
		ID:        m.nextID,
		Username:  username,
		Password:  secret,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Load implements RosterStore.
func (m *Memory) Load(_ context.Context, owner jid.JID) ([]RosterItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.rosters[owner.Bare().String()]
	out := make([]RosterItem, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	return out, nil
}

// Upsert implements RosterStore.
func (m *Memory) Upsert(_ context.Context, item RosterItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := item.Owner.Bare().String()
	items := m.rosters[owner]
	if items == nil {
		items = make(map[string]RosterItem)
		m.rosters[owner] = items
	}
	items[item.Contact.Bare().String()] = item
	return nil
}

// Remove implements RosterStore.
func (m *Memory) Remove(_ context.Context, owner, contact jid.JID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rosters[owner.Bare().String()], contact.Bare().String())
	return nil
}

var (
	_ AccountStore = (*Memory)(nil)
	_ RosterStore  = (*Memory)(nil)
)

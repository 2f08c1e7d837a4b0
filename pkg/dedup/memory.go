// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2024 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dedup provides time-windowed "seen" sets used to drop duplicate
// deliveries of inbound events.
package dedup

import (
	"context"
	"sync"
	"time"
)

type Set interface {
	// CheckAndMark marks the key as seen and reports whether it had already
	// been marked within the window.
	CheckAndMark(ctx context.Context, key string) (seen bool, err error)
}

type memoryEntry struct {
	at   time.Time
	slot int
}

// Memory is an in-process Set that remembers at most size keys for at most ttl.
type Memory struct {
	lock sync.Mutex
	ttl  time.Duration
	seen map[string]memoryEntry
	ring []string
	ptr  int

	now func() time.Time
}

var _ Set = (*Memory)(nil)

func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 4096
	}
	return &Memory{
		ttl:  ttl,
		seen: make(map[string]memoryEntry, size),
		ring: make([]string, size),
		now:  time.Now,
	}
}

func (m *Memory) CheckAndMark(_ context.Context, key string) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.now()
	if entry, ok := m.seen[key]; ok && (m.ttl <= 0 || now.Sub(entry.at) < m.ttl) {
		return true, nil
	}
	if evicted := m.ring[m.ptr]; evicted != "" {
		// The evicted key may have been re-marked into a newer slot after expiring.
		if entry, ok := m.seen[evicted]; ok && entry.slot == m.ptr {
			delete(m.seen, evicted)
		}
	}
	m.ring[m.ptr] = key
	m.seen[key] = memoryEntry{at: now, slot: m.ptr}
	m.ptr = (m.ptr + 1) % len(m.ring)
	return false, nil
}

func (m *Memory) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.seen)
}

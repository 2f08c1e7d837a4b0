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

package bridge

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// workQueue is an unbounded FIFO drained by a single consumer. Push never
// blocks, so the router is never held up by a slow portal.
type workQueue[T any] struct {
	lock   sync.Mutex
	items  []T
	signal chan struct{}
	depth  atomic.Int64
}

func newWorkQueue[T any]() *workQueue[T] {
	return &workQueue[T]{signal: make(chan struct{}, 1)}
}

func (q *workQueue[T]) Push(item T) {
	q.lock.Lock()
	q.items = append(q.items, item)
	q.lock.Unlock()
	q.depth.Inc()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop waits for the next item. ok is false once ctx is done.
func (q *workQueue[T]) Pop(ctx context.Context) (item T, ok bool) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.lock.Unlock()
			q.depth.Dec()
			return item, true
		}
		q.lock.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return item, false
		}
	}
}

func (q *workQueue[T]) Len() int {
	return int(q.depth.Load())
}

// Copyright 2025 The Poolhouse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"errors"
	"sync"

	"github.com/poolhouse/poolhouse/go/tools/list"
)

// WaitPolicy selects how the pool wakes queued checkout requests when a
// worker frees up. It is fixed at pool construction.
type WaitPolicy int

const (
	// WaitFIFO wakes the longest-waiting request first. This is the
	// default: no waiter starves under bounded load.
	WaitFIFO WaitPolicy = iota

	// WaitLIFO wakes the most recent request first. Recently-parked
	// callers are more likely to still be scheduled, which lowers handoff
	// latency under bursty load, at the cost of fairness.
	WaitLIFO
)

// waiter is one parked checkout request. The worker channel receives the
// handed-over worker; ownership transfers with the send.
type waiter[C Conn] struct {
	worker chan *Worker[C]
}

// waitlist parks checkout requests while all workers are busy.
//
// Enqueue and popWaiter are only called while holding the pool mutex,
// which rules out lost wakeups: a release either sees the parked waiter
// or the waiter sees the idle worker. Removal on expiry takes only the
// waitlist mutex and races with an in-flight handoff; the loser of that
// race must complete the handoff (see wait).
type waitlist[C Conn] struct {
	policy WaitPolicy
	nodes  sync.Pool

	mu   sync.Mutex
	list list.List[waiter[C]]
}

func (wl *waitlist[C]) init(policy WaitPolicy) {
	wl.policy = policy
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{worker: make(chan *Worker[C])},
		}
	}
	wl.list.Init()
}

// enqueue parks a new request and returns its list element. The element
// comes from a sync.Pool; wait returns it there.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])

	wl.mu.Lock()
	wl.list.PushBackValue(elem)
	wl.mu.Unlock()
	return elem
}

// wait blocks until a worker is handed to elem, the context expires, or
// the pool closes. When the wait is abandoned but a handoff is already in
// flight, the worker is received anyway and returned alongside the error;
// the caller must hand it back to the pool so that an expired checkout
// never owns a worker.
func (wl *waitlist[C]) wait(ctx context.Context, elem *list.Element[waiter[C]], closeCh <-chan struct{}) (*Worker[C], error) {
	defer wl.nodes.Put(elem)

	select {
	case w := <-elem.Value.worker:
		return w, nil

	case <-closeCh:
		if wl.remove(elem) {
			return nil, ErrPoolClosed
		}
		// Another goroutine is mid-handoff; take the worker so the send
		// completes, and let the caller dispose of it.
		return <-elem.Value.worker, ErrPoolClosed

	case <-ctx.Done():
		err := context.Cause(ctx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			err = ErrTimeout
		}
		if wl.remove(elem) {
			return nil, err
		}
		return <-elem.Value.worker, err
	}
}

// remove unparks elem. Reports false if elem is no longer queued, meaning
// a handoff to it is in flight.
func (wl *waitlist[C]) remove(elem *list.Element[waiter[C]]) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	for e := wl.list.Front(); e != nil; e = e.Next() {
		if e == elem {
			wl.list.Remove(elem)
			return true
		}
	}
	return false
}

// popWaiter dequeues the next request per the wait policy, or nil when
// nobody is waiting. The returned element is out of the list; the caller
// must complete the handoff by sending on its worker channel.
func (wl *waitlist[C]) popWaiter() *list.Element[waiter[C]] {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	var elem *list.Element[waiter[C]]
	switch wl.policy {
	case WaitLIFO:
		elem = wl.list.Back()
	default:
		elem = wl.list.Front()
	}
	if elem != nil {
		wl.list.Remove(elem)
	}
	return elem
}

// waiting returns the number of parked requests.
func (wl *waitlist[C]) waiting() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.list.Len()
}

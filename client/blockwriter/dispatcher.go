// Copyright 2026 The Quorumstor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockwriter

import (
	"sync"
)

// dispatcher is the single sequential worker that applies every async
// completion to the Writer's shared state. Exactly one run goroutine
// exists per Writer; completions are applied strictly in the order
// they are received, which may differ from submission order.
type dispatcher struct {
	events   chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		events:  make(chan func(), 16),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case f := <-d.events:
			f()
		case <-d.stopped:
			return
		}
	}
}

// enqueue schedules f on the dispatcher. Events enqueued after stop
// are dropped; the stream is inert by then and a completion for a
// request that was in flight at cleanup must not touch state.
func (d *dispatcher) enqueue(f func()) {
	select {
	case d.events <- f:
	case <-d.stopped:
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// Package transport holds the pieces shared by the message transports.
package transport

import (
	"sync"

	"github.com/DobryySoul/gossipstate/internal/protocol"
)

// DefaultQueueSize is the inbound buffer per subscriber.
const DefaultQueueSize = 1024

// Fanout delivers inbound messages to every subscriber channel.
// A full subscriber queue drops the message, like a lossy link.
type Fanout struct {
	mu        sync.Mutex
	subs      map[int]chan protocol.Message
	next      int
	queueSize int
	closed    bool
}

func NewFanout(queueSize int) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Fanout{
		subs:      make(map[int]chan protocol.Message),
		queueSize: queueSize,
	}
}

// Subscribe returns an inbound channel and a function that detaches it.
// The channel is closed on detach or when the fanout closes.
func (f *Fanout) Subscribe() (<-chan protocol.Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan protocol.Message, f.queueSize)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish offers msg to all subscribers and returns how many were full.
func (f *Fanout) Publish(msg protocol.Message) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

// Close detaches and closes every subscriber.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

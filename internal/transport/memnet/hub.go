// Package memnet is an in-process transport. Every endpoint joined to a Hub
// can reach every other one; messages go through the wire codec so receivers
// never share memory with the sender.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DobryySoul/gossipstate/internal/protocol"
	"github.com/DobryySoul/gossipstate/internal/transport"
)

var (
	ErrAddressInUse = errors.New("memnet: address already joined")
	ErrClosed       = errors.New("memnet: endpoint is closed")
)

// Hub connects endpoints by address.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Join attaches a new endpoint with the given address.
func (h *Hub) Join(address string) (*Endpoint, error) {
	if address == "" {
		return nil, fmt.Errorf("memnet: address cannot be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	ep := &Endpoint{
		hub:     h,
		address: address,
		fanout:  transport.NewFanout(transport.DefaultQueueSize),
	}
	h.endpoints[address] = ep
	return ep, nil
}

// Addresses lists the endpoints currently online.
func (h *Hub) Addresses() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.endpoints))
	for addr := range h.endpoints {
		out = append(out, addr)
	}
	return out
}

func (h *Hub) leave(address string) {
	h.mu.Lock()
	delete(h.endpoints, address)
	h.mu.Unlock()
}

// Endpoint is one node's attachment to a Hub.
type Endpoint struct {
	hub     *Hub
	address string
	fanout  *transport.Fanout

	mu     sync.RWMutex
	closed bool
}

func (e *Endpoint) Address() string {
	return e.address
}

// Broadcast delivers msg to msg.Destination, or to every other endpoint when
// no destination is set. Unknown destinations are dropped silently.
func (e *Endpoint) Broadcast(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	msg.Source = e.address
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("memnet: encode: %w", err)
	}

	e.hub.mu.RLock()
	targets := make([]*Endpoint, 0, len(e.hub.endpoints))
	if msg.Destination != "" {
		if ep, ok := e.hub.endpoints[msg.Destination]; ok && ep != e {
			targets = append(targets, ep)
		}
	} else {
		for _, ep := range e.hub.endpoints {
			if ep != e {
				targets = append(targets, ep)
			}
		}
	}
	e.hub.mu.RUnlock()

	for _, ep := range targets {
		decoded, err := protocol.Decode(data)
		if err != nil {
			return fmt.Errorf("memnet: decode: %w", err)
		}
		ep.fanout.Publish(decoded)
	}
	return nil
}

func (e *Endpoint) Subscribe() (<-chan protocol.Message, func()) {
	return e.fanout.Subscribe()
}

// Close takes the endpoint offline and closes its subscriptions.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.hub.leave(e.address)
	e.fanout.Close()
	return nil
}

package gossip

import (
	"fmt"
	"slices"
)

// HandlerID identifies a change handler for removal.
type HandlerID uint64

type changeHandler struct {
	id HandlerID
	fn func()
}

// OnChange registers fn to run after every successful local commit and
// after Clear. Handlers run in registration order on the committing
// goroutine, so they may run concurrently with each other's later calls.
func (r *Replicator) OnChange(fn func()) HandlerID {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.nextHandler++
	r.handlers = append(r.handlers, changeHandler{id: r.nextHandler, fn: fn})
	return r.nextHandler
}

// RemoveChangeHandler unregisters the handler and reports whether it existed.
func (r *Replicator) RemoveChangeHandler(id HandlerID) bool {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	i := slices.IndexFunc(r.handlers, func(h changeHandler) bool { return h.id == id })
	if i < 0 {
		return false
	}
	r.handlers = slices.Delete(r.handlers, i, i+1)
	return true
}

func (r *Replicator) RemoveChangeHandlers() {
	r.handlersMu.Lock()
	r.handlers = nil
	r.handlersMu.Unlock()
}

func (r *Replicator) notify() {
	r.handlersMu.Lock()
	handlers := slices.Clone(r.handlers)
	r.handlersMu.Unlock()
	for _, h := range handlers {
		r.invoke(h)
	}
}

// invoke isolates handler panics so the remaining handlers still run.
func (r *Replicator) invoke(h changeHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.reportErr(fmt.Errorf("gossip: change handler %d panicked: %v", h.id, rec))
		}
	}()
	h.fn()
}

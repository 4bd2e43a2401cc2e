package storage

import (
	"context"
	"sync"

	"github.com/DobryySoul/gossipstate/internal/envelope"
)

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]envelope.Envelope
}

func NewMemoryStore() Store {
	return &memoryStore{
		values: make(map[string]envelope.Envelope),
	}
}

func (s *memoryStore) Set(ctx context.Context, id string, env envelope.Envelope) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	env.State = append([]byte(nil), env.State...)
	s.mu.Lock()
	s.values[id] = env
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (envelope.Envelope, error) {
	if err := ctxErr(ctx); err != nil {
		return envelope.Envelope{}, err
	}
	s.mu.RLock()
	env, ok := s.values[id]
	s.mu.RUnlock()
	if !ok {
		return envelope.Envelope{}, ErrNotFound
	}
	return env, nil
}

func (s *memoryStore) GetAll(ctx context.Context) ([]envelope.Envelope, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]envelope.Envelope, 0, len(s.values))
	for _, env := range s.values {
		out = append(out, env)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *memoryStore) Remove(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.values, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	clear(s.values)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Len(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	size := len(s.values)
	s.mu.RUnlock()
	return size, nil
}

func (s *memoryStore) Close() error {
	return nil
}

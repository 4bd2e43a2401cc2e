package storage

import (
	"context"
	"errors"

	"github.com/DobryySoul/gossipstate/internal/envelope"
)

var ErrNotFound = errors.New("storage: key not found")

// Store keeps at most one envelope per identity.
// Set replaces whatever was stored for the id; freshness is the caller's concern.
type Store interface {
	Get(ctx context.Context, id string) (envelope.Envelope, error)
	Set(ctx context.Context, id string, env envelope.Envelope) error
	// GetAll returns a point-in-time copy of all envelopes.
	GetAll(ctx context.Context) ([]envelope.Envelope, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	// Len returns the number of stored envelopes.
	Len(ctx context.Context) (int, error)
	Close() error
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

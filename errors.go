package gossipstate

import (
	"context"
	"errors"

	"github.com/DobryySoul/gossipstate/internal/crypto"
	"github.com/DobryySoul/gossipstate/internal/gossip"
	"github.com/DobryySoul/gossipstate/internal/storage"
)

var (
	// ErrNotFound indicates that no envelope is stored for the identity.
	ErrNotFound = errors.New("gossipstate: state not found")
	// ErrClosed indicates that the engine has been closed.
	ErrClosed = errors.New("gossipstate: engine is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("gossipstate: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("gossipstate: operation canceled")
	// ErrSuperseded indicates that a newer envelope for the local identity
	// was committed while Set was signing.
	ErrSuperseded = errors.New("gossipstate: superseded by a newer own state")
	// ErrInvalidSecret indicates a secret that cannot produce a signing key.
	ErrInvalidSecret = errors.New("gossipstate: invalid secret")
)

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, gossip.ErrSuperseded):
		return ErrSuperseded
	case errors.Is(err, crypto.ErrInvalidSecret):
		return ErrInvalidSecret
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	}
	return err
}

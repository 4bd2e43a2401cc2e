package envelope

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

const signingDomain = "gossipstate/envelope/v1"

// ErrInvalid indicates an envelope that cannot be signed as given.
var ErrInvalid = errors.New("envelope: invalid envelope")

// Envelope is the signed, timestamped unit of replicated state.
// ID is the owner's network address and Timestamp is milliseconds since epoch.
type Envelope struct {
	ID        string
	Timestamp int64
	State     []byte
	PublicKey string
	Signature string
}

// Offering maps identities to the timestamp of the envelope held for them.
type Offering map[string]int64

// Signer produces a signature over payload with the given secret.
type Signer interface {
	Sign(ctx context.Context, secret string, payload []byte) (string, error)
}

// Verifier reports whether signature is valid for payload under publicKey.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signature, publicKey string) bool
}

// Wrap builds and signs an envelope for state owned by id.
func Wrap(ctx context.Context, signer Signer, secret, id, publicKey string, state []byte, timestamp int64) (Envelope, error) {
	if id == "" || publicKey == "" {
		return Envelope{}, ErrInvalid
	}
	env := Envelope{
		ID:        id,
		Timestamp: timestamp,
		State:     append([]byte(nil), state...),
		PublicKey: publicKey,
	}
	sig, err := signer.Sign(ctx, secret, env.SigningBytes())
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Verify checks the envelope signature against its embedded public key.
// A malformed or forged envelope yields false, never an error.
func Verify(ctx context.Context, verifier Verifier, env Envelope) bool {
	if env.Signature == "" || env.PublicKey == "" {
		return false
	}
	return verifier.Verify(ctx, env.SigningBytes(), env.Signature, env.PublicKey)
}

// SigningBytes returns the canonical payload covering every field except Signature.
func (e Envelope) SigningBytes() []byte {
	b := make([]byte, 0, len(signingDomain)+len(e.ID)+len(e.State)+len(e.PublicKey)+24)
	b = append(b, signingDomain...)
	b = appendField(b, []byte(e.ID))
	b = binary.BigEndian.AppendUint64(b, uint64(e.Timestamp))
	b = appendField(b, e.State)
	b = appendField(b, []byte(e.PublicKey))
	return b
}

// NewerThan reports whether e should replace other under last-write-wins.
// Equal timestamps are not newer.
func (e Envelope) NewerThan(other Envelope) bool {
	return e.Timestamp > other.Timestamp
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

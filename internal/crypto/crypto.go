// Package crypto implements the Ed25519 signing collaborator used by the
// replication engine. Secrets, public keys and signatures travel as base58
// text; signing keys are expanded from the secret with HKDF.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	secretSize     = 32
	hkdfInfoSigner = "gossipstate/identity/signing/v1"
	addressPrefix  = "gs1"
)

var (
	ErrInvalidSecret    = errors.New("crypto: invalid secret")
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Ed25519 signs and verifies envelope payloads.
type Ed25519 struct{}

// GenerateSecret returns a fresh random secret.
func GenerateSecret() (string, error) {
	var buf [secretSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return base58.Encode(buf[:]), nil
}

// DerivePublicKey returns the public key that belongs to secret.
func DerivePublicKey(secret string) (string, error) {
	priv, err := signingKey(secret)
	if err != nil {
		return "", err
	}
	return base58.Encode(priv.Public().(ed25519.PublicKey)), nil
}

// Address derives the network address for a public key.
func Address(publicKey string) (string, error) {
	pub, err := decodePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	h := blake2b.Sum256(pub)
	return addressPrefix + base58.Encode(h[:]), nil
}

// Sign signs payload with the key derived from secret.
func (Ed25519) Sign(ctx context.Context, secret string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	priv, err := signingKey(secret)
	if err != nil {
		return "", err
	}
	return base58.Encode(ed25519.Sign(priv, payload)), nil
}

// Verify reports whether signature is a valid signature of payload.
func (Ed25519) Verify(ctx context.Context, payload []byte, signature, publicKey string) bool {
	if ctx.Err() != nil {
		return false
	}
	pub, err := decodePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

func signingKey(secret string) (ed25519.PrivateKey, error) {
	raw, err := base58.Decode(secret)
	if err != nil || len(raw) != secretSize {
		return nil, ErrInvalidSecret
	}
	reader := hkdf.New(sha256.New, raw, nil, []byte(hkdfInfoSigner))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("crypto: derive signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodePublicKey(publicKey string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(publicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

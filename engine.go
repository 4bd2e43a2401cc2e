package gossipstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DobryySoul/gossipstate/internal/acl"
	"github.com/DobryySoul/gossipstate/internal/crypto"
	"github.com/DobryySoul/gossipstate/internal/discovery"
	"github.com/DobryySoul/gossipstate/internal/envelope"
	"github.com/DobryySoul/gossipstate/internal/gossip"
	"github.com/DobryySoul/gossipstate/internal/metrics"
	"github.com/DobryySoul/gossipstate/internal/ratelimit"
	"github.com/DobryySoul/gossipstate/internal/storage"
	"github.com/DobryySoul/gossipstate/internal/transport/memnet"
	"github.com/DobryySoul/gossipstate/internal/transport/udp"
)

// LocalNetwork connects engines inside one process. Closing an engine
// takes it off the network.
type LocalNetwork = memnet.Hub

func NewLocalNetwork() *LocalNetwork {
	return memnet.NewHub()
}

// HandlerID identifies a change handler for RemoveChangeHandler.
type HandlerID = gossip.HandlerID

// Envelope is one identity's replicated state as seen by this node.
type Envelope[S any] struct {
	// ID is the owner's network address.
	ID        string
	Timestamp time.Time
	State     S
	PublicKey string
	Signature string
}

type transportCloser interface {
	gossip.Transport
	Close() error
}

// Engine replicates one state per identity across the nodes of a namespace.
// Each engine owns the state under its own Address; everything else is
// learned from peers. It is safe for concurrent use by multiple goroutines.
type Engine[S any] struct {
	cfg        Config
	codec      Codec[S]
	store      storage.Store
	transport  transportCloser
	replicator *gossip.Replicator
	discovery  *discovery.MDNS
	mu         sync.RWMutex
	closed     bool
}

// New creates and starts an engine with the provided options.
// S must be provided explicitly because it cannot be inferred from arguments.
//
// The transport is the local network when WithLocalNetwork is given, UDP when
// WithBindAddr is given, and otherwise a private network with no peers.
func New[S any](opts ...Option) (*Engine[S], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	codec := Codec[S](GobCodec[S]{})
	if cfg.codec != nil {
		typed, ok := cfg.codec.(Codec[S])
		if !ok {
			return nil, fmt.Errorf("gossipstate: codec type mismatch")
		}
		codec = typed
	}

	publicKey, err := crypto.DerivePublicKey(cfg.Secret)
	if err != nil {
		return nil, mapErr(err)
	}
	address := cfg.NodeID
	if address == "" {
		if address, err = crypto.Address(publicKey); err != nil {
			return nil, err
		}
	}

	e := &Engine[S]{cfg: cfg, codec: codec}
	if err := e.open(address, publicKey); err != nil {
		e.release()
		return nil, err
	}
	e.replicator.Start()
	cfg.logger.Info("gossipstate engine started",
		"app", cfg.Namespace, "address", address, "bind", cfg.BindAddr)
	return e, nil
}

// open wires the store, transport, replicator and discovery. On error the
// caller releases whatever was opened.
func (e *Engine[S]) open(address, publicKey string) error {
	cfg := e.cfg
	if cfg.StorePath != "" {
		store, err := storage.OpenSQLite(cfg.StorePath, cfg.Namespace)
		if err != nil {
			return err
		}
		e.store = store
	} else {
		e.store = storage.NewMemoryStore()
	}

	var udpTransport *udp.Transport
	switch {
	case cfg.network != nil:
		ep, err := cfg.network.Join(address)
		if err != nil {
			return err
		}
		e.transport = ep
	case cfg.BindAddr != "":
		udpTransport = udp.New(address, cfg.BindAddr, cfg.Seeds, e.reportErr)
		if err := udpTransport.Start(); err != nil {
			return err
		}
		e.transport = udpTransport
	default:
		ep, err := memnet.NewHub().Join(address)
		if err != nil {
			return err
		}
		e.transport = ep
	}

	access := acl.New()
	for _, pub := range cfg.Denied {
		access.Deny(pub)
	}
	for _, pub := range cfg.Allowed {
		access.Allow(pub)
	}
	var strict func(id, publicKey string) bool
	if cfg.StrictIdentity {
		strict = addressMatches
	}

	replicator, err := gossip.New(gossip.Config{
		Namespace:       cfg.Namespace,
		Secret:          cfg.Secret,
		PublicKey:       publicKey,
		Interval:        cfg.GossipInterval,
		Crypto:          crypto.Ed25519{},
		Store:           e.store,
		Transport:       e.transport,
		ACL:             access,
		Logger:          cfg.logger,
		Metrics:         metrics.New(cfg.registerer, cfg.Namespace),
		RequestLimiter:  ratelimit.New(cfg.RequestRate, cfg.RequestBurst, time.Minute),
		VerifyCacheSize: cfg.VerifyCacheSize,
		StrictIdentity:  strict,
		OnError:         e.reportErr,
	})
	if err != nil {
		return err
	}
	e.replicator = replicator

	if udpTransport != nil && cfg.Discovery {
		mdns, err := discovery.NewMDNS(address, cfg.Namespace, udpTransport.LocalAddr(), udpTransport.AddPeers)
		if err != nil {
			return err
		}
		e.discovery = mdns
	}
	return nil
}

func addressMatches(id, publicKey string) bool {
	addr, err := crypto.Address(publicKey)
	return err == nil && addr == id
}

// Set signs state as this node's new envelope, stores it and broadcasts it.
func (e *Engine[S]) Set(ctx context.Context, state S) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	data, err := e.codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("gossipstate: encode state: %w", err)
	}
	_, err = e.replicator.Set(ctx, data)
	return mapErr(err)
}

// Get returns the envelope stored for the identity at address.
// It returns ErrNotFound if none is stored.
func (e *Engine[S]) Get(ctx context.Context, address string) (Envelope[S], error) {
	if err := e.check(ctx); err != nil {
		return Envelope[S]{}, err
	}
	env, err := e.replicator.Get(ctx, address)
	if err != nil {
		return Envelope[S]{}, mapErr(err)
	}
	return e.decode(env)
}

// GetAll returns every stored envelope, including this node's own.
// Envelopes whose state cannot be decoded are reported and skipped.
func (e *Engine[S]) GetAll(ctx context.Context) ([]Envelope[S], error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	all, err := e.replicator.GetAll(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Envelope[S], 0, len(all))
	for _, env := range all {
		decoded, err := e.decode(env)
		if err != nil {
			e.reportErr(err)
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (e *Engine[S]) decode(env envelope.Envelope) (Envelope[S], error) {
	state, err := e.codec.Unmarshal(env.State)
	if err != nil {
		return Envelope[S]{}, fmt.Errorf("gossipstate: decode state of %s: %w", env.ID, err)
	}
	return Envelope[S]{
		ID:        env.ID,
		Timestamp: time.UnixMilli(env.Timestamp),
		State:     state,
		PublicKey: env.PublicKey,
		Signature: env.Signature,
	}, nil
}

// OnChange registers fn to run after every committed change and after Clear.
// Handlers run in registration order; a panicking handler is reported and
// does not affect the others.
func (e *Engine[S]) OnChange(fn func()) HandlerID {
	return e.replicator.OnChange(fn)
}

// RemoveChangeHandler unregisters a handler and reports whether it existed.
func (e *Engine[S]) RemoveChangeHandler(id HandlerID) bool {
	return e.replicator.RemoveChangeHandler(id)
}

func (e *Engine[S]) RemoveChangeHandlers() {
	e.replicator.RemoveChangeHandlers()
}

// Clear drops every stored envelope, this node's own included.
// Peers' state comes back with the next offerings.
func (e *Engine[S]) Clear(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return mapErr(e.replicator.Clear(ctx))
}

// Deny rejects all state signed by publicKey and purges what is stored.
func (e *Engine[S]) Deny(ctx context.Context, publicKey string) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	return mapErr(e.replicator.Deny(ctx, publicKey))
}

// Undeny lifts a Deny. The purged state is re-acquired from peers.
func (e *Engine[S]) Undeny(publicKey string) {
	e.replicator.Undeny(publicKey)
}

// Allow adds publicKey to the allow-list. While the allow-list is non-empty
// only its members' state is accepted.
func (e *Engine[S]) Allow(publicKey string) {
	e.replicator.Allow(publicKey)
}

func (e *Engine[S]) Unallow(publicKey string) {
	e.replicator.Unallow(publicKey)
}

// Address returns this node's network address, the id of its own envelope.
func (e *Engine[S]) Address() string {
	return e.replicator.Address()
}

func (e *Engine[S]) PublicKey() string {
	return e.replicator.PublicKey()
}

// Close stops gossiping, takes the node off its network and closes the store.
// Further operations return ErrClosed.
func (e *Engine[S]) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()
	return e.release()
}

func (e *Engine[S]) release() error {
	if e.discovery != nil {
		e.discovery.Stop()
	}
	if e.replicator != nil {
		e.replicator.Stop()
	}
	var errs []error
	if e.transport != nil {
		errs = append(errs, e.transport.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine[S]) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine[S]) reportErr(err error) {
	if err != nil && e.cfg.errorHandler != nil {
		e.cfg.errorHandler(err)
	}
}

// GenerateSecret returns a fresh random identity secret.
func GenerateSecret() (string, error) {
	return crypto.GenerateSecret()
}

// DeriveIdentity returns the public key and network address that belong
// to secret.
func DeriveIdentity(secret string) (publicKey, address string, err error) {
	publicKey, err = crypto.DerivePublicKey(secret)
	if err != nil {
		return "", "", mapErr(err)
	}
	address, err = crypto.Address(publicKey)
	if err != nil {
		return "", "", err
	}
	return publicKey, address, nil
}

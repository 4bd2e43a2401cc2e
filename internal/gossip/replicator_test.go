package gossip

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/gossipstate/internal/crypto"
	"github.com/DobryySoul/gossipstate/internal/envelope"
	"github.com/DobryySoul/gossipstate/internal/protocol"
	"github.com/DobryySoul/gossipstate/internal/storage"
	"github.com/DobryySoul/gossipstate/internal/transport/memnet"
)

const testNamespace = "app"

type identity struct {
	secret    string
	publicKey string
	address   string
}

func newIdentity(t testing.TB) identity {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	pub, err := crypto.DerivePublicKey(secret)
	require.NoError(t, err)
	addr, err := crypto.Address(pub)
	require.NoError(t, err)
	return identity{secret: secret, publicKey: pub, address: addr}
}

// signed builds an envelope for id as if it had been produced by its owner.
func (id identity) signed(t testing.TB, ts int64, state string) envelope.Envelope {
	t.Helper()
	env, err := envelope.Wrap(context.Background(), crypto.Ed25519{}, id.secret, id.address, id.publicKey, []byte(state), ts)
	require.NoError(t, err)
	return env
}

type testNode struct {
	identity
	r     *Replicator
	ep    *memnet.Endpoint
	store storage.Store
	errs  *errorLog
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errorLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func newTestNode(t *testing.T, hub *memnet.Hub, opts ...func(*Config)) *testNode {
	t.Helper()
	id := newIdentity(t)
	ep, err := hub.Join(id.address)
	require.NoError(t, err)
	errs := &errorLog{}
	store := storage.NewMemoryStore()
	cfg := Config{
		Namespace: testNamespace,
		Secret:    id.secret,
		PublicKey: id.publicKey,
		Interval:  time.Hour,
		Crypto:    crypto.Ed25519{},
		Store:     store,
		Transport: ep,
		OnError:   errs.add,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Stop()
		_ = ep.Close()
	})
	return &testNode{identity: id, r: r, ep: ep, store: cfg.Store, errs: errs}
}

func withInterval(d time.Duration) func(*Config) {
	return func(c *Config) { c.Interval = d }
}

// probe joins the hub as a bare endpoint to observe and inject raw messages.
func probe(t *testing.T, hub *memnet.Hub, address string) (*memnet.Endpoint, <-chan protocol.Message) {
	t.Helper()
	ep, err := hub.Join(address)
	require.NoError(t, err)
	in, _ := ep.Subscribe()
	t.Cleanup(func() { _ = ep.Close() })
	return ep, in
}

// collect drains messages of kind for the given window.
func collect(in <-chan protocol.Message, kind protocol.Kind, window time.Duration) []protocol.Message {
	var out []protocol.Message
	deadline := time.After(window)
	for {
		select {
		case msg := <-in:
			if msg.Kind == kind {
				out = append(out, msg)
			}
		case <-deadline:
			return out
		}
	}
}

func storedTimestamp(t *testing.T, n *testNode, id string) int64 {
	t.Helper()
	env, err := n.r.Get(context.Background(), id)
	require.NoError(t, err)
	return env.Timestamp
}

func TestNewValidatesConfig(t *testing.T) {
	hub := memnet.NewHub()
	ep, _ := hub.Join("a")
	base := Config{
		Namespace: testNamespace,
		Secret:    "s",
		PublicKey: "p",
		Crypto:    crypto.Ed25519{},
		Store:     storage.NewMemoryStore(),
		Transport: ep,
	}
	mutations := []func(*Config){
		func(c *Config) { c.Namespace = "" },
		func(c *Config) { c.Secret = "" },
		func(c *Config) { c.PublicKey = "" },
		func(c *Config) { c.Crypto = nil },
		func(c *Config) { c.Store = nil },
		func(c *Config) { c.Transport = nil },
	}
	for i, mutate := range mutations {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg)
		require.Error(t, err, "case %d", i)
	}

	r, err := New(base)
	require.NoError(t, err)
	require.Equal(t, DefaultInterval, r.interval)
	require.Equal(t, "a", r.Address())
}

func TestDispatchFiltersNamespaceAndSelf(t *testing.T) {
	hub := memnet.NewHub()
	n := newTestNode(t, hub)

	n.r.dispatch(protocol.Message{Namespace: "other", Kind: protocol.KindOffering, Source: "x", Offering: envelope.Offering{"id": 1}})
	n.r.dispatch(protocol.Message{Namespace: testNamespace, Kind: protocol.KindOffering, Source: n.address, Offering: envelope.Offering{"id": 1}})
	require.Zero(t, testutil.ToFloat64(n.r.metrics.RequestsSent))

	n.r.dispatch(protocol.Message{Namespace: testNamespace, Kind: protocol.KindOffering, Source: "x", Offering: envelope.Offering{"id": 1}})
	require.Equal(t, 1.0, testutil.ToFloat64(n.r.metrics.RequestsSent))
}

func TestDispatchReportsMalformedMessages(t *testing.T) {
	hub := memnet.NewHub()
	n := newTestNode(t, hub)

	require.NotPanics(t, func() {
		n.r.dispatch(protocol.Message{Namespace: testNamespace, Kind: "state-bogus", Source: "x"})
		n.r.dispatch(protocol.Message{Namespace: testNamespace, Kind: protocol.KindUpdate, Source: "x"})
	})
	require.Equal(t, 2, n.errs.len())
}

func TestStartStopLifecycle(t *testing.T) {
	hub := memnet.NewHub()
	_, in := probe(t, hub, "probe")

	for range 5 {
		n := newTestNode(t, hub, withInterval(5*time.Millisecond))
		n.r.Start()
		n.r.Start()
		require.NotEmpty(t, collect(in, protocol.KindOffering, 50*time.Millisecond))
		n.r.Stop()
		n.r.Stop()
		_ = n.ep.Close()
	}
	collect(in, protocol.KindOffering, 20*time.Millisecond)
	require.Empty(t, collect(in, protocol.KindOffering, 50*time.Millisecond), "ticker outlived Stop")
}

func TestChangeHandlersOrderAndIsolation(t *testing.T) {
	require := require.New(t)
	hub := memnet.NewHub()
	n := newTestNode(t, hub)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls []int
	)
	record := func(v int) func() {
		return func() {
			mu.Lock()
			calls = append(calls, v)
			mu.Unlock()
		}
	}
	first := n.r.OnChange(record(1))
	n.r.OnChange(func() { panic("boom") })
	n.r.OnChange(record(3))

	_, err := n.r.Set(ctx, []byte("a"))
	require.NoError(err)
	require.Equal([]int{1, 3}, calls)
	require.Equal(1, n.errs.len(), "panic is reported")

	require.True(n.r.RemoveChangeHandler(first))
	require.False(n.r.RemoveChangeHandler(first))
	_, err = n.r.Set(ctx, []byte("b"))
	require.NoError(err)
	require.Equal([]int{1, 3, 3}, calls)

	n.r.RemoveChangeHandlers()
	_, err = n.r.Set(ctx, []byte("c"))
	require.NoError(err)
	require.Equal([]int{1, 3, 3}, calls)
}

func TestClearNotifiesOnce(t *testing.T) {
	require := require.New(t)
	hub := memnet.NewHub()
	n := newTestNode(t, hub)
	ctx := context.Background()
	other := newIdentity(t)

	_, err := n.r.Set(ctx, []byte("mine"))
	require.NoError(err)
	_, err = n.r.commit(ctx, other.signed(t, 5, "theirs"), true)
	require.NoError(err)

	var fired atomic.Int32
	n.r.OnChange(func() { fired.Add(1) })
	require.NoError(n.r.Clear(ctx))
	require.Equal(int32(1), fired.Load())

	all, err := n.r.GetAll(ctx)
	require.NoError(err)
	require.Empty(all)
}

type failingSigner struct {
	Crypto
	err error
}

func (f failingSigner) Sign(context.Context, string, []byte) (string, error) {
	return "", f.err
}

func TestSetPropagatesSigningFailure(t *testing.T) {
	require := require.New(t)
	hub := memnet.NewHub()
	boom := errors.New("signer offline")
	n := newTestNode(t, hub, func(c *Config) { c.Crypto = failingSigner{Crypto: crypto.Ed25519{}, err: boom} })

	var fired atomic.Int32
	n.r.OnChange(func() { fired.Add(1) })
	_, err := n.r.Set(context.Background(), []byte("x"))
	require.ErrorIs(err, boom)
	require.Zero(fired.Load())
	_, err = n.r.Get(context.Background(), n.address)
	require.ErrorIs(err, storage.ErrNotFound)
}

func TestSetRoundTripAndMonotonicTimestamps(t *testing.T) {
	require := require.New(t)
	hub := memnet.NewHub()
	fixed := time.UnixMilli(1_700_000_000_000)
	n := newTestNode(t, hub, func(c *Config) { c.Clock = func() time.Time { return fixed } })
	ctx := context.Background()

	first, err := n.r.Set(ctx, []byte(`{"v":1}`))
	require.NoError(err)
	second, err := n.r.Set(ctx, []byte(`{"v":2}`))
	require.NoError(err)
	require.Equal(fixed.UnixMilli(), first.Timestamp)
	require.Equal(first.Timestamp+1, second.Timestamp, "same-millisecond sets must not collide")

	got, err := n.r.Get(ctx, n.address)
	require.NoError(err)
	require.True(bytes.Equal([]byte(`{"v":2}`), got.State))
	require.Equal(n.publicKey, got.PublicKey)
	require.True(envelope.Verify(ctx, crypto.Ed25519{}, got))
}

func TestSetBroadcastsUpdate(t *testing.T) {
	hub := memnet.NewHub()
	n := newTestNode(t, hub)
	_, in := probe(t, hub, "probe")

	env, err := n.r.Set(context.Background(), []byte("hello"))
	require.NoError(t, err)
	updates := collect(in, protocol.KindUpdate, 50*time.Millisecond)
	require.Len(t, updates, 1)
	require.Empty(t, updates[0].Destination)
	require.Equal(t, env.Timestamp, updates[0].Update.Timestamp)
}

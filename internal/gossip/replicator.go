// Package gossip implements the replication engine: one signed envelope per
// identity, disseminated by a pull-based anti-entropy cycle
// (offering -> request -> update) and committed under last-write-wins.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"

	"github.com/DobryySoul/gossipstate/internal/acl"
	"github.com/DobryySoul/gossipstate/internal/envelope"
	"github.com/DobryySoul/gossipstate/internal/metrics"
	"github.com/DobryySoul/gossipstate/internal/protocol"
	"github.com/DobryySoul/gossipstate/internal/ratelimit"
	"github.com/DobryySoul/gossipstate/internal/storage"
)

const (
	DefaultInterval            = 5 * time.Second
	DefaultVerifyCacheSize     = 1024
	DefaultMaxConcurrentVerify = 8
)

// Transport is the message bus the replicator gossips over.
type Transport interface {
	Address() string
	Broadcast(ctx context.Context, msg protocol.Message) error
	// Subscribe returns the inbound message channel and a detach function.
	Subscribe() (<-chan protocol.Message, func())
}

// Crypto signs local envelopes and verifies remote ones.
type Crypto interface {
	envelope.Signer
	envelope.Verifier
}

type Config struct {
	Namespace string
	Secret    string
	PublicKey string
	Interval  time.Duration

	Crypto    Crypto
	Store     storage.Store
	Transport Transport
	ACL       *acl.List

	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	RequestLimiter *ratelimit.Keyed
	// VerifyCacheSize bounds the verified-signature cache; negative disables it.
	VerifyCacheSize     int
	MaxConcurrentVerify int64
	// StrictIdentity, when set, must accept the (id, publicKey) pair of every
	// remote envelope.
	StrictIdentity func(id, publicKey string) bool
	Clock          func() time.Time
	OnError        func(error)
}

type Replicator struct {
	namespace string
	address   string
	secret    string
	publicKey string
	interval  time.Duration

	crypto    Crypto
	store     storage.Store
	transport Transport
	acl       *acl.List

	log            *slog.Logger
	metrics        *metrics.Metrics
	limiter        *ratelimit.Keyed
	verified       *lru.Cache
	verifySem      *semaphore.Weighted
	strictIdentity func(id, publicKey string) bool
	clock          func() time.Time
	onError        func(error)

	// commitMu makes "re-check freshness, then write" atomic.
	commitMu sync.Mutex
	// setMu keeps own timestamps strictly increasing.
	setMu sync.Mutex

	handlersMu  sync.Mutex
	handlers    []changeHandler
	nextHandler HandlerID

	ctx      context.Context
	cancel   context.CancelFunc
	detach   func()
	loops    sync.WaitGroup
	inflight sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config) (*Replicator, error) {
	switch {
	case cfg.Namespace == "":
		return nil, fmt.Errorf("gossip: namespace is required")
	case cfg.Secret == "" || cfg.PublicKey == "":
		return nil, fmt.Errorf("gossip: identity secret and public key are required")
	case cfg.Crypto == nil:
		return nil, fmt.Errorf("gossip: crypto is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("gossip: store is required")
	case cfg.Transport == nil:
		return nil, fmt.Errorf("gossip: transport is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ACL == nil {
		cfg.ACL = acl.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil, cfg.Namespace)
	}
	if cfg.MaxConcurrentVerify <= 0 {
		cfg.MaxConcurrentVerify = DefaultMaxConcurrentVerify
	}
	if cfg.VerifyCacheSize == 0 {
		cfg.VerifyCacheSize = DefaultVerifyCacheSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var verified *lru.Cache
	if cfg.VerifyCacheSize > 0 {
		cache, err := lru.New(cfg.VerifyCacheSize)
		if err != nil {
			return nil, fmt.Errorf("gossip: verify cache: %w", err)
		}
		verified = cache
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		namespace:      cfg.Namespace,
		address:        cfg.Transport.Address(),
		secret:         cfg.Secret,
		publicKey:      cfg.PublicKey,
		interval:       cfg.Interval,
		crypto:         cfg.Crypto,
		store:          cfg.Store,
		transport:      cfg.Transport,
		acl:            cfg.ACL,
		log:            cfg.Logger.With("app", cfg.Namespace, "node", cfg.Transport.Address()),
		metrics:        cfg.Metrics,
		limiter:        cfg.RequestLimiter,
		verified:       verified,
		verifySem:      semaphore.NewWeighted(cfg.MaxConcurrentVerify),
		strictIdentity: cfg.StrictIdentity,
		clock:          cfg.Clock,
		onError:        cfg.OnError,
		ctx:            ctx,
		cancel:         cancel,
		detach:         func() {},
	}, nil
}

// Start subscribes to the transport and starts the dispatch loop and the
// offering ticker.
func (r *Replicator) Start() {
	r.startOnce.Do(func() {
		inbound, detach := r.transport.Subscribe()
		r.detach = detach
		r.loops.Add(2)
		go r.dispatchLoop(inbound)
		go r.offerLoop()
	})
}

// Stop cancels the ticker, detaches from the transport and waits for
// in-flight verifications to finish.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.detach()
		r.loops.Wait()
		r.inflight.Wait()
	})
}

func (r *Replicator) Address() string {
	return r.address
}

func (r *Replicator) PublicKey() string {
	return r.publicKey
}

func (r *Replicator) dispatchLoop(inbound <-chan protocol.Message) {
	defer r.loops.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			r.dispatch(msg)
		}
	}
}

func (r *Replicator) offerLoop() {
	defer r.loops.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Offer(r.ctx); err != nil && r.ctx.Err() == nil {
				r.reportErr(fmt.Errorf("gossip: offer: %w", err))
			}
		}
	}
}

func (r *Replicator) dispatch(msg protocol.Message) {
	if msg.Namespace != r.namespace || msg.Source == r.address {
		return
	}
	if err := msg.Validate(); err != nil {
		r.reportErr(fmt.Errorf("gossip: message from %s: %w", msg.Source, err))
		return
	}
	switch msg.Kind {
	case protocol.KindOffering:
		r.log.Debug("received state-offering", "from", msg.Source, "entries", len(msg.Offering))
		r.handleOffering(msg.Source, msg.Offering)
	case protocol.KindRequest:
		r.log.Debug("received state-request", "from", msg.Source, "id", msg.Request)
		r.handleRequest(msg.Source, msg.Request)
	case protocol.KindUpdate:
		r.log.Debug("received state-update", "from", msg.Source, "id", msg.Update.ID, "timestamp", msg.Update.Timestamp)
		r.handleUpdate(*msg.Update)
	default:
		panic(fmt.Sprintf("gossip: unreachable message kind %q", msg.Kind))
	}
}

func (r *Replicator) reportErr(err error) {
	if err == nil {
		return
	}
	r.log.Warn("gossip error", "err", err)
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *Replicator) refreshGauge(ctx context.Context) {
	if n, err := r.store.Len(ctx); err == nil {
		r.metrics.Envelopes.Set(float64(n))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

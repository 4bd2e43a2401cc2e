package gossipstate

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DobryySoul/gossipstate/internal/gossip"
)

const (
	// DefaultNamespace is used when WithNamespace is not given.
	DefaultNamespace = "default"
	// DefaultGossipInterval is the period between state offerings.
	DefaultGossipInterval = gossip.DefaultInterval
	// DefaultRequestRate and DefaultRequestBurst bound how many state-requests
	// a single peer gets answered.
	DefaultRequestRate  = 50.0
	DefaultRequestBurst = 100
)

// Option configures the engine on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for an engine.
// Users typically set it via Option helpers.
type Config struct {
	Secret         string
	Namespace      string
	NodeID         string
	BindAddr       string
	Seeds          []string
	Discovery      bool
	GossipInterval time.Duration
	StorePath      string
	RequestRate    float64
	RequestBurst   int
	// VerifyCacheSize bounds the verified-signature cache; negative disables it.
	VerifyCacheSize int
	StrictIdentity  bool
	Denied          []string
	Allowed         []string

	codec        any
	errorHandler func(error)
	logger       *slog.Logger
	network      *LocalNetwork
	registerer   prometheus.Registerer
}

func defaultConfig() Config {
	return Config{
		Namespace:      DefaultNamespace,
		Discovery:      true,
		GossipInterval: DefaultGossipInterval,
		RequestRate:    DefaultRequestRate,
		RequestBurst:   DefaultRequestBurst,
	}
}

func (c *Config) finalize() error {
	if c.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		c.Secret = secret
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if len(c.Seeds) > 0 && c.BindAddr == "" {
		return fmt.Errorf("gossipstate: bind addr required when seeds are set")
	}
	if c.network != nil && c.BindAddr != "" {
		return fmt.Errorf("gossipstate: local network and bind addr are mutually exclusive")
	}
	if c.StrictIdentity && c.NodeID != "" {
		return fmt.Errorf("gossipstate: strict identity requires the derived node id")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("gossipstate: gossip interval must be positive")
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// WithSecret sets the identity secret. If omitted, a random identity is
// generated and lost on Close.
func WithSecret(secret string) Option {
	return func(c *Config) error {
		if secret == "" {
			return fmt.Errorf("gossipstate: secret cannot be empty")
		}
		c.Secret = secret
		return nil
	}
}

// WithNamespace sets the application namespace. Nodes only exchange state
// within the same namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		if namespace == "" {
			return fmt.Errorf("gossipstate: namespace cannot be empty")
		}
		c.Namespace = namespace
		return nil
	}
}

// WithNodeID overrides the network address, which by default is derived
// from the public key.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("gossipstate: node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr enables the UDP transport on the given host:port.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("gossipstate: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets the initial peer addresses for the UDP transport.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		for _, seed := range seeds {
			if err := validateAddr(seed); err != nil {
				return err
			}
		}
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS discovery for the UDP transport.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithGossipInterval sets how often the engine offers its state summary.
func WithGossipInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("gossipstate: gossip interval must be positive")
		}
		c.GossipInterval = interval
		return nil
	}
}

// WithCodec sets the state codec. The default is GobCodec.
func WithCodec[S any](codec Codec[S]) Option {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("gossipstate: codec cannot be nil")
		}
		c.codec = codec
		return nil
	}
}

// WithErrorHandler sets a callback for internal errors (transport, storage,
// handler panics). It must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("gossipstate: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("gossipstate: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithStorePath persists envelopes in an SQLite database at path.
func WithStorePath(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return fmt.Errorf("gossipstate: store path cannot be empty")
		}
		c.StorePath = path
		return nil
	}
}

// WithLocalNetwork attaches the engine to an in-process network instead of UDP.
func WithLocalNetwork(network *LocalNetwork) Option {
	return func(c *Config) error {
		if network == nil {
			return fmt.Errorf("gossipstate: local network cannot be nil")
		}
		c.network = network
		return nil
	}
}

// WithRegisterer registers the engine's Prometheus collectors on reg.
// Without it the collectors live in a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		if reg == nil {
			return fmt.Errorf("gossipstate: registerer cannot be nil")
		}
		c.registerer = reg
		return nil
	}
}

// WithRequestRateLimit limits how many state-requests per second a single
// peer gets answered. Excess requests are dropped.
func WithRequestRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) error {
		if perSecond <= 0 || burst <= 0 {
			return fmt.Errorf("gossipstate: request rate and burst must be positive")
		}
		c.RequestRate = perSecond
		c.RequestBurst = burst
		return nil
	}
}

// WithVerifyCacheSize sets how many verified signatures are remembered.
// A negative size disables the cache.
func WithVerifyCacheSize(size int) Option {
	return func(c *Config) error {
		c.VerifyCacheSize = size
		return nil
	}
}

// WithStrictIdentity rejects envelopes whose id is not the address derived
// from their public key.
func WithStrictIdentity() Option {
	return func(c *Config) error {
		c.StrictIdentity = true
		return nil
	}
}

// WithDenied denies the given public keys from the start.
func WithDenied(publicKeys ...string) Option {
	return func(c *Config) error {
		c.Denied = append(c.Denied, publicKeys...)
		return nil
	}
}

// WithAllowed puts the engine in allow-list mode for the given public keys
// from the start.
func WithAllowed(publicKeys ...string) Option {
	return func(c *Config) error {
		c.Allowed = append(c.Allowed, publicKeys...)
		return nil
	}
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gossipstate: invalid address %q: %w", addr, err)
	}
	return nil
}

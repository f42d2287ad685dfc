// Package client creates tunnelled TCP, HTTP and HTTPS connections and keeps a
// registry of the ones still open.
package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"tunnelnet/internal/address"
	"tunnelnet/internal/capability"
	"tunnelnet/internal/channel"
	"tunnelnet/internal/conn"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/shared/logging"
	"tunnelnet/internal/shared/metrics"
	"tunnelnet/internal/shared/secretsmanager"
	"tunnelnet/internal/tlswrap"
)

var (
	ErrUnsupportedCapability = errors.New("capability not supported by this client")
	ErrClientClosed          = errors.New("client closed")
)

// Option customises a Client
type Option func(*Client)

// WithDialer replaces the WebSocket dialer
func WithDialer(d channel.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithAllocator shares a connection id allocator
func WithAllocator(a *connid.Allocator) Option {
	return func(c *Client) { c.ids = a }
}

// WithRootCAs sets the pool HTTPS connections verify against
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) { c.rootCAs = pool }
}

// WithLogger sets the client logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics emitter
func WithMetrics(e *metrics.Emitter) Option {
	return func(c *Client) { c.metrics = e }
}

// WithSecrets sets the loader used for root_ca_secret
func WithSecrets(l *secretsmanager.Loader) Option {
	return func(c *Client) { c.secrets = l }
}

// ConnectOption customises a single connection
type ConnectOption func(*connectOptions)

type connectOptions struct {
	onReady func(conn.Conn)
}

// WithOnReady runs fn once the connection's channel is open
func WithOnReady(fn func(conn.Conn)) ConnectOption {
	return func(o *connectOptions) { o.onReady = fn }
}

// Client is the entry point for opening connections through one proxy
type Client struct {
	cfg     Config
	caps    capability.Set
	dialer  channel.Dialer
	ids     *connid.Allocator
	rootCAs *x509.CertPool
	secrets *secretsmanager.Loader
	logger  *logging.Logger
	metrics *metrics.Emitter

	mu     sync.Mutex
	conns  map[connid.ID]conn.Conn
	closed bool
}

// New builds a client from cfg. Root CAs are resolved from root_ca_file or
// root_ca_secret unless WithRootCAs is given; otherwise the system pool is used.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		caps:  cfg.CapabilitySet(),
		conns: make(map[connid.ID]conn.Conn),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logging.NewLogger("client")
		if cfg.LogLevel != "" {
			c.logger.SetLevel(cfg.LogLevel)
		}
	}
	if c.dialer == nil {
		c.dialer = &channel.WebSocketDialer{}
	}
	if c.ids == nil {
		c.ids = connid.NewAllocator()
	}

	if c.rootCAs == nil {
		pool, err := c.loadRootCAs(ctx)
		if err != nil {
			return nil, err
		}
		c.rootCAs = pool
	}

	if c.metrics == nil {
		emitter, err := metrics.NewEmitter(&metrics.Config{
			Region:       cfg.MetricsRegion,
			Namespace:    cfg.MetricsNamespace,
			Proxy:        cfg.ProxyHost(),
			EmitInterval: cfg.MetricsInterval,
			Enabled:      cfg.MetricsEnabled,
		}, c.logger.Named("metrics"))
		if err != nil {
			return nil, err
		}
		c.metrics = emitter
	}
	c.metrics.Start()

	c.logger.Info("Client ready", "proxy", cfg.ProxyURL, "capabilities", c.caps.Strings())
	return c, nil
}

func (c *Client) loadRootCAs(ctx context.Context) (*x509.CertPool, error) {
	switch {
	case c.cfg.RootCAFile != "":
		data, err := os.ReadFile(c.cfg.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read root CA file: %w", err)
		}
		pool, n, err := secretsmanager.PoolFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("root CA file %s: %w", c.cfg.RootCAFile, err)
		}
		c.logger.Info("Loaded root CAs from file", "file", c.cfg.RootCAFile, "certificates", n)
		return pool, nil

	case c.cfg.RootCASecret != "":
		if c.secrets == nil {
			loader, err := secretsmanager.NewLoader(ctx, c.cfg.MetricsRegion)
			if err != nil {
				return nil, err
			}
			c.secrets = loader
		}
		return c.secrets.LoadRootCAs(ctx, c.cfg.RootCASecret)

	default:
		// nil means the system pool
		return nil, nil
	}
}

// Addr returns the proxy base URL
func (c *Client) Addr() string {
	return c.cfg.ProxyURL
}

// Capabilities returns what this client is configured to support
func (c *Client) Capabilities() []string {
	return c.caps.Strings()
}

// ImplCapabilities returns what the implementation supports by default
func ImplCapabilities() []string {
	return capability.DefaultSet().Strings()
}

// ImplCapabilities returns what the implementation supports by default
func (c *Client) ImplCapabilities() []string {
	return ImplCapabilities()
}

// HighestTLSVersion returns the newest TLS version this client may use
func (c *Client) HighestTLSVersion() (capability.TLSVersion, bool) {
	return c.caps.HighestTLSVersion()
}

// GenerateID mints a connection id for the named capability without opening anything
func (c *Client) GenerateID(name string) (uint64, error) {
	capab, err := capability.Parse(name)
	if err != nil {
		return 0, err
	}
	id, err := c.ids.Generate(capab)
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CreateTCPConnection opens a raw TCP connection to addr
func (c *Client) CreateTCPConnection(ctx context.Context, addr string, opts ...ConnectOption) (*conn.TCP, error) {
	id, resolved, err := c.prepare(capability.Tcp, addr)
	if err != nil {
		return nil, err
	}

	tcp, err := conn.DialTCP(ctx, c.connOptions(), resolved, id)
	if err != nil {
		return nil, err
	}
	c.register(tcp, opts)
	return tcp, nil
}

// CreateHTTPConnection opens a plaintext HTTP connection to addr
func (c *Client) CreateHTTPConnection(ctx context.Context, addr string, opts ...ConnectOption) (*conn.HTTP, error) {
	id, resolved, err := c.prepare(capability.Http, addr)
	if err != nil {
		return nil, err
	}

	h, err := conn.DialHTTP(ctx, c.connOptions(), resolved, id)
	if err != nil {
		return nil, err
	}
	c.register(h, opts)
	return h, nil
}

// CreateHTTPSConnection opens an HTTPS connection to addr using the highest
// TLS version the client supports
func (c *Client) CreateHTTPSConnection(ctx context.Context, addr string, opts ...ConnectOption) (*conn.HTTPS, error) {
	version, ok := c.caps.HighestTLSVersion()
	if !ok {
		return nil, fmt.Errorf("%w: https", ErrUnsupportedCapability)
	}

	id, resolved, err := c.prepare(capability.Https(version), addr)
	if err != nil {
		return nil, err
	}

	h, err := conn.DialHTTPS(ctx, c.connOptions(), resolved, id, tlswrap.Config{
		Version:            version,
		RootCAs:            c.rootCAs,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	c.register(h, opts)
	return h, nil
}

func (c *Client) prepare(capab capability.Capability, addr string) (connid.ID, string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, "", ErrClientClosed
	}

	if !c.caps.Supports(capab) {
		return 0, "", fmt.Errorf("%w: %s", ErrUnsupportedCapability, capab)
	}

	resolved, err := address.Split(capab, addr)
	if err != nil {
		return 0, "", err
	}

	id, err := c.ids.Generate(capab)
	if err != nil {
		return 0, "", err
	}
	c.logger.Debug("Creating connection", "id", id.String(), "capability", capab.String(), "addr", resolved)
	return id, resolved, nil
}

func (c *Client) connOptions() conn.Options {
	return conn.Options{
		Dialer:   c.dialer,
		ProxyURL: c.cfg.ProxyURL,
		Logger:   c.logger,
		OnResult: func(id connid.ID, err error) {
			c.metrics.ResultDelivered(err)
		},
		OnClose: c.unregister,
	}
}

func (c *Client) register(cn conn.Conn, opts []ConnectOption) {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.Close()
		return
	}
	c.conns[cn.ID()] = cn
	if !cn.IsOpen() {
		// closed before it was registered; unregister has already run
		delete(c.conns, cn.ID())
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.metrics.ConnectionOpened()
	c.logger.Info("Connection open", "id", cn.ID().String(), "addr", cn.Address())

	if o.onReady != nil {
		o.onReady(cn)
	}
}

func (c *Client) unregister(id connid.ID, err error) {
	c.mu.Lock()
	_, ok := c.conns[id]
	delete(c.conns, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.metrics.ConnectionClosed()
	if err != nil {
		c.logger.Warn("Connection closed by remote", "id", id.String(), "error", err.Error())
	}
}

// Connection looks up an open connection by id
func (c *Client) Connection(id uint64) (conn.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[connid.ID(id)]
	return cn, ok
}

// HTTPConnection looks up an open plaintext HTTP connection by id
func (c *Client) HTTPConnection(id uint64) (*conn.HTTP, bool) {
	cn, ok := c.Connection(id)
	if !ok {
		return nil, false
	}
	h, ok := cn.(*conn.HTTP)
	return h, ok
}

// Len returns the number of open connections
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close closes every open connection and stops metrics. Later Create calls
// fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]conn.Conn, 0, len(c.conns))
	for _, cn := range c.conns {
		open = append(open, cn)
	}
	c.mu.Unlock()

	var result *multierror.Error
	for _, cn := range open {
		if err := cn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", cn.ID(), err))
		}
	}

	c.metrics.Stop()
	c.logger.Info("Client closed", "connections", len(open))
	return result.ErrorOrNil()
}

package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/plaenen/bizsuite/pkg/security/credentials"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	creds        *credentials.Credentials
	shutdownOnce sync.Once
	logger       *slog.Logger
}

type embeddedConfig struct {
	host     string
	port     int
	storeDir string
	creds    *credentials.Credentials
	logger   *slog.Logger
}

// EmbeddedOption configures an embedded server.
type EmbeddedOption func(*embeddedConfig)

// WithHost sets the listen host.
func WithHost(host string) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.host = host
	}
}

// WithPort sets the client port. -1 picks a random free port.
func WithPort(port int) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory.
func WithStoreDir(dir string) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// WithEmbeddedLogger sets the logger for shutdown warnings.
func WithEmbeddedLogger(logger *slog.Logger) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.logger = logger
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:   "127.0.0.1",
		port:   -1, // Random port
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	serverOpts := &server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,
		NoSigs:    true,
	}
	applyServerAuth(serverOpts, cfg.creds)

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
		creds:  cfg.creds,
		logger: cfg.logger,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn("NATS server shutdown timed out", slog.Duration("timeout", 5*time.Second))
		}
	})
}

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.url, connectOptions("bizsuite-embedded", e.creds)...)
}

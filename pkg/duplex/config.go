package duplex

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/internal/errs"
	"github.com/albertbausili/duplex/internal/h2/frame"
)

// Config holds the client configuration for one connection.
type Config struct {
	Version          Version       `envconfig:"VERSION" default:"HTTP/1.1"` // Protocol offered to the server
	Host             string        `envconfig:"HOST" default:"localhost"`   // Target host
	Port             int           `envconfig:"PORT"`                       // Target port (0 picks 80 or 443)
	UseTLS           bool          `envconfig:"TLS"`                        // Connect over TLS and negotiate via ALPN
	Decompress       bool          `envconfig:"DECOMPRESS"`                 // Decode gzip, deflate, br and zstd bodies
	MaxContentLength int64         `envconfig:"MAX_CONTENT_LENGTH" default:"10485760"`
	MaxHeaderBytes   int           `envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ConnectTimeout   time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	NumEventLoop     int           `envconfig:"NUM_EVENT_LOOP" default:"1"` // Event loops driving cleartext connections
	Multicore        bool          `envconfig:"MULTICORE"`

	ServerName string         `envconfig:"SERVER_NAME"` // TLS server name (defaults to Host)
	CAFile     string         `envconfig:"CA_FILE"`     // PEM bundle added to RootCAs
	RootCAs    *x509.CertPool `ignored:"true"`          // Trust roots (nil uses the system pool)
	// InsecureSkipVerifyForTesting disables certificate validation. Never set
	// it outside tests.
	InsecureSkipVerifyForTesting bool `envconfig:"INSECURE_SKIP_VERIFY_FOR_TESTING"`

	InitialWindowSize uint32 `envconfig:"INITIAL_WINDOW_SIZE"`  // HTTP/2 receive window per stream and connection
	MaxFrameSize      uint32 `envconfig:"MAX_FRAME_SIZE"`       // Largest HTTP/2 frame accepted
	MaxHeaderListSize uint32 `envconfig:"MAX_HEADER_LIST_SIZE"` // HTTP/2 header list limit advertised to the server

	Logger         *zap.Logger   `ignored:"true"`
	Tracing        TracingConfig `envconfig:"TRACING"`
	DisableMetrics bool          `envconfig:"DISABLE_METRICS"`
}

// TracingConfig controls client spans.
type TracingConfig struct {
	Enabled    bool   `envconfig:"ENABLED"`
	TracerName string `envconfig:"TRACER_NAME" default:"duplex"`
	// Propagator injects the span context into outbound headers when set.
	Propagator propagation.TextMapPropagator `ignored:"true"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Version:          HTTP11,
		Host:             "localhost",
		MaxContentLength: 10 << 20, // 10 MB
		MaxHeaderBytes:   1 << 20,  // 1 MB
		ConnectTimeout:   10 * time.Second,
		NumEventLoop:     1,
		Logger:           zap.NewNop(),
		Tracing: TracingConfig{
			TracerName: "duplex",
		},
	}
}

// LoadConfig reads a Config from environment variables named
// <prefix>_<FIELD>, starting from the defaults.
func LoadConfig(prefix string) (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if !c.Version.Valid() {
		return errs.Configuration("config", fmt.Errorf("unsupported protocol version %d", c.Version))
	}
	if c.Host == "" {
		return errs.Configuration("config", fmt.Errorf("host is required"))
	}
	if c.Port == 0 {
		c.Port = 80
		if c.UseTLS {
			c.Port = 443
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return errs.Configuration("config", fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Version == HTTP2 && !c.UseTLS {
		return errs.Configuration("config", fmt.Errorf("%s requires TLS", c.Version))
	}
	if c.MaxContentLength < 0 {
		c.MaxContentLength = 0
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.ConnectTimeout < 0 {
		c.ConnectTimeout = 0
	}
	if c.NumEventLoop <= 0 {
		c.NumEventLoop = 1
	}
	if c.MaxFrameSize != 0 {
		if c.MaxFrameSize < frame.DefaultMaxFrameSize {
			c.MaxFrameSize = frame.DefaultMaxFrameSize
		}
		if c.MaxFrameSize > (1<<24)-1 {
			c.MaxFrameSize = (1 << 24) - 1
		}
	}
	if c.InitialWindowSize > frame.MaxWindowSize {
		c.InitialWindowSize = frame.MaxWindowSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = "duplex"
	}
	return nil
}

// tlsConfig builds the client TLS configuration. NextProtos is set by the
// connector from Version.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if !c.UseTLS {
		return nil, nil
	}
	roots := c.RootCAs
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errs.Configuration("config", fmt.Errorf("read CA file: %w", err))
		}
		if roots == nil {
			roots = x509.NewCertPool()
		} else {
			roots = roots.Clone()
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errs.Configuration("config", fmt.Errorf("no certificates in %s", c.CAFile))
		}
	}
	serverName := c.ServerName
	if serverName == "" {
		serverName = c.Host
	}
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            roots,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerifyForTesting, //nolint:gosec // test-only option
	}, nil
}

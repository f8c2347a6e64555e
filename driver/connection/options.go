package connection

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/kesterel/mongowire/wiremessage"
)

type config struct {
	dialer       *net.Dialer
	tlsConfig    *tls.Config
	compressors  []wiremessage.Compressor
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Dial call.
type Option func(*config) error

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// WithDialer overrides the *net.Dialer used to establish the TCP socket,
// e.g. to set a custom Timeout or KeepAlive.
func WithDialer(d *net.Dialer) Option {
	return func(c *config) error {
		c.dialer = d
		return nil
	}
}

// WithTLSConfig enables TLS and configures it, including mutual-TLS client
// certificates (PKCS#8 client keys, possibly password-encrypted, should be
// decrypted by the caller, e.g. via LoadClientCertificate, before being
// placed in tls.Config.Certificates).
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) error {
		c.tlsConfig = cfg
		return nil
	}
}

// WithCompressors registers the compressors available for OP_COMPRESSED,
// in client preference order. The Connection negotiates down to whichever
// of these the server's hello reply also advertised.
func WithCompressors(compressors ...wiremessage.Compressor) Option {
	return func(c *config) error {
		c.compressors = compressors
		return nil
	}
}

// WithReadTimeout bounds how long a single socket read may block.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.readTimeout = d
		return nil
	}
}

// WithWriteTimeout bounds how long a single socket write may block.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.writeTimeout = d
		return nil
	}
}

package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/kesterel/mongowire/address"
)

// configureTLS wraps nc in a TLS client connection and performs the
// handshake, aborting it if ctx is done first. ServerName is derived from
// addr's host when cfg does not already set one, matching the teacher's
// "skip verification implies the caller already knows what they're doing"
// split.
func configureTLS(ctx context.Context, nc net.Conn, addr address.Address, cfg *tls.Config) (net.Conn, error) {
	cfg = cfg.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = addr.Host()
	}

	client := tls.Client(nc, cfg)

	errChan := make(chan error, 1)
	go func() { errChan <- client.HandshakeContext(ctx) }()

	select {
	case err := <-errChan:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, errors.New("connection: TLS handshake cancelled: " + ctx.Err().Error())
	}
	return client, nil
}

// LoadClientCertificate builds a tls.Certificate from a PEM certificate and
// a possibly password-encrypted PKCS#8 private key; the password is passed
// in by the caller (uri.Parse has no connection-string option for it).
// Unencrypted keys are parsed with tls.X509KeyPair directly; an encrypted
// PKCS#8 key is decrypted first via github.com/youmark/pkcs8.
func LoadClientCertificate(certPEM, keyPEM []byte, password []byte) (tls.Certificate, error) {
	if len(password) == 0 {
		return tls.X509KeyPair(certPEM, keyPEM)
	}

	keyDER, err := decryptPKCS8PEM(keyPEM, password)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyDER)
	if err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// ParseLeafCertificate extracts the x509 leaf certificate from a loaded
// tls.Certificate, used by the MONGODB-X509 authenticator to read the
// `subject` it sends as the `user` field of its `authenticate` command.
func ParseLeafCertificate(cert tls.Certificate) (*x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("connection: client certificate has no leaf")
	}
	return x509.ParseCertificate(cert.Certificate[0])
}

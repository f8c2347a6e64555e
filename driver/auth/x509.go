package auth

import (
	"context"
	"crypto/tls"

	"github.com/kesterel/mongowire/description"
	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/wire"
)

// x509Authenticator implements MONGODB-X509 (spec.md §4.3's supplemented
// feature): a single authenticate command against $external, with no SASL
// conversation. The server identifies the client from the certificate
// already presented during the TLS handshake; Username, when set, is
// asserted against that certificate's subject.
type x509Authenticator struct {
	Username    string
	Certificate *tls.Certificate
}

func newX509Authenticator(cred *Cred) (Authenticator, error) {
	return &x509Authenticator{Username: cred.Username, Certificate: cred.ClientCertificate}, nil
}

// username resolves the saslStart-free authenticate username: the
// configured Username, or, when that's empty and a client certificate is
// available, the certificate leaf's subject (real MONGODB-X509 semantics —
// the server identifies the client from the cert it already presented
// during the TLS handshake, so the username just has to match).
func (a *x509Authenticator) username() (string, error) {
	if a.Username != "" {
		return a.Username, nil
	}
	if a.Certificate == nil {
		return "", nil
	}
	leaf, err := connection.ParseLeafCertificate(*a.Certificate)
	if err != nil {
		return "", &Error{Reason: MalformedAuthenticationDetails, Message: "MONGODB-X509: client certificate", Wrapped: err}
	}
	return leaf.Subject.String(), nil
}

// Auth implements Authenticator.
func (a *x509Authenticator) Auth(ctx context.Context, _ description.Server, conn *connection.Connection) error {
	user, err := a.username()
	if err != nil {
		return err
	}

	cmd := wire.Document{
		{Key: "authenticate", Value: 1},
		{Key: "mechanism", Value: MongoDBX509},
		{Key: "$db", Value: "$external"},
	}
	if user != "" {
		cmd = append(cmd, wire.Elem{Key: "user", Value: user})
	}

	reply, err := conn.Execute(ctx, cmd)
	if err != nil {
		return &Error{Message: "MONGODB-X509", Wrapped: err}
	}
	if !driver.IsOK(reply) {
		return &Error{Message: "MONGODB-X509: authenticate rejected"}
	}
	return nil
}

package auth

import (
	"context"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"

	"github.com/kesterel/mongowire/description"
	"github.com/kesterel/mongowire/driver/connection"
)

// scramAuthenticator drives SCRAM-SHA-1 or SCRAM-SHA-256 (RFC 5802/7677) via
// github.com/xdg-go/scram, which owns the actual crypto (HMAC, PBKDF2,
// nonce generation); this type only wires its Client/ClientConversation
// into the wire protocol's saslStart/saslContinue round trips.
type scramAuthenticator struct {
	mechanism string
	source    string
	conv      *scram.ClientConversation
}

func newScramAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	var hgf scram.HashGeneratorFcn
	password := cred.Password

	switch mechanism {
	case SCRAMSHA1:
		hgf = scram.SHA1
	case SCRAMSHA256:
		hgf = scram.SHA256
		// SCRAM-SHA-256 requires SASLprep normalization of the password
		// (RFC 7677 §3); SCRAM-SHA-1 predates this and is sent as-is.
		prepared, err := stringprep.SASLprep.Prepare(password)
		if err != nil {
			return nil, &Error{Reason: MalformedAuthenticationDetails, Message: "SASLprep password", Wrapped: err}
		}
		password = prepared
	default:
		return nil, &Error{Reason: UnsupportedMechanism, Message: fmt.Sprintf("unsupported SCRAM mechanism %q", mechanism)}
	}

	client, err := hgf.NewClient(cred.Username, password, "")
	if err != nil {
		return nil, &Error{Reason: ScramFailure, Message: "build SCRAM client", Wrapped: err}
	}

	return &scramAuthenticator{
		mechanism: mechanism,
		source:    authSource(cred),
		conv:      client.NewConversation(),
	}, nil
}

// Mechanism implements SaslClient.
func (a *scramAuthenticator) Mechanism() string { return a.mechanism }

// Start implements SaslClient: the client-first-message.
func (a *scramAuthenticator) Start() ([]byte, error) {
	msg, err := a.conv.Step("")
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

// Next implements SaslClient: answers one server challenge.
func (a *scramAuthenticator) Next(challenge []byte) ([]byte, error) {
	msg, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

// Completed implements SaslClient: true once the client has verified the
// server's final signature.
func (a *scramAuthenticator) Completed() bool { return a.conv.Done() }

// Auth implements Authenticator.
func (a *scramAuthenticator) Auth(ctx context.Context, _ description.Server, conn *connection.Connection) error {
	return ConductSaslConversation(ctx, conn, a.source, a)
}

package auth

import (
	"context"

	"github.com/kesterel/mongowire/driver"
	"github.com/kesterel/mongowire/driver/connection"
	"github.com/kesterel/mongowire/wire"
)

// SaslClient is the client half of a SASL conversation: it produces the
// initial payload, answers each server challenge, and reports when it
// considers the exchange complete on its own side.
type SaslClient interface {
	Mechanism() string
	Start() ([]byte, error)
	Next(challenge []byte) ([]byte, error)
	Completed() bool
}

// saslResponse is the shape common to saslStart/saslContinue replies.
type saslResponse struct {
	conversationID int64
	code           int64
	done           bool
	payload        []byte
}

func decodeSaslResponse(reply wire.Raw) (saslResponse, error) {
	var resp saslResponse

	if v, err := reply.LookupErr("conversationId"); err == nil {
		if n, ok := driver.AsInt64(v); ok {
			resp.conversationID = n
		}
	}
	if v, err := reply.LookupErr("code"); err == nil {
		if n, ok := driver.AsInt64(v); ok {
			resp.code = n
		}
	}
	if v, err := reply.LookupErr("done"); err == nil {
		resp.done, _ = v.BooleanOK()
	}
	if v, err := reply.LookupErr("payload"); err == nil {
		subtype, data, ok := v.BinaryOK()
		if ok && (subtype == 0x00 || subtype == 0x80) {
			resp.payload = data
		}
	}
	return resp, nil
}

// ConductSaslConversation drives a SaslClient through saslStart and however
// many saslContinue round trips the mechanism needs, against db (spec.md
// §4.3). It runs directly on conn — no Session or Dispatcher is involved,
// since authentication precedes both.
func ConductSaslConversation(ctx context.Context, conn *connection.Connection, db string, client SaslClient) error {
	payload, err := client.Start()
	if err != nil {
		return &Error{Reason: ScramFailure, Message: client.Mechanism(), Wrapped: err}
	}

	cmd := wire.Document{
		{Key: "saslStart", Value: 1},
		{Key: "mechanism", Value: client.Mechanism()},
		{Key: "payload", Value: payload},
		{Key: "$db", Value: db},
	}

	reply, err := conn.Execute(ctx, cmd)
	if err != nil {
		return &Error{Message: client.Mechanism(), Wrapped: err}
	}
	if !driver.IsOK(reply) {
		return &Error{Reason: ScramFailure, Message: client.Mechanism() + ": saslStart rejected"}
	}

	resp, err := decodeSaslResponse(reply)
	if err != nil {
		return &Error{Reason: MalformedAuthenticationDetails, Message: client.Mechanism(), Wrapped: err}
	}

	for {
		if resp.done && client.Completed() {
			return nil
		}

		payload, err = client.Next(resp.payload)
		if err != nil {
			return &Error{Reason: ScramFailure, Message: client.Mechanism(), Wrapped: err}
		}

		if resp.done && client.Completed() {
			return nil
		}

		cmd := wire.Document{
			{Key: "saslContinue", Value: 1},
			{Key: "conversationId", Value: resp.conversationID},
			{Key: "payload", Value: payload},
			{Key: "$db", Value: db},
		}

		reply, err := conn.Execute(ctx, cmd)
		if err != nil {
			return &Error{Message: client.Mechanism(), Wrapped: err}
		}
		if !driver.IsOK(reply) {
			return &Error{Reason: ScramFailure, Message: client.Mechanism() + ": saslContinue rejected"}
		}

		resp, err = decodeSaslResponse(reply)
		if err != nil {
			return &Error{Reason: MalformedAuthenticationDetails, Message: client.Mechanism(), Wrapped: err}
		}
	}
}

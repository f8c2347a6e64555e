package driver

import "github.com/kesterel/mongowire/wire"

// AsInt64 widens an `ok`/`conversationId`-shaped BSON value (int32, int64,
// or double) to int64, per spec.md §4.8's numeric coercion rule. ok reports
// whether v held one of those three types. Exported because the same
// coercion is needed wherever a command reply carries one of these
// server-chosen-width fields — notably driver/auth's saslContinue loop.
func AsInt64(v wire.RawValue) (int64, bool) {
	switch v.Type {
	case 0x10: // int32
		return int64(v.Int32()), true
	case 0x12: // int64
		return v.Int64(), true
	case 0x01: // double
		return int64(v.Double()), true
	default:
		return 0, false
	}
}

// IsOK reports whether a command reply's "ok" field indicates success
// (>= 1), accepting whichever of int32/int64/double the server sent.
func IsOK(reply wire.Raw) bool {
	v, err := reply.LookupErr("ok")
	if err != nil {
		return false
	}
	n, ok := AsInt64(v)
	return ok && n >= 1
}

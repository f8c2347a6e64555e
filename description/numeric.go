package description

import "github.com/kesterel/mongowire/wire"

// rawValueAsInt32 widens an int32/int64/double BSON value to int32,
// matching the numeric-coercion rule spec.md §4.8 requires for reply
// fields whose wire type varies by server version.
func rawValueAsInt32(v wire.RawValue) (int32, bool) {
	switch v.Type {
	case 0x10: // int32
		return v.Int32(), true
	case 0x12: // int64
		return int32(v.Int64()), true
	case 0x01: // double
		return int32(v.Double()), true
	default:
		return 0, false
	}
}

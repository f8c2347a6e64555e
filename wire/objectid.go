package wire

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is the driver's 12-byte identifier: a 4-byte big-endian seconds
// timestamp, a 5-byte per-process random value, and a 3-byte big-endian
// counter that increases monotonically within each process.
type ObjectID [12]byte

var (
	processUnique  = mustRandom5()
	objectIDCounter = mustRandomUint32() & 0x00ffffff
)

func mustRandom5() [5]byte {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("wire: cannot seed ObjectID process-unique bytes: %w", err))
	}
	return b
}

func mustRandomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("wire: cannot seed ObjectID counter: %w", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// NewObjectID generates a new ObjectID using the current time, this
// process's random identity, and the next value of the shared monotonic
// counter. It is safe to call concurrently from any number of goroutines.
func NewObjectID() ObjectID {
	return NewObjectIDFromTime(time.Now())
}

// NewObjectIDFromTime is like NewObjectID but lets the timestamp component be
// pinned, primarily for tests.
func NewObjectIDFromTime(t time.Time) ObjectID {
	var id ObjectID

	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	copy(id[4:9], processUnique[:])

	c := atomic.AddUint32(&objectIDCounter, 1) & 0x00ffffff
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)

	return id
}

// Timestamp returns the timestamp component of the ObjectID.
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

// Hex returns the lowercase hex encoding of the ObjectID.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ObjectID) String() string {
	return "ObjectID(\"" + id.Hex() + "\")"
}

// IsZero reports whether id is the zero-value ObjectID.
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

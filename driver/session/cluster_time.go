package session

import (
	"sync"

	"github.com/kesterel/mongowire/wire"
)

// ClusterTime tracks the maximum $clusterTime document seen across every
// reply a Session has received, so it can be echoed on subsequent requests
// to preserve causal consistency (spec.md §3/§5).
type ClusterTime struct {
	mu  sync.Mutex
	max wire.Raw
}

// Advance updates the tracked cluster time to candidate if candidate is
// newer (by its embedded Timestamp field). It is safe to call with a nil or
// empty candidate.
func (c *ClusterTime) Advance(candidate wire.Raw) {
	if len(candidate) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max == nil || compareClusterTime(candidate, c.max) > 0 {
		c.max = candidate
	}
}

// Max returns the greatest cluster time seen so far, or nil if none has.
func (c *ClusterTime) Max() wire.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// compareClusterTime orders two $clusterTime documents by their
// clusterTime.T field (a BSON Timestamp's seconds component followed by its
// increment), returning <0, 0, or >0 like bytes.Compare.
func compareClusterTime(a, b wire.Raw) int {
	at, aok := timestampOf(a)
	bt, bok := timestampOf(b)
	if !aok || !bok {
		return 0
	}
	if at.t != bt.t {
		if at.t < bt.t {
			return -1
		}
		return 1
	}
	if at.i == bt.i {
		return 0
	}
	if at.i < bt.i {
		return -1
	}
	return 1
}

type bsonTimestamp struct {
	t, i uint32
}

func timestampOf(doc wire.Raw) (bsonTimestamp, bool) {
	ctVal, err := doc.LookupErr("clusterTime")
	if err != nil {
		return bsonTimestamp{}, false
	}
	t, i, ok := ctVal.TimestampOK()
	if !ok {
		return bsonTimestamp{}, false
	}
	return bsonTimestamp{t: t, i: i}, true
}

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdleTimeout is how long a session may go unused before the server
// considers it expired (spec.md §3: "Sessions expire server-side after 30
// min idle"). The driver stays ahead of that: Start discards, rather than
// reuses, a free-list session idle past SweepAfter, so a stale-looking
// Client is never handed back out.
const IdleTimeout = 30 * time.Minute

// SweepAfter is the driver-side eviction threshold, intentionally a minute
// under the server's own timeout (spec.md §4.4).
const SweepAfter = 29 * time.Minute

// Client is a logical session: an LSID, the maximum cluster time it has
// observed, and its current transaction. It is shared by reference across
// concurrent commands (spec.md §3 "Ownership summary"); only the embedded
// Transaction serializes internally.
type Client struct {
	ID ID

	ClusterTime ClusterTime
	Transaction Transaction

	mu      sync.Mutex
	lastUse time.Time
}

// ID is a session's LSID: a v4 UUID.
type ID struct {
	UUID uuid.UUID
}

// Document renders the LSID the way it must appear in a command's `lsid`
// field: {id: <uuid binary>}.
func (id ID) Document() map[string]interface{} {
	return map[string]interface{}{"id": id.UUID}
}

func newID() ID {
	return ID{UUID: uuid.New()}
}

// Touch refreshes the session's last-use time; called after every
// successful command dispatched with this session attached.
func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUse = time.Now()
}

// IdleFor reports how long it has been since this session was last used.
func (c *Client) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUse)
}

// Pool allocates, recycles, and expires Sessions (spec.md §4.4: the Session
// Manager). Ended sessions are held on a free-list and reported to the
// server in endSessions batches of at most MaxEndSessionsBatch, and a
// background sweeper evicts sessions idle past SweepAfter.
type Pool struct {
	mu       sync.Mutex
	active   map[uuid.UUID]*Client
	freeList []*Client

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// MaxEndSessionsBatch is the batch size used to report ended sessions via
// endSessions at pool shutdown (spec.md §4.4).
const MaxEndSessionsBatch = 10000

// NewPool constructs a Session Manager and starts its idle-session sweeper.
func NewPool() *Pool {
	p := &Pool{
		active:    make(map[uuid.UUID]*Client),
		stopSweep: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Start lazily allocates a new Session, preferring a session recycled from
// the free-list over minting a fresh LSID (fewer server-side session
// records to track). Free-list sessions idle past SweepAfter are dropped
// instead of reused.
func (p *Pool) Start() *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n := len(p.freeList); n > 0; n = len(p.freeList) {
		c := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		if c.IdleFor() > SweepAfter {
			continue
		}
		c.lastUse = time.Now()
		p.active[c.ID.UUID] = c
		return c
	}

	c := &Client{ID: newID(), lastUse: time.Now()}
	p.active[c.ID.UUID] = c
	return c
}

// End returns a Session to the free-list for later reuse or batched
// endSessions reporting. The caller must not use the Client again after
// calling End unless it calls Start and happens to get it back.
func (p *Pool) End(c *Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, c.ID.UUID)
	p.freeList = append(p.freeList, c)
}

// PendingEndSessionIDs drains up to MaxEndSessionsBatch session ids from the
// free list for the caller to report to the server via endSessions,
// returning fewer than the full free-list only when it already has fewer
// than MaxEndSessionsBatch entries.
func (p *Pool) PendingEndSessionIDs() []ID {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.freeList)
	if n > MaxEndSessionsBatch {
		n = MaxEndSessionsBatch
	}
	ids := make([]ID, n)
	for i := 0; i < n; i++ {
		ids[i] = p.freeList[i].ID
	}
	p.freeList = p.freeList[n:]
	return ids
}

// Shutdown stops the sweeper goroutine. It does not itself send
// endSessions; callers should drain PendingEndSessionIDs first.
func (p *Pool) Shutdown() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.active {
		if c.IdleFor() > SweepAfter {
			delete(p.active, id)
			p.freeList = append(p.freeList, c)
		}
	}
}

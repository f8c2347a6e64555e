package session

import "testing"

func TestTransactionStateMachine(t *testing.T) {
	var txn Transaction

	if txn.State() != None {
		t.Fatalf("initial state = %s, want None", txn.State())
	}

	if err := txn.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.State() != Starting {
		t.Fatalf("state after Begin = %s, want Starting", txn.State())
	}
	if !txn.StartTransactionFlag() {
		t.Fatalf("expected StartTransactionFlag true for the first op")
	}

	txn.AdvanceToInProgress()
	if txn.State() != InProgress {
		t.Fatalf("state after AdvanceToInProgress = %s, want InProgress", txn.State())
	}
	if txn.StartTransactionFlag() {
		t.Fatalf("expected StartTransactionFlag false once InProgress")
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if txn.State() != Committed {
		t.Fatalf("state after Commit = %s, want Committed", txn.State())
	}
}

func TestTransactionNumberMonotonic(t *testing.T) {
	var txn Transaction

	_ = txn.Begin()
	first := txn.Number()
	_ = txn.Commit()

	if err := txn.Begin(); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	second := txn.Number()

	if second <= first {
		t.Fatalf("txnNumber did not increase: first=%d second=%d", first, second)
	}
}

func TestTransactionAbortFromAnyState(t *testing.T) {
	var txn Transaction
	_ = txn.Begin()
	txn.Pin("conn-1")

	txn.Abort()

	if txn.State() != Aborted {
		t.Fatalf("state = %s, want Aborted", txn.State())
	}
	if txn.Pinned() != nil {
		t.Fatalf("expected pinned connection cleared on abort")
	}
}

func TestTransactionPinIsStable(t *testing.T) {
	var txn Transaction
	_ = txn.Begin()

	txn.Pin("first")
	txn.Pin("second")

	if got := txn.Pinned(); got != "first" {
		t.Fatalf("pinned = %v, want 'first' (pin must not move mid-transaction)", got)
	}
}

func TestSessionPoolReusesEndedSessions(t *testing.T) {
	p := NewPool()
	defer p.Shutdown()

	c1 := p.Start()
	id1 := c1.ID.UUID
	p.End(c1)

	c2 := p.Start()
	if c2.ID.UUID != id1 {
		t.Fatalf("expected Start to recycle the ended session's LSID")
	}
}

func TestSessionPoolPendingEndSessionIDsBatches(t *testing.T) {
	p := NewPool()
	defer p.Shutdown()

	// Start all three before ending any, since Start recycles an ended
	// session and End(Start()) in a loop would keep reusing a single one.
	var started []*Client
	for i := 0; i < 3; i++ {
		started = append(started, p.Start())
	}
	for _, c := range started {
		p.End(c)
	}

	ids := p.PendingEndSessionIDs()
	if len(ids) != 3 {
		t.Fatalf("expected 3 pending ids, got %d", len(ids))
	}
	if more := p.PendingEndSessionIDs(); len(more) != 0 {
		t.Fatalf("expected the free-list to be drained, got %d more", len(more))
	}
}

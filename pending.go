package zkmux

// completion is how a pending request's caller eventually learns the
// outcome. Exactly one of blockingCompletion/castCompletion is stored per
// pendingEntry (design note §9: "blocking completion is a one-shot
// rendezvous... non-blocking completion is a message send").
type completion interface {
	complete(result any, err error)
}

type blockingCompletion struct {
	ch chan callResult
}

type callResult struct {
	value any
	err   error
}

func (c blockingCompletion) complete(result any, err error) {
	c.ch <- callResult{value: result, err: err}
	close(c.ch)
}

type castCompletion struct {
	receiver chan CastReply
	tag      any
}

func (c castCompletion) complete(result any, err error) {
	select {
	case c.receiver <- CastReply{Tag: c.tag, Result: result, Err: err}:
	default:
		// Receiver isn't listening; the reply is dropped rather than
		// stalling the engine's single serialization point.
	}
}

// decodeFunc turns the bytes following a normal reply's header into a typed
// result value.
type decodeFunc func(b []byte) (any, error)

// pendingEntry is the value half of the xid -> entry table (invariant 1/2 in
// spec.md §3). The auth slot reuses the same type but lives in a dedicated
// field rather than inside the map, per design note §9 ("the auth slot is a
// dedicated field, not a map entry, to keep its type distinct").
type pendingEntry struct {
	opcode     int32
	path       string
	decode     decodeFunc
	completion completion

	// watchKind and hasWatch record which registry key (if any) this
	// request registered a subscriber under at submission time, so the
	// router can re-key it once the reply reveals more (SPEC_FULL.md §4.9:
	// an ExistsW on a node that already exists re-keys its subscriber from
	// WatchExist to WatchData).
	watchKind WatchKind
	hasWatch  bool
}

// pendingTable is the Engine-private xid -> pendingEntry map. It is only
// ever touched from the Engine's single run() goroutine, so it needs no
// lock (design note §9: "a dense vector indexed by xid-base is tempting but
// wrong... use a hash map keyed by xid").
type pendingTable struct {
	byXid map[int32]*pendingEntry
	auth  *pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{byXid: make(map[int32]*pendingEntry)}
}

func (t *pendingTable) insert(xid int32, e *pendingEntry) {
	t.byXid[xid] = e
}

func (t *pendingTable) take(xid int32) (*pendingEntry, bool) {
	e, ok := t.byXid[xid]
	if ok {
		delete(t.byXid, xid)
	}
	return e, ok
}

func (t *pendingTable) insertAuth(e *pendingEntry) {
	t.auth = e
}

func (t *pendingTable) takeAuth() (*pendingEntry, bool) {
	e := t.auth
	t.auth = nil
	return e, e != nil
}

// drain fails every outstanding entry (and the auth slot) with a
// ClientBrokeError, per spec.md §4.6 invariant: "every pending completion
// receives a terminal failure notification." Pending is left empty
// afterward (invariant 5).
func (t *pendingTable) drain(reason string) {
	for xid, e := range t.byXid {
		e.completion.complete(nil, &ClientBrokeError{Opcode: e.opcode, Path: e.path, Reason: reason})
		delete(t.byXid, xid)
	}
	if t.auth != nil {
		t.auth.completion.complete(nil, &ClientBrokeError{Opcode: opSetAuth, Path: "", Reason: reason})
		t.auth = nil
	}
}

func (t *pendingTable) len() int {
	n := len(t.byXid)
	if t.auth != nil {
		n++
	}
	return n
}

package zkmux

// watchKey identifies one server-side one-shot watch slot: ZooKeeper stores
// at most one watch per (session, path, kind), so the client coalesces
// every local subscriber for the same key onto that single server watch
// (spec.md §4.2).
type watchKey struct {
	kind WatchKind
	path string
}

type watchSubscriber struct {
	events  chan WatchEvent
	payload any
}

// watchRegistry is the Engine-private (kind, path) -> []subscriber
// multimap. Like pendingTable, it is only touched from the Engine's single
// run() goroutine and needs no lock.
type watchRegistry struct {
	byKey map[watchKey][]watchSubscriber
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{byKey: make(map[watchKey][]watchSubscriber)}
}

// register appends sub under key and reports whether a server-side watch
// was already registered for this (kind, path) before this call — the
// Engine uses that to decide between the watching and non-watching opcode
// variant (spec.md §4.2 steps 1-3).
func (r *watchRegistry) register(key watchKey, sub watchSubscriber) (alreadyWatching bool) {
	existing, ok := r.byKey[key]
	alreadyWatching = ok && len(existing) > 0
	r.byKey[key] = append(existing, sub)
	return alreadyWatching
}

// rekey moves every subscriber registered under old onto next, merging with
// whatever is already registered there. It is a no-op if old has no
// subscribers (SPEC_FULL.md §4.9: an ExistsW reply that finds the node
// already present re-keys its subscriber from WatchExist to WatchData so it
// is reported, and fires, as a data-watch from then on).
func (r *watchRegistry) rekey(old, next watchKey) {
	subs, ok := r.byKey[old]
	if !ok {
		return
	}
	delete(r.byKey, old)
	r.byKey[next] = append(r.byKey[next], subs...)
}

// fire dispatches a server watch event to every subscriber registered under
// key, in insertion order, then removes the key entirely: server-side
// watches are one-shot, so every client-side alias is invalidated at once
// (spec.md §4.3, invariant 4).
func (r *watchRegistry) fire(key watchKey, path string, state ConnState) {
	subs, ok := r.byKey[key]
	if !ok {
		return
	}
	delete(r.byKey, key)
	for _, sub := range subs {
		deliver(sub.events, WatchEvent{Payload: sub.payload, Path: path, Kind: key.kind, State: state})
	}
}

// drain delivers a "watch lost" notification to every remaining subscriber
// and empties the registry (spec.md §4.6 step 1, invariant 5).
func (r *watchRegistry) drain() {
	for key, subs := range r.byKey {
		for _, sub := range subs {
			deliver(sub.events, WatchEvent{Payload: sub.payload, Path: key.path, Kind: key.kind, State: StateLost, Lost: true})
		}
		delete(r.byKey, key)
	}
}

func (r *watchRegistry) len() int {
	return len(r.byKey)
}

func deliver(ch chan WatchEvent, ev WatchEvent) {
	select {
	case ch <- ev:
	default:
		// A subscriber that isn't draining its channel loses the event
		// rather than stalling the Engine's single serialization point;
		// subscribers are expected to buffer or consume promptly.
	}
}

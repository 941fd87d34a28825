package zkmux

import "github.com/rs/zerolog/log"

// routeFrame classifies one decoded inbound frame by its leading xid and
// drives the matching state transition (spec.md §4.3). It is called only
// from run(), so it may freely mutate pending/watches/outstandingHeartbeats.
func (e *Engine) routeFrame(body []byte) error {
	d := decoder{b: body}
	xid, err := d.int32()
	if err != nil {
		return err
	}

	switch xid {
	case xidHeartbeat:
		return e.routeHeartbeatAck()
	case xidWatchEvent:
		return e.routeWatchEvent(d)
	case xidAuth:
		return e.routeAuthReply(d)
	default:
		return e.routeNormalReply(xid, d)
	}
}

// routeHeartbeatAck implements spec.md §4.3's heartbeat-ack behavior:
// outstandingHeartbeats must go from 1 to 0; an ack arriving when it is
// already 0 is tolerated silently, matching the spec's explicit policy.
func (e *Engine) routeHeartbeatAck() error {
	if e.outstandingHeartbeats > 0 {
		e.outstandingHeartbeats = 0
	}
	return nil
}

// routeWatchEvent decodes a server-pushed watch notification and fans it
// out to every subscriber registered for (kind, path), then clears that key
// (spec.md §4.3, invariant 4).
func (e *Engine) routeWatchEvent(d decoder) error {
	// Skip the zxid/err header that precedes a watch event payload, then
	// decode (eventType, state, path) as the reference client's
	// watcherEvent does.
	if _, err := d.int64(); err != nil { // zxid
		return err
	}
	if _, err := d.int32(); err != nil { // err, always 0 for watch events
		return err
	}
	eventType, err := d.int32()
	if err != nil {
		return err
	}
	state, err := d.int32()
	if err != nil {
		return err
	}
	path, err := d.string()
	if err != nil {
		return err
	}

	// NodeChildrenChanged only ever satisfies child-watches. Every other
	// event type (NodeCreated/NodeDeleted/NodeDataChanged) can satisfy
	// either a data-watch or an exist-watch registered on the same path —
	// GetW can be outstanding on a not-yet-created node just as ExistsW
	// can (spec.md §4.9; mirrors the reference client's recvLoop, which
	// notifies both dataWatchers and existWatchers for those event types).
	connState := ConnState(state)
	if eventType == eventNodeChildrenChanged {
		e.watches.fire(watchKey{kind: WatchChild, path: path}, path, connState)
	} else {
		e.watches.fire(watchKey{kind: WatchData, path: path}, path, connState)
		e.watches.fire(watchKey{kind: WatchExist, path: path}, path, connState)
	}
	return nil
}

const (
	eventNodeCreated         int32 = 1
	eventNodeDeleted         int32 = 2
	eventNodeDataChanged     int32 = 3
	eventNodeChildrenChanged int32 = 4
)

// routeNormalReply implements spec.md §4.3's normal-reply path: look up the
// pending entry by xid, decode the payload using the opcode/path saved
// there, remove the entry, and deliver the result to its completion.
func (e *Engine) routeNormalReply(xid int32, d decoder) error {
	zxid, err := d.int64()
	if err != nil {
		return err
	}
	_ = zxid
	errCode, err := d.int32()
	if err != nil {
		return err
	}

	entry, ok := e.pending.take(xid)
	if !ok {
		return ErrUnknownXid
	}

	if errCode != 0 {
		if errCode == -101 && entry.opcode == opExists {
			// Exists on an absent node is not an error to the caller
			// (spec.md §4.9); the exist-watch has still been installed by
			// the server if one was requested.
			entry.completion.complete(ExistsResult{Exists: false}, nil)
			return nil
		}
		entry.completion.complete(nil, errorFromCode(errCode))
		return nil
	}

	if entry.opcode == opExists && entry.hasWatch && entry.watchKind == WatchExist {
		// The node exists, so the watch the server installed behaves like a
		// data-watch from here on (SPEC_FULL.md §4.9); re-key the local
		// subscriber to match so it is reported as WatchData when it fires.
		e.watches.rekey(watchKey{kind: WatchExist, path: entry.path}, watchKey{kind: WatchData, path: entry.path})
	}

	result, err := entry.decode(d.b)
	if err != nil {
		log.Warn().Str("path", entry.path).Int32("opcode", entry.opcode).Err(err).
			Msg("zkmux: failed to decode reply payload")
		return err
	}
	entry.completion.complete(result, nil)
	return nil
}

// routeAuthReply implements spec.md §4.3's auth-reply path against the
// dedicated auth slot.
func (e *Engine) routeAuthReply(d decoder) error {
	if _, err := d.int64(); err != nil { // zxid
		return err
	}
	errCode, err := d.int32()
	if err != nil {
		return err
	}

	entry, ok := e.pending.takeAuth()
	e.outstandingAuths = 0
	if !ok {
		return nil // no caller waiting; nothing to complete
	}

	if errCode == 0 {
		entry.completion.complete(true, nil)
		return nil
	}
	if errCode == -115 {
		entry.completion.complete(nil, ErrAuthFailed)
		return nil
	}
	entry.completion.complete(nil, &ZKError{RawCode: errCode})
	return nil
}

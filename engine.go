package zkmux

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerAddr is one entry of the server list an Engine is started with.
type ServerAddr struct {
	Host          string
	Port          int
	WantedTimeout time.Duration
}

func (a ServerAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// EngineOptions tunes the timers the Engine runs on; the zero value uses the
// spec's defaults.
type EngineOptions struct {
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	return o
}

// Engine is a single-session connection to one server. It owns the socket
// and all session state (spec.md §3); the only discipline protecting that
// state is that it is touched exclusively from run(), the Engine's single
// serialization point (spec.md §5, §9).
type Engine struct {
	opts EngineOptions

	conn   net.Conn
	fw     *frameWriter
	server ServerAddr

	negotiatedTimeout time.Duration
	sessionID         int64
	xid               int32

	pending *pendingTable
	watches *watchRegistry

	outstandingHeartbeats int
	outstandingAuths      int

	cmdCh    chan submission
	frameCh  chan []byte
	readErrCh chan error
	doneCh   chan struct{}
	deathCh  chan struct{} // closed when the Engine has fully terminated

	onDeath func(reason string) // Manager hook, nil for a standalone Engine

	reason string
}

type submission struct {
	req        request
	watch      *watchSubmission
	auth       bool
	completion completion
}

type watchSubmission struct {
	kind             WatchKind
	sub              watchSubscriber
	buildWatching    func() request
	buildNonWatching func() request
}

// StartEngine dials one server chosen uniformly at random from servers,
// performs the handshake, and launches the Engine's goroutines. It mirrors
// the teacher's newSession constructor: connect, then spawn the loops that
// keep the session alive.
func StartEngine(servers []ServerAddr, opts EngineOptions) (*Engine, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("zkmux: no servers configured")
	}
	opts = opts.withDefaults()

	server := servers[rand.Intn(len(servers))]
	wantedTimeout := server.WantedTimeout
	if wantedTimeout == 0 {
		wantedTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval >= wantedTimeout/2 {
		return nil, ErrTimeoutTooSmall
	}

	conn, err := net.DialTimeout("tcp", server.String(), opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:      opts,
		conn:      conn,
		fw:        newFrameWriter(conn),
		server:    server,
		xid:       1,
		pending:   newPendingTable(),
		watches:   newWatchRegistry(),
		cmdCh:     make(chan submission, 64),
		frameCh:   make(chan []byte, 16),
		readErrCh: make(chan error, 1),
		doneCh:    make(chan struct{}),
		deathCh:   make(chan struct{}),
	}

	if err := e.handshake(wantedTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.HeartbeatInterval >= e.negotiatedTimeout/2 {
		conn.Close()
		return nil, ErrTimeoutTooSmall
	}

	go e.readLoop()
	go e.run()

	log.Info().Str("server", server.String()).Int64("session_id", e.sessionID).
		Dur("negotiated_timeout", e.negotiatedTimeout).Msg("zkmux: session established")
	return e, nil
}

// handshake implements spec.md §4.1. The prose's per-field byte counts are
// approximate; the totals (44-byte request, 36-byte reply) match the real
// ZooKeeper jute layout used here: int32 protocolVersion, int64 lastZxid,
// int32 timeout, int64 sessionId, length-prefixed passwd.
func (e *Engine) handshake(wantedTimeout time.Duration) error {
	var enc encoder
	enc.int32(protocolVersion)
	enc.int64(0) // last zxid seen, always 0: no persisted session resumption (spec.md §1 non-goals)
	enc.int32(int32(wantedTimeout / time.Millisecond))
	enc.int64(0) // session id, always 0 on first connect
	enc.buffer(make([]byte, 16))

	if err := e.fw.writeFrame(enc.bytes()); err != nil {
		return err
	}

	body, err := readFrame(e.conn)
	if err != nil {
		return err
	}
	d := decoder{b: body}
	if _, err := d.int32(); err != nil { // protocol version, ignored
		return err
	}
	negotiatedMillis, err := d.int32()
	if err != nil {
		return err
	}
	sessionID, err := d.int64()
	if err != nil {
		return err
	}
	if _, err := d.buffer(); err != nil { // passwd, opaque to the client
		return err
	}

	e.negotiatedTimeout = time.Duration(negotiatedMillis) * time.Millisecond
	e.sessionID = sessionID
	return nil
}

func (e *Engine) readLoop() {
	for {
		body, err := readFrame(e.conn)
		if err != nil {
			select {
			case e.readErrCh <- err:
			case <-e.doneCh:
			}
			return
		}
		select {
		case e.frameCh <- body:
		case <-e.doneCh:
			return
		}
	}
}

// run is the Engine's single serialization point: every mutation of xid,
// pending, watches, and the socket's write half happens here and only here
// (spec.md §5, §9).
func (e *Engine) run() {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case sub := <-e.cmdCh:
			e.handleSubmission(sub)
		case body := <-e.frameCh:
			if err := e.routeFrame(body); err != nil {
				e.terminate("protocol error: " + err.Error())
				return
			}
		case err := <-e.readErrCh:
			e.terminate("socket error: " + err.Error())
			return
		case <-ticker.C:
			if e.outstandingHeartbeats == 1 {
				e.terminate("heartattack")
				return
			}
			if err := e.fw.writeFrame(pingBody); err != nil {
				e.terminate("socket error: " + err.Error())
				return
			}
			e.outstandingHeartbeats = 1
		case <-e.doneCh:
			return
		}
	}
}

func (e *Engine) handleSubmission(sub submission) {
	if d, ok := sub.completion.(dieCompletion); ok {
		d.complete(nil, nil)
		return
	}
	if sub.auth {
		if e.outstandingAuths == 1 {
			sub.completion.complete(nil, ErrAuthInProgress)
			return
		}
		e.outstandingAuths = 1
		xid := xidAuth
		if err := e.sendFrame(xid, sub.req); err != nil {
			e.terminate("socket error: " + err.Error())
			return
		}
		e.pending.insertAuth(&pendingEntry{opcode: sub.req.opcode, path: sub.req.path, decode: sub.req.decode, completion: sub.completion})
		return
	}

	req := sub.req
	entry := &pendingEntry{completion: sub.completion}
	if sub.watch != nil {
		alreadyWatching := e.watches.register(watchKey{kind: sub.watch.kind, path: sub.req.path}, sub.watch.sub)
		if alreadyWatching {
			req = sub.watch.buildNonWatching()
		} else {
			req = sub.watch.buildWatching()
		}
		entry.watchKind = sub.watch.kind
		entry.hasWatch = true
	}

	xid := e.nextXid()
	if err := e.sendFrame(xid, req); err != nil {
		e.terminate("socket error: " + err.Error())
		return
	}
	entry.opcode = req.opcode
	entry.path = req.path
	entry.decode = req.decode
	e.pending.insert(xid, entry)
}

func (e *Engine) nextXid() int32 {
	x := e.xid
	e.xid++
	return x
}

func (e *Engine) sendFrame(xid int32, req request) error {
	var hdr encoder
	hdr.int32(xid)
	hdr.int32(req.opcode)
	frame := append(hdr.bytes(), req.body...)
	return e.fw.writeFrame(frame)
}

// terminate implements spec.md §4.6: watches drain first, then pending,
// then the socket closes, then (if managed) the Manager is notified.
func (e *Engine) terminate(reason string) {
	select {
	case <-e.doneCh:
		return // already terminating
	default:
	}
	e.reason = reason
	close(e.doneCh)

	e.watches.drain()
	e.pending.drain(reason)
	e.conn.Close()

	log.Warn().Str("server", e.server.String()).Int64("session_id", e.sessionID).
		Str("reason", reason).Msg("zkmux: session terminated")

	close(e.deathCh)
	if e.onDeath != nil {
		e.onDeath(reason)
	}
}

// Die terminates the Engine immediately with the given reason (spec.md
// §4.6's explicit die(reason) trigger). It can be called from any
// goroutine.
func (e *Engine) Die(reason string) {
	select {
	case e.cmdCh <- submission{completion: dieCompletion{e: e, reason: reason}}:
	case <-e.doneCh:
	}
}

// dieCompletion is a cmdCh-delivered marker that asks run() to terminate;
// it reuses the submission/completion plumbing so Die() is processed at the
// same serialization point as everything else, per design note §9.
type dieCompletion struct {
	e      *Engine
	reason string
}

func (d dieCompletion) complete(any, error) { d.e.terminate(d.reason) }

// Done returns a channel closed once the Engine has fully terminated.
func (e *Engine) Done() <-chan struct{} { return e.deathCh }

// InfoGetIterations returns the current xid counter, for introspection
// (spec.md §6).
func (e *Engine) InfoGetIterations() int32 { return e.xid }

// Call submits op and blocks until the matching reply arrives, the Engine
// terminates, or ctx is done (spec.md §4.2). A ctx cancellation only stops
// the caller from waiting locally; the Engine still completes the pending
// entry when the reply (or termination) eventually arrives (SPEC_FULL.md
// §4.2).
func (e *Engine) Call(ctx context.Context, req request) (any, error) {
	ch := make(chan callResult, 1)
	sub := submission{req: req, completion: blockingCompletion{ch: ch}}
	select {
	case e.cmdCh <- sub:
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: req.opcode, Path: req.path, Reason: e.terminationReason()}
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: req.opcode, Path: req.path, Reason: e.terminationReason()}
	}
}

// Cast submits op without blocking; the reply is delivered to receiver as
// a CastReply tagged with tag (spec.md §4.2).
func (e *Engine) Cast(req request, receiver chan CastReply, tag any) {
	sub := submission{req: req, completion: castCompletion{receiver: receiver, tag: tag}}
	select {
	case e.cmdCh <- sub:
	case <-e.doneCh:
		sub.completion.complete(nil, &ClientBrokeError{Opcode: req.opcode, Path: req.path, Reason: e.terminationReason()})
	}
}

// CallWatch submits a watch-setting request (GetW/ChildrenW/Children2W/
// ExistsW) and blocks like Call, registering a blocking completion. Its
// non-blocking counterpart, CastWatch, registers a cast completion, as Cast
// does (SPEC_FULL.md §9); all of them reach the wire through the same
// handleSubmission step in run().
func (e *Engine) CallWatch(ctx context.Context, kind WatchKind, path string, buildWatching, buildNonWatching func() request, events chan WatchEvent, payload any) (any, error) {
	ch := make(chan callResult, 1)
	sub := submission{
		watch: &watchSubmission{
			kind:             kind,
			sub:              watchSubscriber{events: events, payload: payload},
			buildWatching:    buildWatching,
			buildNonWatching: buildNonWatching,
		},
		completion: blockingCompletion{ch: ch},
	}
	sub.req = buildNonWatching() // placeholder so opcode/path are populated before handleSubmission overwrites req
	select {
	case e.cmdCh <- sub:
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: sub.req.opcode, Path: path, Reason: e.terminationReason()}
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: sub.req.opcode, Path: path, Reason: e.terminationReason()}
	}
}

// CastWatch is the non-blocking counterpart of CallWatch.
func (e *Engine) CastWatch(kind WatchKind, path string, buildWatching, buildNonWatching func() request, events chan WatchEvent, payload any, receiver chan CastReply, tag any) {
	sub := submission{
		watch: &watchSubmission{
			kind:             kind,
			sub:              watchSubscriber{events: events, payload: payload},
			buildWatching:    buildWatching,
			buildNonWatching: buildNonWatching,
		},
		completion: castCompletion{receiver: receiver, tag: tag},
	}
	sub.req = buildNonWatching()
	select {
	case e.cmdCh <- sub:
	case <-e.doneCh:
		sub.completion.complete(nil, &ClientBrokeError{Opcode: sub.req.opcode, Path: path, Reason: e.terminationReason()})
	}
}

// AddAuth serializes on the dedicated auth slot (spec.md §4.5).
func (e *Engine) AddAuth(ctx context.Context, scheme string, auth []byte) (any, error) {
	req := newAuthRequest(scheme, auth)
	ch := make(chan callResult, 1)
	sub := submission{req: req, auth: true, completion: blockingCompletion{ch: ch}}
	select {
	case e.cmdCh <- sub:
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: req.opcode, Path: "", Reason: e.terminationReason()}
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.doneCh:
		return nil, &ClientBrokeError{Opcode: req.opcode, Path: "", Reason: e.terminationReason()}
	}
}

func (e *Engine) terminationReason() string {
	if e.reason == "" {
		return "client_broke"
	}
	return e.reason
}

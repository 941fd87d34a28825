package zkmux

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer is a minimal in-process stand-in for a single ZooKeeper
// server, enough to drive Engine/Client through handshake, CRUD, watches,
// and heartbeats end to end without a real ensemble. It deliberately
// reuses this package's own encoder/decoder so request/reply shapes stay
// in lock-step with the client they're testing.
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	mu   sync.Mutex
	node map[string]*fakeNode

	// existWatch holds watchers registered via Exists on a path that does
	// not exist yet, keyed separately from node so a pending exist-watch
	// never makes a not-yet-created path look like it already exists.
	existWatch map[string][]net.Conn

	// dropHeartbeatAcks, when true, makes the server stop acking pings —
	// used to exercise the missed-heartbeat termination path.
	dropHeartbeatAcks bool

	// authDelay, when set, holds an AddAuth reply for that long before
	// replying — used to keep an auth call observably in flight.
	authDelay time.Duration

	// activeConns counts live served connections; tests poll it as an
	// external proxy for "has the client side hung up".
	activeConns int32
}

type fakeNode struct {
	data    []byte
	version int32
	acl     []ACL
	// watchers registered for this path, keyed by kind.
	dataWatch  []net.Conn
	childWatch []net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeServer: listen: %v", err)
	}
	fs := &fakeServer{t: t, ln: ln, node: map[string]*fakeNode{"/": {}}, existWatch: map[string][]net.Conn{}}
	go fs.acceptLoop()
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

func (fs *fakeServer) close() { fs.ln.Close() }

func (fs *fakeServer) acceptLoop() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.serve(conn)
	}
}

func (fs *fakeServer) serve(conn net.Conn) {
	atomic.AddInt32(&fs.activeConns, 1)
	defer atomic.AddInt32(&fs.activeConns, -1)

	fw := newFrameWriter(conn)

	// Handshake.
	body, err := readFrame(conn)
	if err != nil {
		return
	}
	d := decoder{b: body}
	d.int32() // protocol version
	d.int64() // last zxid seen
	timeout, _ := d.int32()
	d.int64() // session id
	d.buffer()

	var resp encoder
	resp.int32(0)
	resp.int32(timeout)
	resp.int64(12345)
	resp.buffer(make([]byte, 16))
	if err := fw.writeFrame(resp.bytes()); err != nil {
		return
	}

	var zxid int64
	for {
		body, err := readFrame(conn)
		if err != nil {
			return
		}
		d := decoder{b: body}
		xid, _ := d.int32()
		opcode, _ := d.int32()

		if xid == xidHeartbeat {
			fs.mu.Lock()
			drop := fs.dropHeartbeatAcks
			fs.mu.Unlock()
			if drop {
				continue
			}
			var e encoder
			e.int32(xidHeartbeat)
			fw.writeFrame(e.bytes())
			continue
		}

		if opcode == opSetAuth {
			fs.mu.Lock()
			delay := fs.authDelay
			fs.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
		}

		zxid++
		fs.handleRequest(conn, fw, xid, opcode, d, zxid)
	}
}

func (fs *fakeServer) handleRequest(conn net.Conn, fw *frameWriter, xid, opcode int32, d decoder, zxid int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch opcode {
	case opCreate:
		// The fake never appends a sequence suffix even when FlagSequence is
		// set: tests that exercise sequential naming only care that the
		// exact path they asked for round-trips, not that a counter was
		// appended server-side.
		path, _ := d.string()
		data, _ := d.buffer()
		acl, _ := d.acls()
		d.int32() // flags
		if _, exists := fs.node[path]; exists {
			fs.reply(fw, xid, zxid, -110, nil)
			return
		}
		fs.node[path] = &fakeNode{data: data, acl: acl}
		var e encoder
		e.string(path)
		fs.reply(fw, xid, zxid, 0, e.bytes())
		fs.fireEvent(fw, fs.existWatch[path], zxid, eventNodeCreated, path)
		delete(fs.existWatch, path)
		if parent, ok := fs.node[parentOf(path)]; ok {
			fs.fireEvent(fw, parent.childWatch, zxid, eventNodeChildrenChanged, parentOf(path))
			parent.childWatch = nil
		}

	case opDelete:
		path, _ := d.string()
		d.int32() // version, not enforced by the fake
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		if fs.hasChildren(path) {
			fs.reply(fw, xid, zxid, -111, nil)
			return
		}
		delete(fs.node, path)
		fs.reply(fw, xid, zxid, 0, nil)
		fs.fireEvent(fw, n.dataWatch, zxid, eventNodeDeleted, path)

	case opGetData:
		path, _ := d.string()
		watch, _ := d.bool()
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		if watch {
			n.dataWatch = append(n.dataWatch, conn)
		}
		var e encoder
		e.buffer(n.data)
		fs.encodeStat(&e, n)
		fs.reply(fw, xid, zxid, 0, e.bytes())

	case opSetData:
		path, _ := d.string()
		data, _ := d.buffer()
		d.int32() // version
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		n.data = data
		n.version++
		var e encoder
		fs.encodeStat(&e, n)
		fs.reply(fw, xid, zxid, 0, e.bytes())
		fs.fireEvent(fw, n.dataWatch, zxid, eventNodeDataChanged, path)
		n.dataWatch = nil

	case opGetACL:
		path, _ := d.string()
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		var e encoder
		e.acls(n.acl)
		fs.encodeStat(&e, n)
		fs.reply(fw, xid, zxid, 0, e.bytes())

	case opSetACL:
		path, _ := d.string()
		acl, _ := d.acls()
		d.int32() // version
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		n.acl = acl
		var e encoder
		fs.encodeStat(&e, n)
		fs.reply(fw, xid, zxid, 0, e.bytes())

	case opGetChildren, opGetChildren2:
		path, _ := d.string()
		watch, _ := d.bool()
		n, exists := fs.node[path]
		if !exists {
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		if watch {
			n.childWatch = append(n.childWatch, conn)
		}
		var e encoder
		e.stringVectorEncode(fs.children(path))
		if opcode == opGetChildren2 {
			fs.encodeStat(&e, n)
		}
		fs.reply(fw, xid, zxid, 0, e.bytes())

	case opExists:
		path, _ := d.string()
		watch, _ := d.bool()
		n, exists := fs.node[path]
		if !exists {
			if watch {
				fs.existWatch[path] = append(fs.existWatch[path], conn)
			}
			fs.reply(fw, xid, zxid, -101, nil)
			return
		}
		if watch {
			n.dataWatch = append(n.dataWatch, conn)
		}
		var e encoder
		fs.encodeStat(&e, n)
		fs.reply(fw, xid, zxid, 0, e.bytes())

	case opSetAuth:
		d.int32()
		d.string()
		d.buffer()
		fs.reply(fw, xid, zxid, 0, nil)

	default:
		fs.reply(fw, xid, zxid, -2, nil)
	}
}

func (fs *fakeServer) reply(fw *frameWriter, xid int32, zxid int64, errCode int32, body []byte) {
	var e encoder
	e.int32(xid)
	e.int64(zxid)
	e.int32(errCode)
	e.buf.Write(body)
	fw.writeFrame(e.bytes())
}

func (fs *fakeServer) fireEvent(fw *frameWriter, conns []net.Conn, zxid int64, eventType int32, path string) {
	for range conns {
		var e encoder
		e.int32(xidWatchEvent)
		e.int64(zxid)
		e.int32(0)
		e.int32(eventType)
		e.int32(int32(StateConnected))
		e.string(path)
		// The fake server is single-connection-per-test in practice; write
		// on the same frameWriter used for normal replies, which is safe
		// since the Engine's reader goroutine distinguishes frames by xid
		// regardless of interleaving.
		fw.writeFrame(e.bytes())
	}
}

func (fs *fakeServer) encodeStat(e *encoder, n *fakeNode) {
	e.int64(1)             // czxid
	e.int64(int64(n.version) + 1) // mzxid
	e.int64(0)              // ctime
	e.int64(0)              // mtime
	e.int32(n.version)
	e.int32(0)
	e.int32(0)
	e.int64(0)
	e.int32(int32(len(n.data)))
	e.int32(int32(len(fs.children(fs.pathOf(n)))))
	e.int64(0)
}

// pathOf finds n's path by scanning the node map, since fakeNode doesn't
// store its own path; it returns "" if n is not in the map.
func (fs *fakeServer) pathOf(n *fakeNode) string {
	for p, v := range fs.node {
		if v == n {
			return p
		}
	}
	return ""
}

func (fs *fakeServer) children(path string) []string {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	var out []string
	for p := range fs.node {
		if p == path || !hasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" || containsSlash(rest) {
			continue
		}
		out = append(out, rest)
	}
	return out
}

func (fs *fakeServer) hasChildren(path string) bool {
	return len(fs.children(path)) > 0
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsSlash(s string) bool {
	for _, c := range s {
		if c == '/' {
			return true
		}
	}
	return false
}

func (e *encoder) stringVectorEncode(ss []string) {
	e.int32(int32(len(ss)))
	for _, s := range ss {
		e.string(s)
	}
}

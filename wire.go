package zkmux

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sagernet/sing/common/bufio"
)

// Opcodes, grounded in the reference ZooKeeper client's request headers.
const (
	opNotify        int32 = 0
	opCreate        int32 = 1
	opDelete        int32 = 2
	opExists        int32 = 3
	opGetData       int32 = 4
	opSetData       int32 = 5
	opGetACL        int32 = 6
	opSetACL        int32 = 7
	opGetChildren   int32 = 8
	opSync          int32 = 9
	opPing          int32 = 11
	opGetChildren2  int32 = 12
	opCheck         int32 = 13
	opMulti         int32 = 14
	opClose         int32 = -11
	opSetAuth       int32 = 100
	opSetWatches    int32 = 101
)

func opName(op int32) string {
	switch op {
	case opNotify:
		return "notify"
	case opCreate:
		return "create"
	case opDelete:
		return "delete"
	case opExists:
		return "exists"
	case opGetData:
		return "getData"
	case opSetData:
		return "setData"
	case opGetACL:
		return "getACL"
	case opSetACL:
		return "setACL"
	case opGetChildren:
		return "getChildren"
	case opSync:
		return "sync"
	case opPing:
		return "ping"
	case opGetChildren2:
		return "getChildren2"
	case opCheck:
		return "check"
	case opMulti:
		return "multi"
	case opClose:
		return "close"
	case opSetAuth:
		return "setAuth"
	case opSetWatches:
		return "setWatches"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

// Special xids. Positive xids are client-chosen and strictly increasing.
const (
	xidWatchEvent int32 = -1
	xidHeartbeat  int32 = -2
	xidAuth       int32 = -4
)

// pingBody is the fixed 8-byte heartbeat frame body: xid(4) | opcode(4) =
// FF FF FF FE 00 00 00 0B (xid=-2, opcode=11, per spec.md §4.4). The full
// wire frame is produced by prefixing this with its 4-byte length.
var pingBody = []byte{0xFF, 0xFF, 0xFF, 0xFE, 0x00, 0x00, 0x00, 0x0B}

const (
	protocolVersion  = 0
	handshakeReqSize = 44
	handshakeRepSize = 36
	maxFrameSize     = 4 << 20 // 4MiB, generous upper bound on a single jute-encoded reply
)

// readFrame reads one length-prefixed frame body (without the length prefix)
// from conn. It is the only read primitive the reader goroutine uses.
func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// frameWriter writes length-prefixed frames, using a vectorised write of the
// 4-byte length prefix and the body in a single syscall where the platform
// supports it (the teacher's scatter-gather technique, retargeted from smux
// stream frames to ZK request frames).
type frameWriter struct {
	conn net.Conn
	bw   bufio.VectorisedWriter
	vec  bool
}

func newFrameWriter(conn net.Conn) *frameWriter {
	fw := &frameWriter{conn: conn}
	if bw, ok := bufio.CreateVectorisedWriter(conn); ok {
		fw.bw = bw
		fw.vec = true
	}
	return fw
}

func (fw *frameWriter) writeFrame(body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if fw.vec {
		vec := [][]byte{lenBuf[:], body}
		if _, err := bufio.WriteVectorised(fw.bw, vec); err != nil {
			return err
		}
		return nil
	}

	buf := make([]byte, 4+len(body))
	copy(buf, lenBuf[:])
	copy(buf[4:], body)
	_, err := fw.conn.Write(buf)
	return err
}

package zkmux

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// This file implements the jute-style binary codec ZooKeeper's wire protocol
// uses: big-endian fixed-width integers, 4-byte-length-prefixed byte strings
// (UTF-8 for "strings", raw for opaque "buffers"), and single-byte booleans.
// It is the concrete body behind the distilled spec's two pure functions,
// encode_request/decode_frame (spec.md §1) — everything in this file is a
// leaf encoder/decoder with no knowledge of sessions, xids, or watches.

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
}

func (e *encoder) int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf.Write(b[:])
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) string(s string) {
	e.int32(int32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) buffer(b []byte) {
	if b == nil {
		e.int32(-1)
		return
	}
	e.int32(int32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) acls(acls []ACL) {
	e.int32(int32(len(acls)))
	for _, a := range acls {
		e.int32(int32(a.Perms))
		e.string(a.Scheme)
		e.string(a.ID)
	}
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

// decoder walks a reply payload left to right; every method advances past
// what it consumed. A short buffer yields ErrMalformedFrame.
type decoder struct {
	b []byte
}

func (d *decoder) need(n int) error {
	if len(d.b) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedFrame, n, len(d.b))
	}
	return nil
}

func (d *decoder) int32() (int32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(d.b[:4]))
	d.b = d.b[4:]
	return v, nil
}

func (d *decoder) int64() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(d.b[:8]))
	d.b = d.b[8:]
	return v, nil
}

func (d *decoder) bool() (bool, error) {
	if err := d.need(1); err != nil {
		return false, err
	}
	v := d.b[0] != 0
	d.b = d.b[1:]
	return v, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.int32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", nil
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.b[:n])
	d.b = d.b[n:]
	return s, nil
}

func (d *decoder) buffer() ([]byte, error) {
	n, err := d.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.b[:n])
	d.b = d.b[n:]
	return out, nil
}

func (d *decoder) stringVector() ([]string, error) {
	n, err := d.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := d.string()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *decoder) acls() ([]ACL, error) {
	n, err := d.int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	out := make([]ACL, 0, n)
	for i := int32(0); i < n; i++ {
		perms, err := d.int32()
		if err != nil {
			return nil, err
		}
		scheme, err := d.string()
		if err != nil {
			return nil, err
		}
		id, err := d.string()
		if err != nil {
			return nil, err
		}
		out = append(out, ACL{Perms: Perm(perms), Scheme: scheme, ID: id})
	}
	return out, nil
}

func zxidToTime(zxid int64) time.Time {
	// ZooKeeper's ctime/mtime on the wire are already epoch-millis, not
	// derived from zxid; kept as a helper name so callers read clearly at
	// call sites that do have raw millis, see stat below.
	return time.UnixMilli(zxid)
}

func (d *decoder) stat() (Stat, error) {
	var s Stat
	var err error
	if s.Czxid, err = d.int64(); err != nil {
		return s, err
	}
	if s.Mzxid, err = d.int64(); err != nil {
		return s, err
	}
	var ctimeMillis, mtimeMillis int64
	if ctimeMillis, err = d.int64(); err != nil {
		return s, err
	}
	if mtimeMillis, err = d.int64(); err != nil {
		return s, err
	}
	s.Ctime = zxidToTime(ctimeMillis)
	s.Mtime = zxidToTime(mtimeMillis)
	if s.Version, err = d.int32(); err != nil {
		return s, err
	}
	if s.Cversion, err = d.int32(); err != nil {
		return s, err
	}
	if s.Aversion, err = d.int32(); err != nil {
		return s, err
	}
	if s.EphemeralOwner, err = d.int64(); err != nil {
		return s, err
	}
	if s.DataLength, err = d.int32(); err != nil {
		return s, err
	}
	if s.NumChildren, err = d.int32(); err != nil {
		return s, err
	}
	if s.Pzxid, err = d.int64(); err != nil {
		return s, err
	}
	return s, nil
}

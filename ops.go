package zkmux

// This file builds the (opcode, path, body, decode) tuple for every
// operation the Engine exposes (spec.md §4.2). Wire-watchable operations
// (GetData/GetChildren/GetChildren2/Exists) carry a boolean "watch" flag in
// their request body rather than using a distinct opcode on the wire — the
// spec's "watching vs non-watching opcode variant" language (spec.md §4.2)
// is realized here the way the reference client does it (conn.go's
// GetW/Get both send opGetData, differing only in the Watch field).

// request is what a caller-facing operation compiles down to before the
// Engine assigns it an xid.
type request struct {
	opcode int32
	path   string
	body   []byte
	decode decodeFunc
}

// GetResult is the Get/GetW reply shape.
type GetResult struct {
	Data []byte
	Stat Stat
}

// ChildrenResult is the Children/ChildrenW (ls) reply shape.
type ChildrenResult struct {
	Children []string
}

// Children2Result is the Children2/Children2W (ls2) reply shape.
type Children2Result struct {
	Children []string
	Stat     Stat
}

// ExistsResult is the Exists/ExistsW reply shape. Exists is false when the
// server replied ErrNoNode; that is not surfaced as an error to the caller
// (spec.md §4.9), only as Exists == false.
type ExistsResult struct {
	Exists bool
	Stat   Stat
}

// CreateResult is the Create reply shape.
type CreateResult struct {
	Path string
}

// SetResult is the Set reply shape.
type SetResult struct {
	Stat Stat
}

// ACLResult is the GetACL reply shape.
type ACLResult struct {
	ACL  []ACL
	Stat Stat
}

func newCreateRequest(path string, data []byte, flags CreateFlag, acl []ACL) request {
	var e encoder
	e.string(path)
	e.buffer(data)
	e.acls(acl)
	e.int32(int32(flags))
	return request{
		opcode: opCreate,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			p, err := d.string()
			if err != nil {
				return nil, err
			}
			return CreateResult{Path: p}, nil
		},
	}
}

func newDeleteRequest(path string, version int32) request {
	var e encoder
	e.string(path)
	e.int32(version)
	return request{
		opcode: opDelete,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) { return nil, nil },
	}
}

func newGetDataRequest(path string, watch bool) request {
	var e encoder
	e.string(path)
	e.bool(watch)
	return request{
		opcode: opGetData,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			data, err := d.buffer()
			if err != nil {
				return nil, err
			}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return GetResult{Data: data, Stat: stat}, nil
		},
	}
}

func newSetDataRequest(path string, data []byte, version int32) request {
	var e encoder
	e.string(path)
	e.buffer(data)
	e.int32(version)
	return request{
		opcode: opSetData,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return SetResult{Stat: stat}, nil
		},
	}
}

func newGetACLRequest(path string) request {
	var e encoder
	e.string(path)
	return request{
		opcode: opGetACL,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			acl, err := d.acls()
			if err != nil {
				return nil, err
			}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return ACLResult{ACL: acl, Stat: stat}, nil
		},
	}
}

func newSetACLRequest(path string, acl []ACL, version int32) request {
	var e encoder
	e.string(path)
	e.acls(acl)
	e.int32(version)
	return request{
		opcode: opSetACL,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return SetResult{Stat: stat}, nil
		},
	}
}

func newChildrenRequest(path string, watch bool) request {
	var e encoder
	e.string(path)
	e.bool(watch)
	return request{
		opcode: opGetChildren,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			children, err := d.stringVector()
			if err != nil {
				return nil, err
			}
			return ChildrenResult{Children: children}, nil
		},
	}
}

func newChildren2Request(path string, watch bool) request {
	var e encoder
	e.string(path)
	e.bool(watch)
	return request{
		opcode: opGetChildren2,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			children, err := d.stringVector()
			if err != nil {
				return nil, err
			}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return Children2Result{Children: children, Stat: stat}, nil
		},
	}
}

func newExistsRequest(path string, watch bool) request {
	var e encoder
	e.string(path)
	e.bool(watch)
	return request{
		opcode: opExists,
		path:   path,
		body:   e.bytes(),
		decode: func(b []byte) (any, error) {
			d := decoder{b: b}
			stat, err := d.stat()
			if err != nil {
				return nil, err
			}
			return ExistsResult{Exists: true, Stat: stat}, nil
		},
	}
}

func newAuthRequest(scheme string, auth []byte) request {
	var e encoder
	e.int32(0) // auth type, always 0 on the wire
	e.string(scheme)
	e.buffer(auth)
	return request{
		opcode: opSetAuth,
		path:   "",
		body:   e.bytes(),
		decode: func(b []byte) (any, error) { return true, nil },
	}
}

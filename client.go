package zkmux

import "context"

// Client is a thin, friendlier wrapper around a single Engine, offering
// typed methods instead of raw request construction — the same role the
// reference client's package-level Connect/Conn pairing plays, and the
// shape this corpus's connection libraries generally expose above their
// raw session type (DESIGN.md).
type Client struct {
	engine *Engine
}

// Dial starts a new Engine against one of servers and wraps it in a
// Client.
func Dial(servers []ServerAddr, opts EngineOptions) (*Client, error) {
	e, err := StartEngine(servers, opts)
	if err != nil {
		return nil, err
	}
	return &Client{engine: e}, nil
}

// Engine returns the underlying Connection Engine, for callers that need
// Cast/CastWatch or introspection.
func (c *Client) Engine() *Engine { return c.engine }

// Close terminates the underlying session.
func (c *Client) Close() { c.engine.Die("client closed") }

// Done reports when the underlying session has terminated.
func (c *Client) Done() <-chan struct{} { return c.engine.Done() }

func (c *Client) Create(ctx context.Context, path string, data []byte, flags CreateFlag, acl []ACL) (CreateResult, error) {
	v, err := c.engine.Call(ctx, newCreateRequest(path, data, flags, acl))
	return as[CreateResult](v), err
}

func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	_, err := c.engine.Call(ctx, newDeleteRequest(path, version))
	return err
}

func (c *Client) Get(ctx context.Context, path string) (GetResult, error) {
	v, err := c.engine.Call(ctx, newGetDataRequest(path, false))
	return as[GetResult](v), err
}

// GetW issues a watching get; events receives exactly one WatchEvent the
// first time the node's data changes or it is deleted, or a "lost" event
// if the session dies first (spec.md §4.2, §4.6).
func (c *Client) GetW(ctx context.Context, path string, events chan WatchEvent, payload any) (GetResult, error) {
	v, err := c.engine.CallWatch(ctx, WatchData, path,
		func() request { return newGetDataRequest(path, true) },
		func() request { return newGetDataRequest(path, false) },
		events, payload)
	return as[GetResult](v), err
}

func (c *Client) Set(ctx context.Context, path string, data []byte, version int32) (SetResult, error) {
	v, err := c.engine.Call(ctx, newSetDataRequest(path, data, version))
	return as[SetResult](v), err
}

func (c *Client) GetACL(ctx context.Context, path string) (ACLResult, error) {
	v, err := c.engine.Call(ctx, newGetACLRequest(path))
	return as[ACLResult](v), err
}

func (c *Client) SetACL(ctx context.Context, path string, acl []ACL, version int32) (SetResult, error) {
	v, err := c.engine.Call(ctx, newSetACLRequest(path, acl, version))
	return as[SetResult](v), err
}

// Children is the "ls" operation: children only, no stat (spec.md §4.2).
func (c *Client) Children(ctx context.Context, path string) (ChildrenResult, error) {
	v, err := c.engine.Call(ctx, newChildrenRequest(path, false))
	return as[ChildrenResult](v), err
}

func (c *Client) ChildrenW(ctx context.Context, path string, events chan WatchEvent, payload any) (ChildrenResult, error) {
	v, err := c.engine.CallWatch(ctx, WatchChild, path,
		func() request { return newChildrenRequest(path, true) },
		func() request { return newChildrenRequest(path, false) },
		events, payload)
	return as[ChildrenResult](v), err
}

// Children2 is the "ls2" operation: children plus stat (spec.md §4.2).
func (c *Client) Children2(ctx context.Context, path string) (Children2Result, error) {
	v, err := c.engine.Call(ctx, newChildren2Request(path, false))
	return as[Children2Result](v), err
}

func (c *Client) Children2W(ctx context.Context, path string, events chan WatchEvent, payload any) (Children2Result, error) {
	v, err := c.engine.CallWatch(ctx, WatchChild, path,
		func() request { return newChildren2Request(path, true) },
		func() request { return newChildren2Request(path, false) },
		events, payload)
	return as[Children2Result](v), err
}

// ExistsW installs an exist-watch (or, if the node already exists, a
// data-watch — see spec.md §4.9) and reports whether path currently
// exists.
func (c *Client) ExistsW(ctx context.Context, path string, events chan WatchEvent, payload any) (ExistsResult, error) {
	v, err := c.engine.CallWatch(ctx, WatchExist, path,
		func() request { return newExistsRequest(path, true) },
		func() request { return newExistsRequest(path, false) },
		events, payload)
	return as[ExistsResult](v), err
}

func (c *Client) AddAuth(ctx context.Context, scheme string, auth []byte) error {
	_, err := c.engine.AddAuth(ctx, scheme, auth)
	return err
}

// as type-asserts an any-typed result, returning the zero value on a
// ClientBroke/error path where v is nil.
func as[T any](v any) T {
	t, _ := v.(T)
	return t
}

package zkmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialFake(t *testing.T, fs *fakeServer, opts EngineOptions) *Client {
	t.Helper()
	host, port := splitHostPort(t, fs.addr())
	c, err := Dial([]ServerAddr{{Host: host, Port: port, WantedTimeout: 30 * time.Second}}, opts)
	require.NoError(t, err)
	return c
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	i := strings.LastIndex(addr, ":")
	require.True(t, i >= 0)
	host := addr[:i]
	port := addr[i+1:]
	var p int
	for _, c := range port {
		p = p*10 + int(c-'0')
	}
	return host, p
}

func TestEngineHandshakeEstablishesSession(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	assert.NotZero(t, c.Engine().sessionID)
	assert.Greater(t, c.Engine().negotiatedTimeout, time.Duration(0))
}

func TestEngineCreateThenGetRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()
	created, err := c.Create(ctx, "/foo", []byte("hello"), FlagNone, WorldACL(PermAll))
	require.NoError(t, err)
	assert.Equal(t, "/foo", created.Path)

	got, err := c.Get(ctx, "/foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Data)

	_, err = c.Create(ctx, "/foo", nil, FlagNone, WorldACL(PermAll))
	assert.ErrorIs(t, err, ErrNodeExists)
}

func TestEngineGetWFiresExactlyOnceOnSet(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()
	_, err := c.Create(ctx, "/watched", []byte("v1"), FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	events := make(chan WatchEvent, 4)
	_, err = c.GetW(ctx, "/watched", events, "getw-payload")
	require.NoError(t, err)

	_, err = c.Set(ctx, "/watched", []byte("v2"), -1)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "/watched", ev.Path)
		assert.Equal(t, WatchData, ev.Kind)
		assert.False(t, ev.Lost)
		assert.Equal(t, "getw-payload", ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("watch event never arrived")
	}

	assert.Equal(t, 0, c.Engine().watches.len(), "the watch key must be cleared after firing once")

	select {
	case <-events:
		t.Fatal("watch must fire at most once")
	default:
	}
}

func TestEngineChildrenWCoalescesButNotifiesBothSubscribers(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()
	_, err := c.Create(ctx, "/parent", nil, FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	ev1 := make(chan WatchEvent, 1)
	ev2 := make(chan WatchEvent, 1)

	_, err = c.ChildrenW(ctx, "/parent", ev1, "first")
	require.NoError(t, err)
	_, err = c.ChildrenW(ctx, "/parent", ev2, "second")
	require.NoError(t, err)

	_, err = c.Create(ctx, "/parent/child", nil, FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	select {
	case e := <-ev1:
		assert.Equal(t, "first", e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("first subscriber never notified")
	}
	select {
	case e := <-ev2:
		assert.Equal(t, "second", e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never notified")
	}
}

func TestEngineExistsWOnAbsentNodeThenCreateFires(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()
	events := make(chan WatchEvent, 1)
	res, err := c.ExistsW(ctx, "/ghost", events, nil)
	require.NoError(t, err)
	assert.False(t, res.Exists)

	_, err = c.Create(ctx, "/ghost", nil, FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "/ghost", ev.Path)
		assert.Equal(t, WatchExist, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("exist-watch never fired on creation")
	}
}

func TestEngineExistsWOnExistingNodeRekeysToDataWatch(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()
	_, err := c.Create(ctx, "/present", []byte("v1"), FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	events := make(chan WatchEvent, 1)
	res, err := c.ExistsW(ctx, "/present", events, nil)
	require.NoError(t, err)
	assert.True(t, res.Exists)

	_, err = c.Set(ctx, "/present", []byte("v2"), -1)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "/present", ev.Path)
		assert.Equal(t, WatchData, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("exist-watch on an existing node never fired as a data-watch")
	}
}

func TestEngineSocketDropBreaksPendingAndWatches(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	c := dialFake(t, fs, EngineOptions{})

	ctx := context.Background()
	_, err := c.Create(ctx, "/x", nil, FlagNone, WorldACL(PermAll))
	require.NoError(t, err)

	events := make(chan WatchEvent, 1)
	_, err = c.GetW(ctx, "/x", events, nil)
	require.NoError(t, err)

	fs.close()
	c.Engine().conn.Close()

	select {
	case ev := <-events:
		assert.True(t, ev.Lost)
		assert.Equal(t, StateLost, ev.State)
	case <-time.After(2 * time.Second):
		t.Fatal("watch-lost notification never arrived after socket drop")
	}

	_, err = c.Get(ctx, "/x")
	var broke *ClientBrokeError
	require.True(t, errors.As(err, &broke))
}

func TestEngineMissedHeartbeatsTerminateSession(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	fs.mu.Lock()
	fs.dropHeartbeatAcks = true
	fs.mu.Unlock()

	c := dialFake(t, fs, EngineOptions{HeartbeatInterval: 50 * time.Millisecond})
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("engine never terminated after missed heartbeats")
	}
}

func TestEngineAddAuthRejectsConcurrentCalls(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.close()

	fs.mu.Lock()
	fs.authDelay = 300 * time.Millisecond
	fs.mu.Unlock()

	c := dialFake(t, fs, EngineOptions{})
	defer c.Close()

	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		first <- c.AddAuth(ctx, "digest", []byte("user:pass"))
	}()

	time.Sleep(50 * time.Millisecond) // let the first call register on the auth slot
	err := c.AddAuth(ctx, "digest", []byte("other:pass"))
	assert.ErrorIs(t, err, ErrAuthInProgress)

	require.NoError(t, <-first)
}

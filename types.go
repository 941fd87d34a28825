package zkmux

import "time"

// Stat mirrors the ZooKeeper znode metadata returned alongside most reads.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Ctime          time.Time
	Mtime          time.Time
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

// CreateFlag controls the node kind produced by Create.
type CreateFlag int32

const (
	FlagNone       CreateFlag = 0
	FlagEphemeral  CreateFlag = 1
	FlagSequence   CreateFlag = 2
	FlagEphSeq                = FlagEphemeral | FlagSequence
	protectedPrefix           = "_c_"
)

// Perm is one bit of an ACL permission set.
type Perm int32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ACL is one (scheme, id, permission-set) access control entry.
type ACL struct {
	Perms  Perm
	Scheme string
	ID     string
}

// WorldACL returns the conventional "anyone may do X" ACL used by callers
// that don't care about access control.
func WorldACL(perms Perm) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// WatchKind distinguishes the three classes of server-side watch.
type WatchKind int

const (
	WatchData WatchKind = iota
	WatchChild
	WatchExist
)

func (k WatchKind) String() string {
	switch k {
	case WatchData:
		return "data"
	case WatchChild:
		return "child"
	case WatchExist:
		return "exist"
	default:
		return "unknown"
	}
}

// ConnState is the session-level connection state carried on watch events.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateLost
)

// WatchEvent is delivered to a watch subscriber's channel, either as a real
// server-fired event or as a "watch lost" notification on session death.
type WatchEvent struct {
	Payload any
	Path    string
	Kind    WatchKind
	State   ConnState
	Lost    bool
}

// CastReply is delivered to a non-blocking caller's receiver channel.
type CastReply struct {
	Tag    any
	Result any
	Err    error
}

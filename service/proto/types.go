package proto

import (
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ID is an opaque 128-bit identifier. Globally unique, immutable once
// assigned, never reused. All entity identifiers share this shape; the
// aliases below only document intent at call sites.
type ID uuid.UUID

type (
	UserID      = ID
	DeviceID    = ID
	CommunityID = ID
	RoomID      = ID
	MessageID   = ID
)

var NilID = ID(uuid.Nil)

func NewID() ID { return ID(uuid.New()) }

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	return ID(u), err
}

func (id ID) String() string { return uuid.UUID(id).String() }

func (id ID) IsNil() bool { return id == NilID }

// Wire form is the raw 16 bytes.
func (id ID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(id[:])
}

func (id *ID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = ID(u)
	return nil
}

// RequestID correlates a request with its response. Unique per
// connection for the connection's lifetime; a plain counter is enough.
type RequestID uint64

// PermissionFlags gate what a device token may do.
type PermissionFlags uint64

const (
	PermSendMessages PermissionFlags = 1 << iota
	PermEditMessages
	PermJoinCommunities
	PermCreateCommunities
	PermCreateRooms
	PermCreateInvites
	PermChangeUsername
	PermChangeDisplayName
	PermReportUsers
	PermAdminister

	PermAll PermissionFlags = ^PermissionFlags(0)
)

func (p PermissionFlags) Has(flags PermissionFlags) bool {
	return p&flags == flags
}

// AdminPermissionFlags gate administrative actions. Most users carry
// zero flags.
type AdminPermissionFlags uint64

const (
	AdminBan AdminPermissionFlags = 1 << iota
	AdminUnlock
	AdminPromote
	AdminSearchUsers
	AdminManageReports
	AdminSetCompromised
	AdminDeleteCommunities

	AdminAll AdminPermissionFlags = ^AdminPermissionFlags(0)
)

func (p AdminPermissionFlags) Has(flags AdminPermissionFlags) bool {
	return p&flags == flags
}

// WatchLevel is the per-user-per-room delivery preference.
type WatchLevel uint8

const (
	NotWatching WatchLevel = iota // default
	Watching
	MentionsOnly
)

func (w WatchLevel) String() string {
	switch w {
	case Watching:
		return "watching"
	case MentionsOnly:
		return "mentions_only"
	default:
		return "not_watching"
	}
}

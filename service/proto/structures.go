package proto

import "time"

// Profile is the public face of a user. The version bumps whenever
// username or display name change so clients can refresh caches.
type Profile struct {
	Version     int64  `msgpack:"version"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"display_name"`
}

// Message as delivered to clients.
type Message struct {
	ID      MessageID `msgpack:"id"`
	Author  UserID    `msgpack:"author"`
	Content string    `msgpack:"content"`
	SentAt  time.Time `msgpack:"sent_at"`
}

// MessageConfirmation acknowledges a send to its author.
type MessageConfirmation struct {
	ID     MessageID `msgpack:"id"`
	SentAt time.Time `msgpack:"sent_at"`
}

// Edit replaces the content of an existing message.
type Edit struct {
	Community  CommunityID `msgpack:"community"`
	Room       RoomID      `msgpack:"room"`
	Message    MessageID   `msgpack:"message"`
	NewContent string      `msgpack:"new_content"`
}

// Delete removes an existing message.
type Delete struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
	Message   MessageID   `msgpack:"message"`
}

// RoomStructure is a room as seen by one particular user: the unread
// flag is per user, not a property of the room itself.
type RoomStructure struct {
	ID     RoomID `msgpack:"id"`
	Name   string `msgpack:"name"`
	Unread bool   `msgpack:"unread"`
}

// CommunityStructure is a community plus the caller's view of its rooms.
type CommunityStructure struct {
	ID          CommunityID     `msgpack:"id"`
	Name        string          `msgpack:"name"`
	Description string          `msgpack:"description"`
	Rooms       []RoomStructure `msgpack:"rooms"`
}

// ClientReady is the snapshot pushed right after authentication.
type ClientReady struct {
	User             UserID               `msgpack:"user"`
	Profile          Profile              `msgpack:"profile"`
	Communities      []CommunityStructure `msgpack:"communities"`
	Permissions      PermissionFlags      `msgpack:"permissions"`
	AdminPermissions AdminPermissionFlags `msgpack:"admin_permissions"`
}

// InviteCode grants one-step entry to a community.
type InviteCode string

// MessageSelector addresses a range of history relative to a message.
type MessageSelector struct {
	// Dir is "before" or "after".
	Dir       string    `msgpack:"dir"`
	Reference MessageID `msgpack:"reference"`
	Inclusive bool      `msgpack:"inclusive"`
}

// MessageHistory is returned newest to oldest.
type MessageHistory struct {
	Messages []Message `msgpack:"messages"`
}

// RoomUpdate catches a client up on a room it has open.
type RoomUpdate struct {
	LastRead    MessageID      `msgpack:"last_read"`
	Continuous  bool           `msgpack:"continuous"`
	NewMessages MessageHistory `msgpack:"new_messages"`
}

// ServerUser is the admin-facing view of an account.
type ServerUser struct {
	ID          UserID `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"display_name"`
	Banned      bool   `msgpack:"banned"`
	Locked      bool   `msgpack:"locked"`
	Compromised bool   `msgpack:"compromised"`

	AdminPermissions AdminPermissionFlags `msgpack:"admin_permissions"`
}

// Report statuses move Opened -> Accepted/Denied under admin review.
type ReportStatus uint8

const (
	ReportOpened ReportStatus = iota
	ReportAccepted
	ReportDenied
)

// Report is a user-filed complaint about a message.
type Report struct {
	ID           int64        `msgpack:"id"`
	Reporter     UserID       `msgpack:"reporter"`
	Reported     UserID       `msgpack:"reported"`
	Message      MessageID    `msgpack:"message"`
	Community    CommunityID  `msgpack:"community"`
	Room         RoomID       `msgpack:"room"`
	ShortDesc    string       `msgpack:"short_desc"`
	ExtendedDesc string       `msgpack:"extended_desc"`
	Status       ReportStatus `msgpack:"status"`
	FiledAt      time.Time    `msgpack:"filed_at"`
}

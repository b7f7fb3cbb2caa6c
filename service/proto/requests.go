package proto

import "time"

// ClientMessage is the client->server envelope: a correlated request.
type ClientMessage struct {
	ID      RequestID
	Request ClientRequest
}

// ClientRequest is the tagged union of everything a client may ask.
// Each variant names its wire tag; the codec switches exhaustively on
// it, so a new variant that misses a case fails loudly at decode time.
type ClientRequest interface {
	requestTag() string
}

// RoomTarget names a room within a community.
type RoomTarget struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
}

type Authenticate struct {
	Device DeviceID `msgpack:"device"`
	Token  string   `msgpack:"token"`
}

type LogOut struct{}

type SendMessage struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
	Content   string      `msgpack:"content"`
}

type EditMessage struct {
	Edit Edit `msgpack:"edit"`
}

type DeleteMessage struct {
	Delete Delete `msgpack:"delete"`
}

type CreateCommunity struct {
	Name string `msgpack:"name"`
}

type CreateRoom struct {
	Community CommunityID `msgpack:"community"`
	Name      string      `msgpack:"name"`
}

type CreateInvite struct {
	Community CommunityID `msgpack:"community"`
	ExpiresAt *time.Time  `msgpack:"expires_at"`
}

type JoinCommunity struct {
	Code InviteCode `msgpack:"code"`
}

// SetLookingAt reports which room the device has open; nil means none.
type SetLookingAt struct {
	Target *RoomTarget `msgpack:"target"`
}

type SetAsRead struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
}

type SetWatchLevel struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
	Level     WatchLevel  `msgpack:"level"`
}

type ChangeUsername struct {
	NewUsername string `msgpack:"new_username"`
}

type ChangeDisplayName struct {
	NewDisplayName string `msgpack:"new_display_name"`
}

type ChangePassword struct {
	OldPassword string `msgpack:"old_password"`
	NewPassword string `msgpack:"new_password"`
}

type GetProfile struct {
	User UserID `msgpack:"user"`
}

type GetRoomUpdate struct {
	Community    CommunityID `msgpack:"community"`
	Room         RoomID      `msgpack:"room"`
	LastReceived *MessageID  `msgpack:"last_received"`
	MessageCount uint64      `msgpack:"message_count"`
}

type GetMessages struct {
	Community CommunityID     `msgpack:"community"`
	Room      RoomID          `msgpack:"room"`
	Selector  MessageSelector `msgpack:"selector"`
	Count     uint64          `msgpack:"count"`
}

type ChangeCommunityName struct {
	Community CommunityID `msgpack:"community"`
	New       string      `msgpack:"new"`
}

type ChangeCommunityDescription struct {
	Community CommunityID `msgpack:"community"`
	New       string      `msgpack:"new"`
}

// AdminAction kinds.
const (
	AdminKindBan             = "ban"
	AdminKindUnban           = "unban"
	AdminKindUnlock          = "unlock"
	AdminKindPromote         = "promote"
	AdminKindDemote          = "demote"
	AdminKindSearchUsers     = "search_users"
	AdminKindListUsers       = "list_users"
	AdminKindListAdmins      = "list_admins"
	AdminKindSetReportStatus = "set_report_status"
	AdminKindListReports     = "list_reports"
	AdminKindSetCompromised  = "set_compromised"
	AdminKindDeleteCommunity = "delete_community"
)

type AdminAction struct {
	Kind        string               `msgpack:"kind"`
	Users       []UserID             `msgpack:"users,omitempty"`
	Community   CommunityID          `msgpack:"community,omitempty"`
	Permissions AdminPermissionFlags `msgpack:"permissions,omitempty"`
	Report      int64                `msgpack:"report,omitempty"`
	Status      ReportStatus         `msgpack:"status,omitempty"`
	Query       string               `msgpack:"query,omitempty"`
}

type ReportUser struct {
	Message      MessageID `msgpack:"message"`
	ShortDesc    string    `msgpack:"short_desc"`
	ExtendedDesc string    `msgpack:"extended_desc"`
}

func (Authenticate) requestTag() string               { return "authenticate" }
func (LogOut) requestTag() string                     { return "log_out" }
func (SendMessage) requestTag() string                { return "send_message" }
func (EditMessage) requestTag() string                { return "edit_message" }
func (DeleteMessage) requestTag() string              { return "delete_message" }
func (CreateCommunity) requestTag() string            { return "create_community" }
func (CreateRoom) requestTag() string                 { return "create_room" }
func (CreateInvite) requestTag() string               { return "create_invite" }
func (JoinCommunity) requestTag() string              { return "join_community" }
func (SetLookingAt) requestTag() string               { return "set_looking_at" }
func (SetAsRead) requestTag() string                  { return "set_as_read" }
func (SetWatchLevel) requestTag() string              { return "set_watch_level" }
func (ChangeUsername) requestTag() string             { return "change_username" }
func (ChangeDisplayName) requestTag() string          { return "change_display_name" }
func (ChangePassword) requestTag() string             { return "change_password" }
func (GetProfile) requestTag() string                 { return "get_profile" }
func (GetRoomUpdate) requestTag() string              { return "get_room_update" }
func (GetMessages) requestTag() string                { return "get_messages" }
func (ChangeCommunityName) requestTag() string        { return "change_community_name" }
func (ChangeCommunityDescription) requestTag() string { return "change_community_description" }
func (AdminAction) requestTag() string                { return "admin_action" }
func (ReportUser) requestTag() string                 { return "report_user" }

package store

import (
	"context"
	"time"

	"commune/service/proto"
	"commune/tools/errs"
)

// Domain errors. Implementations translate their driver failures into
// these; callers never see raw storage errors. Comparison is by
// identity, the codes only group them for logging.
var (
	ErrUserNotFound      = errs.NewCodeError(errs.CodeNotFound, "store: user not found")
	ErrUsernameTaken     = errs.NewCodeError(errs.CodeConflict, "store: username taken")
	ErrTokenNotFound     = errs.NewCodeError(errs.CodeNotFound, "store: token not found")
	ErrCommunityNotFound = errs.NewCodeError(errs.CodeNotFound, "store: community not found")
	ErrRoomNotFound      = errs.NewCodeError(errs.CodeNotFound, "store: room not found")
	ErrMessageNotFound   = errs.NewCodeError(errs.CodeNotFound, "store: message not found")
	ErrAlreadyMember     = errs.NewCodeError(errs.CodeConflict, "store: already a member")
	ErrNotMember         = errs.NewCodeError(errs.CodeNotFound, "store: not a member")
	ErrInviteNotFound    = errs.NewCodeError(errs.CodeNotFound, "store: invite not found")
	ErrTooManyInvites    = errs.NewCodeError(errs.CodeConflict, "store: too many invite codes")
	ErrReportNotFound    = errs.NewCodeError(errs.CodeNotFound, "store: report not found")
)

type UserRecord struct {
	ID             proto.UserID `bson:"_id"`
	Username       string       `bson:"username"`
	DisplayName    string       `bson:"display_name"`
	PasswordHash   string       `bson:"password_hash"`
	ProfileVersion int64        `bson:"profile_version"`
	Banned         bool         `bson:"banned"`
	Locked         bool         `bson:"locked"`
	Compromised    bool         `bson:"compromised"`
	CreatedAt      time.Time    `bson:"created_at"`
}

func (u UserRecord) Profile() proto.Profile {
	return proto.Profile{
		Version:     u.ProfileVersion,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

type TokenRecord struct {
	Device      proto.DeviceID        `bson:"_id"`
	User        proto.UserID          `bson:"user"`
	TokenHash   string                `bson:"token_hash"`
	DeviceName  string                `bson:"device_name"`
	LastUsed    time.Time             `bson:"last_used"`
	ExpiresAt   *time.Time            `bson:"expires_at,omitempty"`
	Permissions proto.PermissionFlags `bson:"permissions"`
}

type CommunityRecord struct {
	ID          proto.CommunityID `bson:"_id"`
	Name        string            `bson:"name"`
	Description string            `bson:"description"`
	CreatedBy   proto.UserID      `bson:"created_by"`
	CreatedAt   time.Time         `bson:"created_at"`
}

type RoomRecord struct {
	ID        proto.RoomID      `bson:"_id"`
	Community proto.CommunityID `bson:"community"`
	Name      string            `bson:"name"`
	CreatedAt time.Time         `bson:"created_at"`
}

type MessageRecord struct {
	ID        proto.MessageID   `bson:"_id"`
	Community proto.CommunityID `bson:"community"`
	Room      proto.RoomID      `bson:"room"`
	Author    proto.UserID      `bson:"author"`
	Content   string            `bson:"content"`
	Ordinal   int64             `bson:"ordinal"`
	SentAt    time.Time         `bson:"sent_at"`
	Edited    bool              `bson:"edited"`
	Deleted   bool              `bson:"deleted"`
}

func (m MessageRecord) Wire() proto.Message {
	content := m.Content
	if m.Deleted {
		content = ""
	}
	return proto.Message{ID: m.ID, Author: m.Author, Content: content, SentAt: m.SentAt}
}

type InviteRecord struct {
	Code      proto.InviteCode  `bson:"_id"`
	Community proto.CommunityID `bson:"community"`
	ExpiresAt *time.Time        `bson:"expires_at,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

// RoomState is the persisted per-(user, room) watch/unread state. The
// in-memory registry is the authority while the user is online; this
// is what the registry loads at login and writes through on change.
type RoomState struct {
	User       proto.UserID      `bson:"user"`
	Community  proto.CommunityID `bson:"community"`
	Room       proto.RoomID      `bson:"room"`
	WatchLevel proto.WatchLevel  `bson:"watch_level"`
	Unread     bool              `bson:"unread"`
	LastRead   proto.MessageID   `bson:"last_read"`
}

type ReportRecord struct {
	ID           int64              `bson:"_id"`
	Reporter     proto.UserID       `bson:"reporter"`
	Reported     proto.UserID       `bson:"reported"`
	Message      proto.MessageID    `bson:"message"`
	Community    proto.CommunityID  `bson:"community"`
	Room         proto.RoomID       `bson:"room"`
	ShortDesc    string             `bson:"short_desc"`
	ExtendedDesc string             `bson:"extended_desc"`
	Status       proto.ReportStatus `bson:"status"`
	FiledAt      time.Time          `bson:"filed_at"`
}

func (r ReportRecord) Wire() proto.Report {
	return proto.Report{
		ID:           r.ID,
		Reporter:     r.Reporter,
		Reported:     r.Reported,
		Message:      r.Message,
		Community:    r.Community,
		Room:         r.Room,
		ShortDesc:    r.ShortDesc,
		ExtendedDesc: r.ExtendedDesc,
		Status:       r.Status,
		FiledAt:      r.FiledAt,
	}
}

// MessageQuery selects a slice of room history.
type MessageQuery struct {
	// Before/After reference one message exclusively or inclusively;
	// when Reference is nil the newest messages match.
	Dir       string // "before" | "after"
	Reference *proto.MessageID
	Inclusive bool
	Limit     int
}

// Store is the durable backing of the routing layer. All calls are
// context-bound and return domain errors only. No method is called
// while any registry or router lock is held.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u UserRecord) error
	UserByID(ctx context.Context, id proto.UserID) (UserRecord, error)
	UserByName(ctx context.Context, username string) (UserRecord, error)
	ChangeUsername(ctx context.Context, id proto.UserID, username string) error
	ChangeDisplayName(ctx context.Context, id proto.UserID, displayName string) error
	ChangePassword(ctx context.Context, id proto.UserID, passwordHash string) error
	SetBanned(ctx context.Context, id proto.UserID, banned bool) error
	SetLocked(ctx context.Context, id proto.UserID, locked bool) error
	SetCompromised(ctx context.Context, id proto.UserID, compromised bool) error
	SearchUsers(ctx context.Context, query string) ([]UserRecord, error)
	ListUsers(ctx context.Context) ([]UserRecord, error)

	// Device tokens.
	CreateToken(ctx context.Context, t TokenRecord) error
	Token(ctx context.Context, device proto.DeviceID) (TokenRecord, error)
	RefreshToken(ctx context.Context, device proto.DeviceID) error
	RevokeToken(ctx context.Context, device proto.DeviceID) error
	RevokeTokensFor(ctx context.Context, user proto.UserID) error

	// Communities and membership.
	CreateCommunity(ctx context.Context, c CommunityRecord) error
	Community(ctx context.Context, id proto.CommunityID) (CommunityRecord, error)
	ChangeCommunityName(ctx context.Context, id proto.CommunityID, name string) error
	ChangeCommunityDescription(ctx context.Context, id proto.CommunityID, desc string) error
	DeleteCommunity(ctx context.Context, id proto.CommunityID) error
	ListCommunities(ctx context.Context) ([]CommunityRecord, error)
	AddMember(ctx context.Context, user proto.UserID, community proto.CommunityID) error
	RemoveMember(ctx context.Context, user proto.UserID, community proto.CommunityID) error
	IsMember(ctx context.Context, user proto.UserID, community proto.CommunityID) (bool, error)
	CommunitiesOf(ctx context.Context, user proto.UserID) ([]CommunityRecord, error)
	Members(ctx context.Context, community proto.CommunityID) ([]proto.UserID, error)

	// Rooms.
	CreateRoom(ctx context.Context, r RoomRecord) error
	Room(ctx context.Context, id proto.RoomID) (RoomRecord, error)
	RoomsIn(ctx context.Context, community proto.CommunityID) ([]RoomRecord, error)

	// Messages. AppendMessage assigns the server-side ordinal.
	AppendMessage(ctx context.Context, m MessageRecord) (MessageRecord, error)
	MessageByID(ctx context.Context, id proto.MessageID) (MessageRecord, error)
	EditMessage(ctx context.Context, id proto.MessageID, newContent string) error
	DeleteMessage(ctx context.Context, id proto.MessageID) error
	Messages(ctx context.Context, community proto.CommunityID, room proto.RoomID, q MessageQuery) ([]MessageRecord, error)
	NewestMessage(ctx context.Context, community proto.CommunityID, room proto.RoomID) (*proto.MessageID, error)

	// Per-(user, room) watch/unread state.
	RoomStates(ctx context.Context, user proto.UserID, community proto.CommunityID) ([]RoomState, error)
	SetWatchLevel(ctx context.Context, user proto.UserID, room proto.RoomID, level proto.WatchLevel) error
	SetRoomUnread(ctx context.Context, user proto.UserID, room proto.RoomID, unread bool) error
	// SetRoomUnreadAll marks the room unread for every user holding
	// state on it, except the listed ones. One call per fanout.
	SetRoomUnreadAll(ctx context.Context, room proto.RoomID, except []proto.UserID) error
	SetRoomRead(ctx context.Context, user proto.UserID, room proto.RoomID, lastRead proto.MessageID) error
	InitRoomState(ctx context.Context, s RoomState) error

	// Invites.
	CreateInvite(ctx context.Context, inv InviteRecord, maxPerCommunity int) error
	CommunityByInvite(ctx context.Context, code proto.InviteCode) (proto.CommunityID, error)

	// Administration.
	AdminPermissions(ctx context.Context, user proto.UserID) (proto.AdminPermissionFlags, error)
	SetAdminPermissions(ctx context.Context, user proto.UserID, flags proto.AdminPermissionFlags) error
	ListAdmins(ctx context.Context) ([]UserRecord, error)

	// Reports.
	FileReport(ctx context.Context, r ReportRecord) (int64, error)
	ListReports(ctx context.Context) ([]ReportRecord, error)
	SetReportStatus(ctx context.Context, id int64, status proto.ReportStatus) error
}

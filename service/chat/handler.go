package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"commune/global"
	"commune/logger"
	"commune/service/auth"
	"commune/service/proto"
	"commune/service/store"
)

const (
	maxHistoryCount    = 50
	maxReportShortDesc = 256
)

// handleRequest serves one request of an active session. Authenticate
// and LogOut are handled before this switch; everything else lands
// here. The returned error is the wire error, ErrNone on success.
func (s *Session) handleRequest(ctx context.Context, req proto.ClientRequest) (proto.OkResponse, proto.ErrResponse) {
	switch r := req.(type) {
	case proto.SendMessage:
		return s.handleSendMessage(ctx, r)
	case proto.EditMessage:
		return s.handleEditMessage(ctx, r)
	case proto.DeleteMessage:
		return s.handleDeleteMessage(ctx, r)
	case proto.CreateCommunity:
		return s.handleCreateCommunity(ctx, r)
	case proto.CreateRoom:
		return s.handleCreateRoom(ctx, r)
	case proto.CreateInvite:
		return s.handleCreateInvite(ctx, r)
	case proto.JoinCommunity:
		return s.handleJoinCommunity(ctx, r)
	case proto.SetLookingAt:
		return s.handleSetLookingAt(ctx, r)
	case proto.SetAsRead:
		return s.handleSetAsRead(ctx, r)
	case proto.SetWatchLevel:
		return s.handleSetWatchLevel(ctx, r)
	case proto.ChangeUsername:
		return s.handleChangeUsername(ctx, r)
	case proto.ChangeDisplayName:
		return s.handleChangeDisplayName(ctx, r)
	case proto.ChangePassword:
		return s.handleChangePassword(ctx, r)
	case proto.GetProfile:
		return s.handleGetProfile(ctx, r)
	case proto.GetRoomUpdate:
		return s.handleGetRoomUpdate(ctx, r)
	case proto.GetMessages:
		return s.handleGetMessages(ctx, r)
	case proto.ChangeCommunityName:
		return s.handleRename(ctx, r.Community, &r.New, nil)
	case proto.ChangeCommunityDescription:
		return s.handleRename(ctx, r.Community, nil, &r.New)
	case proto.AdminAction:
		return s.handleAdminAction(ctx, r)
	case proto.ReportUser:
		return s.handleReportUser(ctx, r)
	default:
		return nil, proto.ErrUnimplemented
	}
}

// memberRoom checks that the caller is a member of the community and
// the room belongs to it, returning the community's router.
func (s *Session) memberRoom(ctx context.Context, community proto.CommunityID, room proto.RoomID) (*Router, proto.ErrResponse) {
	router, wireErr := s.deps.Hub.Get(ctx, community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if !router.IsMember(ctx, s.user) {
		return nil, proto.ErrInvalidCommunity
	}
	rec, err := s.deps.Store.Room(ctx, room)
	if err != nil || rec.Community != community {
		return nil, proto.ErrInvalidRoom
	}
	return router, proto.ErrNone
}

func (s *Session) handleSendMessage(ctx context.Context, r proto.SendMessage) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermSendMessages) {
		return nil, proto.ErrAccessDenied
	}
	content := strings.TrimSpace(r.Content)
	if content == "" {
		return nil, proto.ErrInvalidMessage
	}
	if len(r.Content) > global.Config.MaxMessageLen {
		return nil, proto.ErrMessageTooLong
	}
	router, wireErr := s.deps.Hub.Get(ctx, r.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	conf, wireErr := router.SendMessage(ctx, s.user, s.device, r.Room, r.Content)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	return proto.ConfirmMessage{Confirmation: conf}, proto.ErrNone
}

func (s *Session) handleEditMessage(ctx context.Context, r proto.EditMessage) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermEditMessages) {
		return nil, proto.ErrAccessDenied
	}
	if strings.TrimSpace(r.Edit.NewContent) == "" {
		return nil, proto.ErrInvalidMessage
	}
	if len(r.Edit.NewContent) > global.Config.MaxMessageLen {
		return nil, proto.ErrMessageTooLong
	}
	router, wireErr := s.deps.Hub.Get(ctx, r.Edit.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if wireErr := router.EditMessage(ctx, s.user, s.device, r.Edit); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleDeleteMessage(ctx context.Context, r proto.DeleteMessage) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermEditMessages) {
		return nil, proto.ErrAccessDenied
	}
	router, wireErr := s.deps.Hub.Get(ctx, r.Delete.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if wireErr := router.DeleteMessage(ctx, s.user, s.device, r.Delete); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleCreateCommunity(ctx context.Context, r proto.CreateCommunity) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermCreateCommunities) {
		return nil, proto.ErrAccessDenied
	}
	name := strings.TrimSpace(r.Name)
	if name == "" || len(name) > global.Config.MaxCommunityNameLen {
		return nil, proto.ErrTooLong
	}
	structure, wireErr := s.deps.Hub.Create(ctx, s.user, name)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	s.deps.Registry.BroadcastExcept(s.user, s.device,
		proto.EventMessage(proto.AddCommunityEvent{Structure: structure}))
	return proto.AddCommunityResponse{Community: structure}, proto.ErrNone
}

func (s *Session) handleCreateRoom(ctx context.Context, r proto.CreateRoom) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermCreateRooms) {
		return nil, proto.ErrAccessDenied
	}
	name := strings.TrimSpace(r.Name)
	if name == "" || len(name) > global.Config.MaxRoomNameLen {
		return nil, proto.ErrTooLong
	}
	router, wireErr := s.deps.Hub.Get(ctx, r.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	created, wireErr := router.CreateRoom(ctx, s.user, s.device, name)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	return proto.AddRoomResponse{Community: r.Community, Room: created}, proto.ErrNone
}

func (s *Session) handleCreateInvite(ctx context.Context, r proto.CreateInvite) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermCreateInvites) {
		return nil, proto.ErrAccessDenied
	}
	router, wireErr := s.deps.Hub.Get(ctx, r.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if !router.IsMember(ctx, s.user) {
		return nil, proto.ErrInvalidCommunity
	}
	code, err := newInviteCode()
	if err != nil {
		return nil, proto.ErrInternal
	}
	inv := store.InviteRecord{
		Code:      code,
		Community: r.Community,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: time.Now(),
	}
	err = s.deps.Store.CreateInvite(ctx, inv, global.Config.MaxInviteCodesPerCommunity)
	switch err {
	case nil:
	case store.ErrTooManyInvites:
		return nil, proto.ErrTooManyInviteCodes
	case store.ErrCommunityNotFound:
		return nil, proto.ErrInvalidCommunity
	default:
		logger.Errorf("create invite: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.NewInvite{Code: code}, proto.ErrNone
}

func newInviteCode() (proto.InviteCode, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return proto.InviteCode(hex.EncodeToString(buf[:])), nil
}

func (s *Session) handleJoinCommunity(ctx context.Context, r proto.JoinCommunity) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermJoinCommunities) {
		return nil, proto.ErrAccessDenied
	}
	community, err := s.deps.Store.CommunityByInvite(ctx, r.Code)
	if err != nil {
		return nil, proto.ErrInvalidInviteCode
	}
	router, wireErr := s.deps.Hub.Get(ctx, community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	structure, wireErr := router.Join(ctx, s.user)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	s.deps.Registry.BroadcastExcept(s.user, s.device,
		proto.EventMessage(proto.AddCommunityEvent{Structure: structure}))
	return proto.AddCommunityResponse{Community: structure}, proto.ErrNone
}

func (s *Session) handleSetLookingAt(ctx context.Context, r proto.SetLookingAt) (proto.OkResponse, proto.ErrResponse) {
	if r.Target != nil {
		if _, wireErr := s.memberRoom(ctx, r.Target.Community, r.Target.Room); wireErr != proto.ErrNone {
			return nil, wireErr
		}
	}
	s.deps.Registry.SetLookingAt(s.user, s.device, r.Target)
	return proto.NoData{}, proto.ErrNone
}

// handleSetAsRead clears the unread marker and records the newest
// message as read. The next message in the room starts a new unread
// period with its own single notification.
func (s *Session) handleSetAsRead(ctx context.Context, r proto.SetAsRead) (proto.OkResponse, proto.ErrResponse) {
	if _, wireErr := s.memberRoom(ctx, r.Community, r.Room); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	s.deps.Registry.MarkRead(s.user, r.Room)
	newest, err := s.deps.Store.NewestMessage(ctx, r.Community, r.Room)
	if err != nil {
		logger.Errorf("newest message in %s: %v", r.Room, err)
		return nil, proto.ErrInternal
	}
	lastRead := proto.NilID
	if newest != nil {
		lastRead = *newest
	}
	if err := s.deps.Store.SetRoomRead(ctx, s.user, r.Room, lastRead); err != nil && err != store.ErrRoomNotFound {
		logger.Errorf("persist read marker %s/%s: %v", s.user, r.Room, err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleSetWatchLevel(ctx context.Context, r proto.SetWatchLevel) (proto.OkResponse, proto.ErrResponse) {
	if _, wireErr := s.memberRoom(ctx, r.Community, r.Room); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	s.deps.Registry.SetWatchLevel(s.user, r.Room, r.Level)
	if err := s.deps.Store.SetWatchLevel(ctx, s.user, r.Room, r.Level); err != nil && err != store.ErrRoomNotFound {
		logger.Errorf("persist watch level %s/%s: %v", s.user, r.Room, err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleChangeUsername(ctx context.Context, r proto.ChangeUsername) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermChangeUsername) {
		return nil, proto.ErrAccessDenied
	}
	username := strings.TrimSpace(r.NewUsername)
	if !auth.ValidUsername(username) {
		return nil, proto.ErrInvalidUsername
	}
	err := s.deps.Store.ChangeUsername(ctx, s.user, username)
	switch err {
	case nil:
	case store.ErrUsernameTaken:
		return nil, proto.ErrUsernameAlreadyExists
	case store.ErrUserNotFound:
		return nil, proto.ErrUserDeleted
	default:
		logger.Errorf("change username: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleChangeDisplayName(ctx context.Context, r proto.ChangeDisplayName) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermChangeDisplayName) {
		return nil, proto.ErrAccessDenied
	}
	if !auth.ValidDisplayName(r.NewDisplayName) {
		return nil, proto.ErrInvalidDisplayName
	}
	if err := s.deps.Store.ChangeDisplayName(ctx, s.user, strings.TrimSpace(r.NewDisplayName)); err != nil {
		if err == store.ErrUserNotFound {
			return nil, proto.ErrUserDeleted
		}
		logger.Errorf("change display name: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

// handleChangePassword rotates credentials: every token is revoked and
// every session of the user, this one included, is logged out.
func (s *Session) handleChangePassword(ctx context.Context, r proto.ChangePassword) (proto.OkResponse, proto.ErrResponse) {
	err := s.deps.Auth.ChangePassword(ctx, s.user, r.OldPassword, r.NewPassword)
	switch e := err.(type) {
	case nil:
	case *auth.Error:
		return nil, proto.ErrIncorrectCredentials
	case proto.ErrResponse:
		return nil, e
	default:
		logger.Errorf("change password: %v", err)
		return nil, proto.ErrInternal
	}
	// The kick lands after this response: the send queue is ordered.
	s.deps.Registry.ForceLogout(s.user)
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleGetProfile(ctx context.Context, r proto.GetProfile) (proto.OkResponse, proto.ErrResponse) {
	user, err := s.deps.Store.UserByID(ctx, r.User)
	if err != nil {
		return nil, proto.ErrInvalidUser
	}
	return proto.ProfileResponse{Profile: user.Profile()}, proto.ErrNone
}

// handleGetRoomUpdate catches a device up on one room: the persisted
// read marker plus whatever arrived after the client's last message.
// Continuous is false when there were more new messages than asked
// for, in which case the newest window is returned and the client must
// treat its local history as gapped.
func (s *Session) handleGetRoomUpdate(ctx context.Context, r proto.GetRoomUpdate) (proto.OkResponse, proto.ErrResponse) {
	if _, wireErr := s.memberRoom(ctx, r.Community, r.Room); wireErr != proto.ErrNone {
		return nil, wireErr
	}

	count := int(r.MessageCount)
	if count <= 0 || count > maxHistoryCount {
		count = maxHistoryCount
	}

	states, err := s.deps.Store.RoomStates(ctx, s.user, r.Community)
	if err != nil {
		logger.Errorf("room states: %v", err)
		return nil, proto.ErrInternal
	}
	lastRead := proto.NilID
	for _, st := range states {
		if st.Room == r.Room {
			lastRead = st.LastRead
			break
		}
	}

	reference := r.LastReceived
	update := proto.RoomUpdate{LastRead: lastRead, Continuous: true}

	var records []store.MessageRecord
	if reference != nil {
		records, err = s.deps.Store.Messages(ctx, r.Community, r.Room, store.MessageQuery{
			Dir: "after", Reference: reference, Limit: count + 1,
		})
		if err == store.ErrMessageNotFound {
			return nil, proto.ErrInvalidMessageSelector
		}
	} else {
		records, err = s.deps.Store.Messages(ctx, r.Community, r.Room, store.MessageQuery{
			Dir: "before", Limit: count,
		})
	}
	if err != nil {
		logger.Errorf("room update query: %v", err)
		return nil, proto.ErrInternal
	}

	if reference != nil && len(records) > count {
		// Too much happened since: hand back the newest window and
		// let the client know its history has a gap.
		update.Continuous = false
		records, err = s.deps.Store.Messages(ctx, r.Community, r.Room, store.MessageQuery{
			Dir: "before", Limit: count,
		})
		if err != nil {
			logger.Errorf("room update requery: %v", err)
			return nil, proto.ErrInternal
		}
	}

	update.NewMessages.Messages = wireMessages(records)
	return proto.RoomUpdateResponse{Update: update}, proto.ErrNone
}

func (s *Session) handleGetMessages(ctx context.Context, r proto.GetMessages) (proto.OkResponse, proto.ErrResponse) {
	if _, wireErr := s.memberRoom(ctx, r.Community, r.Room); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if r.Selector.Dir != "before" && r.Selector.Dir != "after" {
		return nil, proto.ErrInvalidMessageSelector
	}
	count := int(r.Count)
	if count <= 0 || count > maxHistoryCount {
		count = maxHistoryCount
	}
	ref := r.Selector.Reference
	records, err := s.deps.Store.Messages(ctx, r.Community, r.Room, store.MessageQuery{
		Dir:       r.Selector.Dir,
		Reference: &ref,
		Inclusive: r.Selector.Inclusive,
		Limit:     count,
	})
	if err == store.ErrMessageNotFound {
		return nil, proto.ErrInvalidMessageSelector
	}
	if err != nil {
		logger.Errorf("get messages: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.MessageHistoryResponse{
		History: proto.MessageHistory{Messages: wireMessages(records)},
	}, proto.ErrNone
}

func wireMessages(records []store.MessageRecord) []proto.Message {
	out := make([]proto.Message, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Wire())
	}
	return out
}

func (s *Session) handleRename(ctx context.Context, community proto.CommunityID, name, description *string) (proto.OkResponse, proto.ErrResponse) {
	value := description
	limit := global.Config.MaxCommunityNameLen * 4
	if name != nil {
		value = name
		limit = global.Config.MaxCommunityNameLen
	}
	if strings.TrimSpace(*value) == "" && name != nil {
		return nil, proto.ErrTooLong
	}
	if len(*value) > limit {
		return nil, proto.ErrTooLong
	}
	router, wireErr := s.deps.Hub.Get(ctx, community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if wireErr := router.Rename(ctx, s.user, name, description); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) handleReportUser(ctx context.Context, r proto.ReportUser) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermReportUsers) {
		return nil, proto.ErrAccessDenied
	}
	short := strings.TrimSpace(r.ShortDesc)
	if short == "" || len(short) > maxReportShortDesc {
		return nil, proto.ErrTooLong
	}
	if len(r.ExtendedDesc) > global.Config.MaxMessageLen {
		return nil, proto.ErrTooLong
	}

	msg, err := s.deps.Store.MessageByID(ctx, r.Message)
	if err != nil {
		return nil, proto.ErrInvalidMessage
	}
	// Only members see messages, so only members may report them.
	router, wireErr := s.deps.Hub.Get(ctx, msg.Community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if !router.IsMember(ctx, s.user) {
		return nil, proto.ErrInvalidMessage
	}

	_, err = s.deps.Store.FileReport(ctx, store.ReportRecord{
		Reporter:     s.user,
		Reported:     msg.Author,
		Message:      msg.ID,
		Community:    msg.Community,
		Room:         msg.Room,
		ShortDesc:    short,
		ExtendedDesc: r.ExtendedDesc,
		Status:       proto.ReportOpened,
		FiledAt:      time.Now(),
	})
	if err != nil {
		logger.Errorf("file report: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

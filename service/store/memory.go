package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"commune/service/proto"
	"commune/tools/ids"
)

// Memory is the in-process Store used by tests and single-node
// development deployments. One mutex guards everything; the routing
// layer never calls the store while holding its own locks, so the
// coarse lock here cannot deadlock against the registry.
type Memory struct {
	mu sync.Mutex

	users       map[proto.UserID]UserRecord
	byName      map[string]proto.UserID
	tokens      map[proto.DeviceID]TokenRecord
	communities map[proto.CommunityID]CommunityRecord
	rooms       map[proto.RoomID]RoomRecord
	members     map[proto.CommunityID]map[proto.UserID]bool
	messages    map[proto.MessageID]MessageRecord
	roomOrder   map[proto.RoomID][]proto.MessageID // append order == ordinal order
	roomStates  map[proto.UserID]map[proto.RoomID]RoomState
	invites     map[proto.InviteCode]InviteRecord
	admins      map[proto.UserID]proto.AdminPermissionFlags
	reports     map[int64]ReportRecord
	nextReport  int64
}

func NewMemory() *Memory {
	return &Memory{
		users:       make(map[proto.UserID]UserRecord),
		byName:      make(map[string]proto.UserID),
		tokens:      make(map[proto.DeviceID]TokenRecord),
		communities: make(map[proto.CommunityID]CommunityRecord),
		rooms:       make(map[proto.RoomID]RoomRecord),
		members:     make(map[proto.CommunityID]map[proto.UserID]bool),
		messages:    make(map[proto.MessageID]MessageRecord),
		roomOrder:   make(map[proto.RoomID][]proto.MessageID),
		roomStates:  make(map[proto.UserID]map[proto.RoomID]RoomState),
		invites:     make(map[proto.InviteCode]InviteRecord),
		admins:      make(map[proto.UserID]proto.AdminPermissionFlags),
		reports:     make(map[int64]ReportRecord),
		nextReport:  1,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateUser(_ context.Context, u UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byName[strings.ToLower(u.Username)]; taken {
		return ErrUsernameTaken
	}
	m.users[u.ID] = u
	m.byName[strings.ToLower(u.Username)] = u.ID
	return nil
}

func (m *Memory) UserByID(_ context.Context, id proto.UserID) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (m *Memory) UserByName(_ context.Context, username string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[strings.ToLower(username)]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *Memory) ChangeUsername(_ context.Context, id proto.UserID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	key := strings.ToLower(username)
	if owner, taken := m.byName[key]; taken && owner != id {
		return ErrUsernameTaken
	}
	delete(m.byName, strings.ToLower(u.Username))
	u.Username = username
	u.ProfileVersion++
	m.users[id] = u
	m.byName[key] = id
	return nil
}

func (m *Memory) ChangeDisplayName(_ context.Context, id proto.UserID, displayName string) error {
	return m.mutateUser(id, func(u *UserRecord) {
		u.DisplayName = displayName
		u.ProfileVersion++
	})
}

func (m *Memory) ChangePassword(_ context.Context, id proto.UserID, hash string) error {
	return m.mutateUser(id, func(u *UserRecord) { u.PasswordHash = hash })
}

func (m *Memory) SetBanned(_ context.Context, id proto.UserID, banned bool) error {
	return m.mutateUser(id, func(u *UserRecord) { u.Banned = banned })
}

func (m *Memory) SetLocked(_ context.Context, id proto.UserID, locked bool) error {
	return m.mutateUser(id, func(u *UserRecord) { u.Locked = locked })
}

func (m *Memory) SetCompromised(_ context.Context, id proto.UserID, compromised bool) error {
	return m.mutateUser(id, func(u *UserRecord) { u.Compromised = compromised })
}

func (m *Memory) mutateUser(id proto.UserID, f func(*UserRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	f(&u)
	m.users[id] = u
	return nil
}

func (m *Memory) SearchUsers(_ context.Context, query string) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	var out []UserRecord
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.Username), q) ||
			strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UserRecord, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(users []UserRecord) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func (m *Memory) CreateToken(_ context.Context, t TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Device] = t
	return nil
}

func (m *Memory) Token(_ context.Context, device proto.DeviceID) (TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[device]
	if !ok {
		return TokenRecord{}, ErrTokenNotFound
	}
	return t, nil
}

func (m *Memory) RefreshToken(_ context.Context, device proto.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[device]
	if !ok {
		return ErrTokenNotFound
	}
	t.LastUsed = time.Now()
	m.tokens[device] = t
	return nil
}

func (m *Memory) RevokeToken(_ context.Context, device proto.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[device]; !ok {
		return ErrTokenNotFound
	}
	delete(m.tokens, device)
	return nil
}

func (m *Memory) RevokeTokensFor(_ context.Context, user proto.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for device, t := range m.tokens {
		if t.User == user {
			delete(m.tokens, device)
		}
	}
	return nil
}

func (m *Memory) CreateCommunity(_ context.Context, c CommunityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communities[c.ID] = c
	m.members[c.ID] = make(map[proto.UserID]bool)
	return nil
}

func (m *Memory) Community(_ context.Context, id proto.CommunityID) (CommunityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[id]
	if !ok {
		return CommunityRecord{}, ErrCommunityNotFound
	}
	return c, nil
}

func (m *Memory) ChangeCommunityName(_ context.Context, id proto.CommunityID, name string) error {
	return m.mutateCommunity(id, func(c *CommunityRecord) { c.Name = name })
}

func (m *Memory) ChangeCommunityDescription(_ context.Context, id proto.CommunityID, desc string) error {
	return m.mutateCommunity(id, func(c *CommunityRecord) { c.Description = desc })
}

func (m *Memory) mutateCommunity(id proto.CommunityID, f func(*CommunityRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.communities[id]
	if !ok {
		return ErrCommunityNotFound
	}
	f(&c)
	m.communities[id] = c
	return nil
}

func (m *Memory) DeleteCommunity(_ context.Context, id proto.CommunityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[id]; !ok {
		return ErrCommunityNotFound
	}
	delete(m.communities, id)
	delete(m.members, id)
	for code, inv := range m.invites {
		if inv.Community == id {
			delete(m.invites, code)
		}
	}
	return nil
}

func (m *Memory) ListCommunities(_ context.Context) ([]CommunityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommunityRecord, 0, len(m.communities))
	for _, c := range m.communities {
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) AddMember(_ context.Context, user proto.UserID, community proto.CommunityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user]; !ok {
		return ErrUserNotFound
	}
	members, ok := m.members[community]
	if !ok {
		return ErrCommunityNotFound
	}
	if members[user] {
		return ErrAlreadyMember
	}
	members[user] = true
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, user proto.UserID, community proto.CommunityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[community]
	if !ok {
		return ErrCommunityNotFound
	}
	if !members[user] {
		return ErrNotMember
	}
	delete(members, user)
	return nil
}

func (m *Memory) IsMember(_ context.Context, user proto.UserID, community proto.CommunityID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[community]
	if !ok {
		return false, ErrCommunityNotFound
	}
	return members[user], nil
}

func (m *Memory) CommunitiesOf(_ context.Context, user proto.UserID) ([]CommunityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CommunityRecord
	for id, members := range m.members {
		if members[user] {
			out = append(out, m.communities[id])
		}
	}
	return out, nil
}

func (m *Memory) Members(_ context.Context, community proto.CommunityID) ([]proto.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[community]
	if !ok {
		return nil, ErrCommunityNotFound
	}
	out := make([]proto.UserID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) CreateRoom(_ context.Context, r RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[r.Community]; !ok {
		return ErrCommunityNotFound
	}
	m.rooms[r.ID] = r
	return nil
}

func (m *Memory) Room(_ context.Context, id proto.RoomID) (RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return RoomRecord{}, ErrRoomNotFound
	}
	return r, nil
}

func (m *Memory) RoomsIn(_ context.Context, community proto.CommunityID) ([]RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoomRecord
	for _, r := range m.rooms {
		if r.Community == community {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg MessageRecord) (MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[msg.Room]; !ok {
		return MessageRecord{}, ErrRoomNotFound
	}
	msg.Ordinal = ids.NextOrdinal()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	m.messages[msg.ID] = msg
	m.roomOrder[msg.Room] = append(m.roomOrder[msg.Room], msg.ID)
	return msg, nil
}

func (m *Memory) MessageByID(_ context.Context, id proto.MessageID) (MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return MessageRecord{}, ErrMessageNotFound
	}
	return msg, nil
}

func (m *Memory) EditMessage(_ context.Context, id proto.MessageID, newContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Content = newContent
	msg.Edited = true
	m.messages[id] = msg
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, id proto.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Deleted = true
	msg.Content = ""
	m.messages[id] = msg
	return nil
}

func (m *Memory) Messages(_ context.Context, _ proto.CommunityID, room proto.RoomID, q MessageQuery) ([]MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.roomOrder[room]
	if !ok {
		if _, exists := m.rooms[room]; !exists {
			return nil, ErrRoomNotFound
		}
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	// Locate the reference point; default to the end.
	idx := len(order)
	if q.Reference != nil {
		idx = -1
		for i, id := range order {
			if id == *q.Reference {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrMessageNotFound
		}
	}

	var picked []proto.MessageID
	switch q.Dir {
	case "after":
		start := idx + 1
		if q.Inclusive {
			start = idx
		}
		if start < 0 {
			start = 0
		}
		end := start + limit
		if end > len(order) {
			end = len(order)
		}
		if start < len(order) {
			picked = order[start:end]
		}
	default: // "before"
		end := idx
		if q.Inclusive && idx < len(order) {
			end = idx + 1
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		picked = order[start:end]
	}

	out := make([]MessageRecord, 0, len(picked))
	for _, id := range picked {
		out = append(out, m.messages[id])
	}
	return out, nil
}

func (m *Memory) NewestMessage(_ context.Context, _ proto.CommunityID, room proto.RoomID) (*proto.MessageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.roomOrder[room]
	if len(order) == 0 {
		return nil, nil
	}
	id := order[len(order)-1]
	return &id, nil
}

func (m *Memory) RoomStates(_ context.Context, user proto.UserID, community proto.CommunityID) ([]RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoomState
	for _, s := range m.roomStates[user] {
		if s.Community == community {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) SetWatchLevel(_ context.Context, user proto.UserID, room proto.RoomID, level proto.WatchLevel) error {
	return m.mutateRoomState(user, room, func(s *RoomState) { s.WatchLevel = level })
}

func (m *Memory) SetRoomUnread(_ context.Context, user proto.UserID, room proto.RoomID, unread bool) error {
	return m.mutateRoomState(user, room, func(s *RoomState) { s.Unread = unread })
}

func (m *Memory) SetRoomRead(_ context.Context, user proto.UserID, room proto.RoomID, lastRead proto.MessageID) error {
	return m.mutateRoomState(user, room, func(s *RoomState) {
		s.Unread = false
		s.LastRead = lastRead
	})
}

func (m *Memory) mutateRoomState(user proto.UserID, room proto.RoomID, f func(*RoomState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.roomStates[user]
	if !ok {
		return ErrRoomNotFound
	}
	s, ok := states[room]
	if !ok {
		return ErrRoomNotFound
	}
	f(&s)
	states[room] = s
	return nil
}

func (m *Memory) SetRoomUnreadAll(_ context.Context, room proto.RoomID, except []proto.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[proto.UserID]bool, len(except))
	for _, u := range except {
		skip[u] = true
	}
	for user, states := range m.roomStates {
		if skip[user] {
			continue
		}
		if s, ok := states[room]; ok && !s.Unread {
			s.Unread = true
			states[room] = s
		}
	}
	return nil
}

func (m *Memory) InitRoomState(_ context.Context, s RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.roomStates[s.User]
	if !ok {
		states = make(map[proto.RoomID]RoomState)
		m.roomStates[s.User] = states
	}
	if _, exists := states[s.Room]; !exists {
		states[s.Room] = s
	}
	return nil
}

func (m *Memory) CreateInvite(_ context.Context, inv InviteRecord, maxPerCommunity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[inv.Community]; !ok {
		return ErrCommunityNotFound
	}
	count := 0
	for _, existing := range m.invites {
		if existing.Community == inv.Community {
			count++
		}
	}
	if maxPerCommunity > 0 && count >= maxPerCommunity {
		return ErrTooManyInvites
	}
	m.invites[inv.Code] = inv
	return nil
}

func (m *Memory) CommunityByInvite(_ context.Context, code proto.InviteCode) (proto.CommunityID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[code]
	if !ok {
		return proto.NilID, ErrInviteNotFound
	}
	if inv.ExpiresAt != nil && time.Now().After(*inv.ExpiresAt) {
		return proto.NilID, ErrInviteNotFound
	}
	return inv.Community, nil
}

func (m *Memory) AdminPermissions(_ context.Context, user proto.UserID) (proto.AdminPermissionFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admins[user], nil
}

func (m *Memory) SetAdminPermissions(_ context.Context, user proto.UserID, flags proto.AdminPermissionFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flags == 0 {
		delete(m.admins, user)
		return nil
	}
	m.admins[user] = flags
	return nil
}

func (m *Memory) ListAdmins(_ context.Context) ([]UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRecord
	for id := range m.admins {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

func (m *Memory) FileReport(_ context.Context, r ReportRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.nextReport
	m.nextReport++
	if r.FiledAt.IsZero() {
		r.FiledAt = time.Now()
	}
	m.reports[r.ID] = r
	return r.ID, nil
}

func (m *Memory) ListReports(_ context.Context) ([]ReportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReportRecord, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetReportStatus(_ context.Context, id int64, status proto.ReportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return ErrReportNotFound
	}
	r.Status = status
	m.reports[id] = r
	return nil
}

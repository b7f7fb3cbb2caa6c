package chat

import (
	"context"
	"sync"

	"commune/logger"
	"commune/service/proto"
	"commune/service/store"
	"commune/tools/errs"
)

// Receiver is the delivery side of a session: everything the registry
// needs to push events at a connected device.
type Receiver interface {
	// Deliver queues a message; false means the session is too slow or
	// gone and should be treated as dead.
	Deliver(m proto.ServerMessage) bool
	// Kick tells the client the session ended and closes the
	// connection.
	Kick()
}

type registered struct {
	sink      Receiver
	lookingAt *proto.RoomTarget
}

// userEntry holds everything the routing layer tracks about one user.
// Its own mutex keeps cross-device operations atomic without a global
// lock; nothing does I/O while holding it.
type userEntry struct {
	mu       sync.Mutex
	sessions map[proto.DeviceID]*registered
	watch    map[proto.RoomID]proto.WatchLevel
	unread   map[proto.RoomID]bool
}

// Registry tracks active sessions across all devices of all users and
// answers the per-message delivery question: full event, lightweight
// notification, or nothing. It is the authority on watch and unread
// state while a user is online; every transition is written through to
// the store so login snapshots stay truthful.
type Registry struct {
	mu    sync.RWMutex
	users map[proto.UserID]*userEntry
	store store.Store
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{
		users: make(map[proto.UserID]*userEntry),
		store: st,
	}
}

func (r *Registry) entry(user proto.UserID) *userEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[user]
	if !ok {
		e = &userEntry{
			sessions: make(map[proto.DeviceID]*registered),
			watch:    make(map[proto.RoomID]proto.WatchLevel),
			unread:   make(map[proto.RoomID]bool),
		}
		r.users[user] = e
	}
	return e
}

func (r *Registry) lookup(user proto.UserID) (*userEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[user]
	return e, ok
}

// ErrDeviceActive refuses a second login on a device that already has
// a session. The first session keeps the connection; the client must
// log out (or time out) before the token works again.
var ErrDeviceActive = errs.NewCodeError(errs.CodeConflict, "chat: device already has an active session")

// Activate registers an authenticated session. The first session of a
// user loads the persisted watch/unread state.
func (r *Registry) Activate(ctx context.Context, user proto.UserID, device proto.DeviceID, sink Receiver) error {
	e := r.entry(user)

	e.mu.Lock()
	firstSession := len(e.sessions) == 0
	if _, exists := e.sessions[device]; exists {
		e.mu.Unlock()
		logger.Infof("device %s already has a session, refusing the new one", device)
		return ErrDeviceActive
	}
	e.sessions[device] = &registered{sink: sink}
	e.mu.Unlock()

	if !firstSession {
		return nil
	}

	// Load persisted state outside the entry lock. A race with fanout
	// here can only skip an unread flag the store still carries.
	communities, err := r.store.CommunitiesOf(ctx, user)
	if err != nil {
		return err
	}
	for _, c := range communities {
		states, err := r.store.RoomStates(ctx, user, c.ID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		for _, s := range states {
			e.watch[s.Room] = s.WatchLevel
			if s.Unread {
				e.unread[s.Room] = true
			}
		}
		e.mu.Unlock()
	}
	return nil
}

// Deregister drops a session. When the last session of the user goes,
// the volatile state goes with it; the store already has everything.
func (r *Registry) Deregister(user proto.UserID, device proto.DeviceID) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.sessions, device)
	empty := len(e.sessions) == 0
	e.mu.Unlock()

	if empty {
		r.mu.Lock()
		if e2, ok := r.users[user]; ok {
			e2.mu.Lock()
			if len(e2.sessions) == 0 {
				delete(r.users, user)
			}
			e2.mu.Unlock()
		}
		r.mu.Unlock()
	}
}

// IsOnline reports whether any device of the user has a session.
func (r *Registry) IsOnline(user proto.UserID) bool {
	e, ok := r.lookup(user)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions) > 0
}

// SetLookingAt records which room a device has on screen; nil clears.
func (r *Registry) SetLookingAt(user proto.UserID, device proto.DeviceID, target *proto.RoomTarget) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[device]; ok {
		s.lookingAt = target
	}
}

// SetWatchLevel updates the in-memory copy. The caller persists.
func (r *Registry) SetWatchLevel(user proto.UserID, room proto.RoomID, level proto.WatchLevel) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	e.watch[room] = level
	e.mu.Unlock()
}

// MarkRead clears the unread flag. The caller persists.
func (r *Registry) MarkRead(user proto.UserID, room proto.RoomID) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.unread, room)
	e.mu.Unlock()
}

// SeedRoomState primes the volatile state for a room the user just
// gained (joined community, new room).
func (r *Registry) SeedRoomState(user proto.UserID, room proto.RoomID, unread bool) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	if unread {
		e.unread[room] = true
	}
	e.mu.Unlock()
}

// DeliverNewMessage runs the per-device delivery decision for one new
// message. The sending device is skipped; for every other device of
// the user:
//
//   - a device looking at the room gets the full event,
//   - every device gets the full event when the user watches the room,
//   - the rest share one unread transition: its false-to-true flip
//     sends a single NotifyMessageReady to each of them, and while the
//     room stays unread further messages send nothing.
//
// When every device received full content the room does not flip to
// unread; the returned caughtUp flag tells the caller to exempt this
// user from the bulk unread write.
func (r *Registry) DeliverNewMessage(user proto.UserID, sender proto.DeviceID, community proto.CommunityID, room proto.RoomID, ev proto.AddMessageEvent) (online, caughtUp bool) {
	e, ok := r.lookup(user)
	if !ok {
		return false, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return false, false
	}

	watching := e.watch[room] == proto.Watching
	full := proto.EventMessage(ev)
	var lazy []*registered
	for d, s := range e.sessions {
		if d == sender {
			continue
		}
		at := s.lookingAt != nil && s.lookingAt.Community == community && s.lookingAt.Room == room
		if at || watching {
			s.sink.Deliver(full)
			continue
		}
		lazy = append(lazy, s)
	}

	if len(lazy) == 0 {
		return true, true
	}
	if !e.unread[room] {
		e.unread[room] = true
		notify := proto.EventMessage(proto.NotifyMessageReadyEvent{Community: community, Room: room})
		for _, s := range lazy {
			s.sink.Deliver(notify)
		}
	}
	return true, false
}

// DeliverToViewers pushes an event at devices looking at the room or
// users watching it, minus the device that caused it. Edits and
// deletes use this; they never touch unread state.
func (r *Registry) DeliverToViewers(user proto.UserID, sender proto.DeviceID, community proto.CommunityID, room proto.RoomID, m proto.ServerMessage) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	watching := e.watch[room] == proto.Watching
	for d, s := range e.sessions {
		if d == sender {
			continue
		}
		at := s.lookingAt != nil && s.lookingAt.Community == community && s.lookingAt.Room == room
		if at || watching {
			s.sink.Deliver(m)
		}
	}
}

// Broadcast pushes a message at every session of the user.
func (r *Registry) Broadcast(user proto.UserID, m proto.ServerMessage) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.sink.Deliver(m)
	}
}

// BroadcastExcept pushes at every session of the user but one device.
// Used to tell the user's other devices about changes this one made.
func (r *Registry) BroadcastExcept(user proto.UserID, device proto.DeviceID, m proto.ServerMessage) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for d, s := range e.sessions {
		if d != device {
			s.sink.Deliver(m)
		}
	}
}

// ForceLogout kicks every session of the user. Bans, compromise flags
// and password changes come through here.
func (r *Registry) ForceLogout(user proto.UserID) {
	e, ok := r.lookup(user)
	if !ok {
		return
	}
	e.mu.Lock()
	sinks := make([]Receiver, 0, len(e.sessions))
	for _, s := range e.sessions {
		sinks = append(sinks, s.sink)
	}
	e.sessions = make(map[proto.DeviceID]*registered)
	e.mu.Unlock()

	for _, sink := range sinks {
		sink.Kick()
	}
}

package chat

import (
	"context"
	"sync"
	"time"

	"commune/logger"
	"commune/service/proto"
	"commune/service/store"
	"commune/tools/safe"
)

// Router owns one community. All state changes to the community flow
// through its mailbox and run on its goroutine, which is what gives
// every member the same message order without any per-message locking.
type Router struct {
	id       proto.CommunityID
	store    store.Store
	registry *Registry

	mailbox chan func()
	stop    chan struct{}

	// members is touched only on the router goroutine.
	members map[proto.UserID]bool
}

const mailboxSize = 128

func newRouter(ctx context.Context, id proto.CommunityID, st store.Store, reg *Registry) (*Router, error) {
	members, err := st.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &Router{
		id:       id,
		store:    st,
		registry: reg,
		mailbox:  make(chan func(), mailboxSize),
		stop:     make(chan struct{}),
		members:  make(map[proto.UserID]bool, len(members)),
	}
	for _, m := range members {
		r.members[m] = true
	}
	safe.Go("community-router-"+id.String(), r.run)
	return r, nil
}

func (r *Router) run() {
	for {
		select {
		case task := <-r.mailbox:
			task()
		case <-r.stop:
			// Drain what made it in before the stop.
			for {
				select {
				case task := <-r.mailbox:
					task()
				default:
					return
				}
			}
		}
	}
}

// do runs f on the router goroutine and waits for it.
func (r *Router) do(ctx context.Context, f func()) proto.ErrResponse {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		f()
	}
	select {
	case r.mailbox <- task:
	case <-r.stop:
		return proto.ErrInvalidCommunity
	case <-ctx.Done():
		return proto.ErrTimeout
	}
	select {
	case <-done:
		return proto.ErrNone
	case <-r.stop:
		// A task accepted before the stop still runs in the shutdown
		// drain; wait for it rather than misreporting its outcome.
		select {
		case <-done:
			return proto.ErrNone
		case <-ctx.Done():
			return proto.ErrTimeout
		}
	case <-ctx.Done():
		return proto.ErrTimeout
	}
}

// SendMessage persists the message and fans it out to every device of
// every member except the one that sent it.
func (r *Router) SendMessage(ctx context.Context, author proto.UserID, device proto.DeviceID, room proto.RoomID, content string) (proto.MessageConfirmation, proto.ErrResponse) {
	var conf proto.MessageConfirmation
	var wireErr proto.ErrResponse

	err := r.do(ctx, func() {
		if !r.members[author] {
			wireErr = proto.ErrInvalidCommunity
			return
		}
		rec, err := r.store.Room(ctx, room)
		if err != nil || rec.Community != r.id {
			wireErr = proto.ErrInvalidRoom
			return
		}

		msg, err := r.store.AppendMessage(ctx, store.MessageRecord{
			ID:        proto.NewID(),
			Community: r.id,
			Room:      room,
			Author:    author,
			Content:   content,
			SentAt:    time.Now(),
		})
		if err != nil {
			logger.Errorf("append message in %s: %v", r.id, err)
			wireErr = proto.ErrInternal
			return
		}

		ev := proto.AddMessageEvent{Community: r.id, Room: room, Message: msg.Wire()}
		var caughtUp []proto.UserID
		for member := range r.members {
			if _, exempt := r.registry.DeliverNewMessage(member, device, r.id, room, ev); exempt {
				caughtUp = append(caughtUp, member)
			}
		}
		if err := r.store.SetRoomUnreadAll(ctx, room, caughtUp); err != nil {
			logger.Warnf("persist unread for room %s: %v", room, err)
		}

		conf = proto.MessageConfirmation{ID: msg.ID, SentAt: msg.SentAt}
	})
	if err != proto.ErrNone {
		return proto.MessageConfirmation{}, err
	}
	return conf, wireErr
}

// EditMessage replaces a message's content. Author only. Edits reach
// devices currently viewing or watching the room, minus the editing
// device, and never change unread state.
func (r *Router) EditMessage(ctx context.Context, author proto.UserID, device proto.DeviceID, edit proto.Edit) proto.ErrResponse {
	var wireErr proto.ErrResponse
	err := r.do(ctx, func() {
		wireErr = r.amendMessage(ctx, author, edit.Room, edit.Message, func() error {
			return r.store.EditMessage(ctx, edit.Message, edit.NewContent)
		})
		if wireErr != proto.ErrNone {
			return
		}
		m := proto.EventMessage(proto.EditEvent{Edit: edit})
		for member := range r.members {
			r.registry.DeliverToViewers(member, device, r.id, edit.Room, m)
		}
	})
	if err != proto.ErrNone {
		return err
	}
	return wireErr
}

// DeleteMessage blanks a message. Author only, same delivery rules as
// edits.
func (r *Router) DeleteMessage(ctx context.Context, author proto.UserID, device proto.DeviceID, del proto.Delete) proto.ErrResponse {
	var wireErr proto.ErrResponse
	err := r.do(ctx, func() {
		wireErr = r.amendMessage(ctx, author, del.Room, del.Message, func() error {
			return r.store.DeleteMessage(ctx, del.Message)
		})
		if wireErr != proto.ErrNone {
			return
		}
		m := proto.EventMessage(proto.DeleteEvent{Delete: del})
		for member := range r.members {
			r.registry.DeliverToViewers(member, device, r.id, del.Room, m)
		}
	})
	if err != proto.ErrNone {
		return err
	}
	return wireErr
}

func (r *Router) amendMessage(ctx context.Context, author proto.UserID, room proto.RoomID, id proto.MessageID, apply func() error) proto.ErrResponse {
	if !r.members[author] {
		return proto.ErrInvalidCommunity
	}
	msg, err := r.store.MessageByID(ctx, id)
	if err != nil || msg.Community != r.id || msg.Room != room || msg.Deleted {
		return proto.ErrInvalidMessage
	}
	if msg.Author != author {
		return proto.ErrAccessDenied
	}
	if err := apply(); err != nil {
		logger.Errorf("amend message %s: %v", id, err)
		return proto.ErrInternal
	}
	return proto.ErrNone
}

// Join adds a user. Every existing room starts unread for them.
func (r *Router) Join(ctx context.Context, user proto.UserID) (proto.CommunityStructure, proto.ErrResponse) {
	var structure proto.CommunityStructure
	var wireErr proto.ErrResponse

	err := r.do(ctx, func() {
		if r.members[user] {
			wireErr = proto.ErrAlreadyInCommunity
			return
		}
		if err := r.store.AddMember(ctx, user, r.id); err != nil {
			if err == store.ErrAlreadyMember {
				wireErr = proto.ErrAlreadyInCommunity
			} else {
				logger.Errorf("add member to %s: %v", r.id, err)
				wireErr = proto.ErrInternal
			}
			return
		}
		r.members[user] = true

		rooms, err := r.store.RoomsIn(ctx, r.id)
		if err != nil {
			logger.Errorf("rooms in %s: %v", r.id, err)
			wireErr = proto.ErrInternal
			return
		}
		for _, room := range rooms {
			state := store.RoomState{
				User: user, Community: r.id, Room: room.ID, Unread: true,
			}
			if err := r.store.InitRoomState(ctx, state); err != nil {
				logger.Warnf("init room state %s/%s: %v", user, room.ID, err)
			}
			r.registry.SeedRoomState(user, room.ID, true)
		}

		structure, wireErr = r.structureLocked(ctx, user)
	})
	if err != proto.ErrNone {
		return proto.CommunityStructure{}, err
	}
	return structure, wireErr
}

// CreateRoom adds a room and announces it to every member except the
// device that asked for it, which learns from its own response. The
// new room starts unread for everyone but its creator.
func (r *Router) CreateRoom(ctx context.Context, creator proto.UserID, device proto.DeviceID, name string) (proto.RoomStructure, proto.ErrResponse) {
	var created proto.RoomStructure
	var wireErr proto.ErrResponse

	err := r.do(ctx, func() {
		if !r.members[creator] {
			wireErr = proto.ErrInvalidCommunity
			return
		}
		room := store.RoomRecord{
			ID:        proto.NewID(),
			Community: r.id,
			Name:      name,
			CreatedAt: time.Now(),
		}
		if err := r.store.CreateRoom(ctx, room); err != nil {
			logger.Errorf("create room in %s: %v", r.id, err)
			wireErr = proto.ErrInternal
			return
		}

		for member := range r.members {
			unread := member != creator
			state := store.RoomState{
				User: member, Community: r.id, Room: room.ID, Unread: unread,
			}
			if err := r.store.InitRoomState(ctx, state); err != nil {
				logger.Warnf("init room state %s/%s: %v", member, room.ID, err)
			}
			r.registry.SeedRoomState(member, room.ID, unread)
			r.registry.BroadcastExcept(member, device, proto.EventMessage(proto.AddRoomEvent{
				Community: r.id,
				Structure: proto.RoomStructure{ID: room.ID, Name: name, Unread: unread},
			}))
		}
		created = proto.RoomStructure{ID: room.ID, Name: name, Unread: false}
	})
	if err != proto.ErrNone {
		return proto.RoomStructure{}, err
	}
	return created, wireErr
}

// Rename changes the community name or description.
func (r *Router) Rename(ctx context.Context, user proto.UserID, name, description *string) proto.ErrResponse {
	var wireErr proto.ErrResponse
	err := r.do(ctx, func() {
		if !r.members[user] {
			wireErr = proto.ErrInvalidCommunity
			return
		}
		var storeErr error
		switch {
		case name != nil:
			storeErr = r.store.ChangeCommunityName(ctx, r.id, *name)
		case description != nil:
			storeErr = r.store.ChangeCommunityDescription(ctx, r.id, *description)
		}
		if storeErr != nil {
			logger.Errorf("rename community %s: %v", r.id, storeErr)
			wireErr = proto.ErrInternal
		}
	})
	if err != proto.ErrNone {
		return err
	}
	return wireErr
}

// Structure builds the community as one user sees it.
func (r *Router) Structure(ctx context.Context, user proto.UserID) (proto.CommunityStructure, proto.ErrResponse) {
	var structure proto.CommunityStructure
	var wireErr proto.ErrResponse
	err := r.do(ctx, func() {
		structure, wireErr = r.structureLocked(ctx, user)
	})
	if err != proto.ErrNone {
		return proto.CommunityStructure{}, err
	}
	return structure, wireErr
}

func (r *Router) structureLocked(ctx context.Context, user proto.UserID) (proto.CommunityStructure, proto.ErrResponse) {
	c, err := r.store.Community(ctx, r.id)
	if err != nil {
		return proto.CommunityStructure{}, proto.ErrInvalidCommunity
	}
	rooms, err := r.store.RoomsIn(ctx, r.id)
	if err != nil {
		logger.Errorf("rooms in %s: %v", r.id, err)
		return proto.CommunityStructure{}, proto.ErrInternal
	}
	states, err := r.store.RoomStates(ctx, user, r.id)
	if err != nil {
		logger.Errorf("room states for %s in %s: %v", user, r.id, err)
		return proto.CommunityStructure{}, proto.ErrInternal
	}
	unread := make(map[proto.RoomID]bool, len(states))
	for _, s := range states {
		unread[s.Room] = s.Unread
	}

	structure := proto.CommunityStructure{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Rooms:       make([]proto.RoomStructure, 0, len(rooms)),
	}
	for _, room := range rooms {
		structure.Rooms = append(structure.Rooms, proto.RoomStructure{
			ID:     room.ID,
			Name:   room.Name,
			Unread: unread[room.ID],
		})
	}
	return structure, proto.ErrNone
}

// IsMember answers from the router's own member set.
func (r *Router) IsMember(ctx context.Context, user proto.UserID) bool {
	member := false
	r.do(ctx, func() { member = r.members[user] })
	return member
}

// Delete tears the community down: every member is told, storage is
// cleared, the router stops. The stop signal goes out only after the
// teardown task has been waited for, so the caller sees its result.
func (r *Router) Delete(ctx context.Context) proto.ErrResponse {
	var wireErr proto.ErrResponse
	err := r.do(ctx, func() {
		ev := proto.EventMessage(proto.RemoveCommunityEvent{ID: r.id, Reason: "deleted"})
		for member := range r.members {
			r.registry.Broadcast(member, ev)
		}
		if err := r.store.DeleteCommunity(ctx, r.id); err != nil {
			logger.Errorf("delete community %s: %v", r.id, err)
			wireErr = proto.ErrInternal
		}
	})
	if err != proto.ErrNone {
		return err
	}
	if wireErr == proto.ErrNone {
		r.shutdown()
	}
	return wireErr
}

func (r *Router) shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Hub starts and hands out community routers.
type Hub struct {
	mu       sync.Mutex
	routers  map[proto.CommunityID]*Router
	store    store.Store
	registry *Registry
}

func NewHub(st store.Store, reg *Registry) *Hub {
	return &Hub{
		routers:  make(map[proto.CommunityID]*Router),
		store:    st,
		registry: reg,
	}
}

// Get returns the router for a community, starting it from storage on
// first use. Unknown communities come back as ErrInvalidCommunity.
func (h *Hub) Get(ctx context.Context, id proto.CommunityID) (*Router, proto.ErrResponse) {
	h.mu.Lock()
	r, ok := h.routers[id]
	h.mu.Unlock()
	if ok {
		select {
		case <-r.stop:
			// Deleted since. Fall through to a fresh lookup, which
			// will fail against storage.
			h.mu.Lock()
			delete(h.routers, id)
			h.mu.Unlock()
		default:
			return r, proto.ErrNone
		}
	}

	if _, err := h.store.Community(ctx, id); err != nil {
		return nil, proto.ErrInvalidCommunity
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.routers[id]; ok {
		return r, proto.ErrNone
	}
	r, err := newRouter(ctx, id, h.store, h.registry)
	if err != nil {
		logger.Errorf("start router for %s: %v", id, err)
		return nil, proto.ErrInternal
	}
	h.routers[id] = r
	return r, proto.ErrNone
}

// Create makes a new community with its creator as the one member.
func (h *Hub) Create(ctx context.Context, creator proto.UserID, name string) (proto.CommunityStructure, proto.ErrResponse) {
	id := proto.NewID()
	rec := store.CommunityRecord{
		ID:        id,
		Name:      name,
		CreatedBy: creator,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateCommunity(ctx, rec); err != nil {
		logger.Errorf("create community: %v", err)
		return proto.CommunityStructure{}, proto.ErrInternal
	}
	if err := h.store.AddMember(ctx, creator, id); err != nil {
		logger.Errorf("add creator to %s: %v", id, err)
		return proto.CommunityStructure{}, proto.ErrInternal
	}

	r, wireErr := h.Get(ctx, id)
	if wireErr != proto.ErrNone {
		return proto.CommunityStructure{}, wireErr
	}
	return r.Structure(ctx, creator)
}

// Remove forgets a stopped router.
func (h *Hub) Remove(id proto.CommunityID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routers, id)
}

// Shutdown stops every router.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.routers {
		r.shutdown()
		delete(h.routers, id)
	}
}

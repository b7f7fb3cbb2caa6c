package chat

import (
	"context"
	"sync"
	"testing"

	"commune/service/proto"
	"commune/service/store"
)

type fakeSink struct {
	mu     sync.Mutex
	msgs   []proto.ServerMessage
	kicked bool
}

func (f *fakeSink) Deliver(m proto.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeSink) Kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = true
}

func (f *fakeSink) count(match func(proto.ServerEvent) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Event != nil && match(m.Event) {
			n++
		}
	}
	return n
}

func isAddMessage(ev proto.ServerEvent) bool {
	_, ok := ev.(proto.AddMessageEvent)
	return ok
}

func isNotify(ev proto.ServerEvent) bool {
	_, ok := ev.(proto.NotifyMessageReadyEvent)
	return ok
}

func newTestRegistry(t *testing.T) (*Registry, proto.UserID) {
	t.Helper()
	reg := NewRegistry(store.NewMemory())
	return reg, proto.NewID()
}

func activate(t *testing.T, reg *Registry, user proto.UserID) (proto.DeviceID, *fakeSink) {
	t.Helper()
	device := proto.NewID()
	sink := &fakeSink{}
	if err := reg.Activate(context.Background(), user, device, sink); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return device, sink
}

func addMsg(community proto.CommunityID, room proto.RoomID) proto.AddMessageEvent {
	return proto.AddMessageEvent{
		Community: community,
		Room:      room,
		Message:   proto.Message{ID: proto.NewID(), Author: proto.NewID(), Content: "x"},
	}
}

func TestLookingDeviceGetsFullMessage(t *testing.T) {
	reg, user := newTestRegistry(t)
	community, room := proto.NewID(), proto.NewID()

	looking, lookingSink := activate(t, reg, user)
	_, idleSink := activate(t, reg, user)
	reg.SetLookingAt(user, looking, &proto.RoomTarget{Community: community, Room: room})

	online, caughtUp := reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if !online || caughtUp {
		t.Fatalf("online=%v caughtUp=%v, want true false", online, caughtUp)
	}

	if n := lookingSink.count(isAddMessage); n != 1 {
		t.Errorf("looking device got %d full messages, want 1", n)
	}
	if n := idleSink.count(isAddMessage); n != 0 {
		t.Errorf("idle device got %d full messages, want 0", n)
	}
	// The delivery decision is per device: one device having the room
	// open does not silence the others, so the idle device still gets
	// its one notification and the room flips to unread.
	if n := idleSink.count(isNotify); n != 1 {
		t.Errorf("idle device got %d notifications, want 1", n)
	}
	if n := lookingSink.count(isNotify); n != 0 {
		t.Errorf("looking device got %d notifications, want 0", n)
	}

	// Still just one per unread period.
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if n := idleSink.count(isNotify); n != 1 {
		t.Errorf("idle device got %d notifications after a second message, want 1", n)
	}
}

func TestSendingDeviceExcludedFromDelivery(t *testing.T) {
	reg, user := newTestRegistry(t)
	community, room := proto.NewID(), proto.NewID()

	sender, senderSink := activate(t, reg, user)

	online, caughtUp := reg.DeliverNewMessage(user, sender, community, room, addMsg(community, room))
	if !online || !caughtUp {
		t.Fatalf("online=%v caughtUp=%v, want true true", online, caughtUp)
	}
	if n := senderSink.count(isAddMessage) + senderSink.count(isNotify); n != 0 {
		t.Errorf("sending device got %d events for its own message, want 0", n)
	}

	// Another idle device of the author is a normal recipient.
	_, otherSink := activate(t, reg, user)
	online, caughtUp = reg.DeliverNewMessage(user, sender, community, room, addMsg(community, room))
	if !online || caughtUp {
		t.Fatalf("with a second device: online=%v caughtUp=%v, want true false", online, caughtUp)
	}
	if n := otherSink.count(isNotify); n != 1 {
		t.Errorf("author's other device got %d notifications, want 1", n)
	}
	if n := senderSink.count(isAddMessage) + senderSink.count(isNotify); n != 0 {
		t.Errorf("sending device got %d events, want 0", n)
	}
}

func TestNotifyOncePerUnreadPeriod(t *testing.T) {
	reg, user := newTestRegistry(t)
	community, room := proto.NewID(), proto.NewID()
	_, sink := activate(t, reg, user)

	for i := 0; i < 3; i++ {
		reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	}
	if n := sink.count(isNotify); n != 1 {
		t.Fatalf("got %d notifications for one unread period, want 1", n)
	}
	if n := sink.count(isAddMessage); n != 0 {
		t.Errorf("idle device got %d full messages, want 0", n)
	}

	// Reading the room opens a new unread period with its own single
	// notification.
	reg.MarkRead(user, room)
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if n := sink.count(isNotify); n != 2 {
		t.Errorf("got %d notifications across two unread periods, want 2", n)
	}
}

func TestWatchingUserGetsFullMessagesEverywhere(t *testing.T) {
	reg, user := newTestRegistry(t)
	community, room := proto.NewID(), proto.NewID()
	_, sink1 := activate(t, reg, user)
	_, sink2 := activate(t, reg, user)
	reg.SetWatchLevel(user, room, proto.Watching)

	_, caughtUp := reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))

	for i, sink := range []*fakeSink{sink1, sink2} {
		if n := sink.count(isAddMessage); n != 2 {
			t.Errorf("device %d got %d full messages, want 2", i, n)
		}
	}
	// Full content arrived everywhere, so there is nothing undelivered:
	// no ping, and the room does not flip to unread.
	if n := sink1.count(isNotify) + sink2.count(isNotify); n != 0 {
		t.Errorf("watching devices got %d notifications, want 0", n)
	}
	if !caughtUp {
		t.Error("watching user not reported caught up")
	}
}

func TestOfflineUserDeliversNothing(t *testing.T) {
	reg, user := newTestRegistry(t)
	community, room := proto.NewID(), proto.NewID()

	online, caughtUp := reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if online || caughtUp {
		t.Errorf("offline user reported online=%v caughtUp=%v", online, caughtUp)
	}
}

func TestActivateSameDeviceConflicts(t *testing.T) {
	reg, user := newTestRegistry(t)
	device := proto.NewID()
	first := &fakeSink{}
	second := &fakeSink{}

	if err := reg.Activate(context.Background(), user, device, first); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(context.Background(), user, device, second); err != ErrDeviceActive {
		t.Fatalf("second activation: err = %v, want device conflict", err)
	}
	if first.kicked {
		t.Error("holding session was kicked by the refused one")
	}

	// The first session keeps receiving; after it leaves the device is
	// free again.
	community, room := proto.NewID(), proto.NewID()
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if n := first.count(isNotify); n != 1 {
		t.Errorf("holding session got %d notifications, want 1", n)
	}

	reg.Deregister(user, device)
	if err := reg.Activate(context.Background(), user, device, second); err != nil {
		t.Fatalf("activation after deregister: %v", err)
	}
}

func TestForceLogoutKicksEverySession(t *testing.T) {
	reg, user := newTestRegistry(t)
	_, s1 := activate(t, reg, user)
	_, s2 := activate(t, reg, user)

	reg.ForceLogout(user)
	if !s1.kicked || !s2.kicked {
		t.Errorf("kicked = %v/%v, want both", s1.kicked, s2.kicked)
	}
	if reg.IsOnline(user) {
		t.Error("user still online after force logout")
	}
}

func TestDeregisterDropsVolatileState(t *testing.T) {
	reg, user := newTestRegistry(t)
	device, _ := activate(t, reg, user)
	room := proto.NewID()
	reg.SetWatchLevel(user, room, proto.Watching)

	reg.Deregister(user, device)
	if reg.IsOnline(user) {
		t.Fatal("user online after last deregister")
	}

	// A fresh session starts from persisted state, which has nothing.
	_, sink := activate(t, reg, user)
	community := proto.NewID()
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if n := sink.count(isAddMessage); n != 0 {
		t.Errorf("watch level survived full logout: %d full messages", n)
	}
}

func TestActivateLoadsPersistedState(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	reg := NewRegistry(mem)

	user := proto.NewID()
	community, room := proto.NewID(), proto.NewID()
	if err := mem.CreateUser(ctx, store.UserRecord{ID: user, Username: "u"}); err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateCommunity(ctx, store.CommunityRecord{ID: community}); err != nil {
		t.Fatal(err)
	}
	if err := mem.AddMember(ctx, user, community); err != nil {
		t.Fatal(err)
	}
	if err := mem.InitRoomState(ctx, store.RoomState{
		User: user, Community: community, Room: room,
		WatchLevel: proto.Watching, Unread: true,
	}); err != nil {
		t.Fatal(err)
	}

	device := proto.NewID()
	sink := &fakeSink{}
	if err := reg.Activate(ctx, user, device, sink); err != nil {
		t.Fatal(err)
	}

	// Watching was persisted, so the message arrives in full; the room
	// was already unread, so no notification fires.
	reg.DeliverNewMessage(user, proto.NilID, community, room, addMsg(community, room))
	if n := sink.count(isAddMessage); n != 1 {
		t.Errorf("persisted watch level not loaded: %d full messages, want 1", n)
	}
	if n := sink.count(isNotify); n != 0 {
		t.Errorf("persisted unread flag not loaded: %d notifications, want 0", n)
	}
}

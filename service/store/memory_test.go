package store

import (
	"context"
	"testing"
	"time"

	"commune/service/proto"
)

func newTestUser(username string) UserRecord {
	return UserRecord{
		ID:          proto.NewID(),
		Username:    username,
		DisplayName: username,
		CreatedAt:   time.Now(),
	}
}

func TestUsernameUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.CreateUser(ctx, newTestUser("alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateUser(ctx, newTestUser("Alice")); err != ErrUsernameTaken {
		t.Errorf("case-insensitive duplicate: err = %v, want ErrUsernameTaken", err)
	}

	bob := newTestUser("bob")
	if err := m.CreateUser(ctx, bob); err != nil {
		t.Fatalf("create bob: %v", err)
	}
	if err := m.ChangeUsername(ctx, bob.ID, "ALICE"); err != ErrUsernameTaken {
		t.Errorf("rename onto taken name: err = %v, want ErrUsernameTaken", err)
	}
	// Renaming to your own name in a different case is allowed.
	if err := m.ChangeUsername(ctx, bob.ID, "Bob"); err != nil {
		t.Errorf("rename to own name: %v", err)
	}
}

func TestChangeUsernameBumpsProfileVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := newTestUser("carol")
	if err := m.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	if err := m.ChangeUsername(ctx, u.ID, "caroline"); err != nil {
		t.Fatal(err)
	}
	got, err := m.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProfileVersion != u.ProfileVersion+1 {
		t.Errorf("profile version = %d, want %d", got.ProfileVersion, u.ProfileVersion+1)
	}
	if _, err := m.UserByName(ctx, "carol"); err != ErrUserNotFound {
		t.Errorf("old name still resolves: err = %v", err)
	}
	if _, err := m.UserByName(ctx, "caroline"); err != nil {
		t.Errorf("new name does not resolve: %v", err)
	}
}

func TestMembership(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u := newTestUser("dave")
	if err := m.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	c := CommunityRecord{ID: proto.NewID(), Name: "test", CreatedBy: u.ID, CreatedAt: time.Now()}
	if err := m.CreateCommunity(ctx, c); err != nil {
		t.Fatal(err)
	}

	if err := m.AddMember(ctx, u.ID, c.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := m.AddMember(ctx, u.ID, c.ID); err != ErrAlreadyMember {
		t.Errorf("double add: err = %v, want ErrAlreadyMember", err)
	}

	communities, err := m.CommunitiesOf(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(communities) != 1 || communities[0].ID != c.ID {
		t.Errorf("communities of user = %+v", communities)
	}

	if err := m.RemoveMember(ctx, u.ID, c.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := m.RemoveMember(ctx, u.ID, c.ID); err != ErrNotMember {
		t.Errorf("double remove: err = %v, want ErrNotMember", err)
	}
}

func TestAppendMessageAssignsIncreasingOrdinals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := CommunityRecord{ID: proto.NewID(), CreatedAt: time.Now()}
	if err := m.CreateCommunity(ctx, c); err != nil {
		t.Fatal(err)
	}
	r := RoomRecord{ID: proto.NewID(), Community: c.ID, Name: "general", CreatedAt: time.Now()}
	if err := m.CreateRoom(ctx, r); err != nil {
		t.Fatal(err)
	}

	var last int64
	for i := 0; i < 10; i++ {
		msg, err := m.AppendMessage(ctx, MessageRecord{
			ID: proto.NewID(), Community: c.ID, Room: r.ID, Content: "m",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.Ordinal <= last {
			t.Fatalf("ordinal %d not greater than previous %d", msg.Ordinal, last)
		}
		last = msg.Ordinal
	}
}

func TestMessageHistorySelectors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := CommunityRecord{ID: proto.NewID(), CreatedAt: time.Now()}
	if err := m.CreateCommunity(ctx, c); err != nil {
		t.Fatal(err)
	}
	r := RoomRecord{ID: proto.NewID(), Community: c.ID, Name: "general", CreatedAt: time.Now()}
	if err := m.CreateRoom(ctx, r); err != nil {
		t.Fatal(err)
	}

	sent := make([]proto.MessageID, 0, 5)
	for i := 0; i < 5; i++ {
		msg, err := m.AppendMessage(ctx, MessageRecord{ID: proto.NewID(), Community: c.ID, Room: r.ID})
		if err != nil {
			t.Fatal(err)
		}
		sent = append(sent, msg.ID)
	}

	// Newest two with no reference.
	got, err := m.Messages(ctx, c.ID, r.ID, MessageQuery{Dir: "before", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != sent[3] || got[1].ID != sent[4] {
		t.Errorf("newest two: %v", idsOf(got))
	}

	// Strictly before the third.
	got, err = m.Messages(ctx, c.ID, r.ID, MessageQuery{Dir: "before", Reference: &sent[2], Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != sent[0] || got[1].ID != sent[1] {
		t.Errorf("before third: %v", idsOf(got))
	}

	// After the third, inclusive.
	got, err = m.Messages(ctx, c.ID, r.ID, MessageQuery{Dir: "after", Reference: &sent[2], Inclusive: true, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != sent[2] {
		t.Errorf("after third inclusive: %v", idsOf(got))
	}

	// Unknown reference.
	missing := proto.NewID()
	if _, err := m.Messages(ctx, c.ID, r.ID, MessageQuery{Dir: "before", Reference: &missing}); err != ErrMessageNotFound {
		t.Errorf("missing reference: err = %v, want ErrMessageNotFound", err)
	}
}

func idsOf(msgs []MessageRecord) []proto.MessageID {
	out := make([]proto.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestDeleteBlanksContent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := CommunityRecord{ID: proto.NewID(), CreatedAt: time.Now()}
	if err := m.CreateCommunity(ctx, c); err != nil {
		t.Fatal(err)
	}
	r := RoomRecord{ID: proto.NewID(), Community: c.ID, CreatedAt: time.Now()}
	if err := m.CreateRoom(ctx, r); err != nil {
		t.Fatal(err)
	}
	msg, err := m.AppendMessage(ctx, MessageRecord{ID: proto.NewID(), Community: c.ID, Room: r.ID, Content: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.MessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || got.Content != "" {
		t.Errorf("deleted message kept content: %+v", got)
	}
}

func TestInviteLimitAndExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	c := CommunityRecord{ID: proto.NewID(), CreatedAt: time.Now()}
	if err := m.CreateCommunity(ctx, c); err != nil {
		t.Fatal(err)
	}

	if err := m.CreateInvite(ctx, InviteRecord{Code: "aaaa", Community: c.ID}, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateInvite(ctx, InviteRecord{Code: "bbbb", Community: c.ID}, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateInvite(ctx, InviteRecord{Code: "cccc", Community: c.ID}, 2); err != ErrTooManyInvites {
		t.Errorf("over limit: err = %v, want ErrTooManyInvites", err)
	}

	past := time.Now().Add(-time.Hour)
	if err := m.CreateInvite(ctx, InviteRecord{Code: "dddd", Community: c.ID, ExpiresAt: &past}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CommunityByInvite(ctx, "dddd"); err != ErrInviteNotFound {
		t.Errorf("expired invite: err = %v, want ErrInviteNotFound", err)
	}
	if got, err := m.CommunityByInvite(ctx, "aaaa"); err != nil || got != c.ID {
		t.Errorf("valid invite: %v %v", got, err)
	}
}

func TestRoomStateLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := proto.NewID()
	community := proto.NewID()
	room := proto.NewID()

	s := RoomState{User: user, Community: community, Room: room, Unread: true}
	if err := m.InitRoomState(ctx, s); err != nil {
		t.Fatal(err)
	}
	// Second init must not clobber.
	if err := m.InitRoomState(ctx, RoomState{User: user, Community: community, Room: room, Unread: false}); err != nil {
		t.Fatal(err)
	}
	states, err := m.RoomStates(ctx, user, community)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || !states[0].Unread {
		t.Fatalf("init clobbered state: %+v", states)
	}

	last := proto.NewID()
	if err := m.SetRoomRead(ctx, user, room, last); err != nil {
		t.Fatal(err)
	}
	if err := m.SetWatchLevel(ctx, user, room, proto.Watching); err != nil {
		t.Fatal(err)
	}
	states, _ = m.RoomStates(ctx, user, community)
	if states[0].Unread || states[0].LastRead != last || states[0].WatchLevel != proto.Watching {
		t.Errorf("state after updates: %+v", states[0])
	}
}

func TestTokenRevocation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := proto.NewID()

	d1, d2 := proto.NewID(), proto.NewID()
	for _, d := range []proto.DeviceID{d1, d2} {
		if err := m.CreateToken(ctx, TokenRecord{Device: d, User: user, LastUsed: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.RevokeTokensFor(ctx, user); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Token(ctx, d1); err != ErrTokenNotFound {
		t.Errorf("token survived revoke-all: %v", err)
	}
	if _, err := m.Token(ctx, d2); err != ErrTokenNotFound {
		t.Errorf("token survived revoke-all: %v", err)
	}
}

func TestReports(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.FileReport(ctx, ReportRecord{Reporter: proto.NewID(), Reported: proto.NewID(), ShortDesc: "spam"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetReportStatus(ctx, id, proto.ReportAccepted); err != nil {
		t.Fatal(err)
	}
	reports, err := m.ListReports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Status != proto.ReportAccepted {
		t.Errorf("reports = %+v", reports)
	}
	if err := m.SetReportStatus(ctx, 999, proto.ReportDenied); err != ErrReportNotFound {
		t.Errorf("unknown report: err = %v, want ErrReportNotFound", err)
	}
}

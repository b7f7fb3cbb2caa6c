package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"commune/global"
	"commune/service/auth"
	"commune/service/proto"
	"commune/service/store"
)

// startServer brings up the full stack on a test listener and returns
// a websocket URL plus the services to provision accounts with.
func startServer(t *testing.T) (string, *auth.Service, *world) {
	t.Helper()
	global.Config.JWTSecret = "integration test secret"

	w := newWorld(t)
	authSvc := auth.New(w.store)
	deps := &Deps{
		Store:    w.store,
		Auth:     authSvc,
		Registry: w.registry,
		Hub:      w.hub,
	}
	srv := NewServer(deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return wsURL, authSvc, w
}

func provision(t *testing.T, authSvc *auth.Service, username string) (proto.UserID, proto.DeviceID, string) {
	t.Helper()
	ctx := context.Background()
	user, err := authSvc.Register(ctx, username, username, "integration password")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	device, token, err := authSvc.IssueToken(ctx, user.ID, "test", proto.PermAll)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user.ID, device, token
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func awaitEvent(t *testing.T, c *Client, match func(proto.ServerEvent) bool) proto.ServerEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEndToEndSession(t *testing.T) {
	url, authSvc, _ := startServer(t)
	ctx := context.Background()

	_, device, token := provision(t, authSvc, "e2e_alice")
	c := dial(t, url)

	if err := c.Authenticate(ctx, device, token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	ev := awaitEvent(t, c, func(ev proto.ServerEvent) bool {
		_, ok := ev.(proto.ClientReadyEvent)
		return ok
	})
	ready := ev.(proto.ClientReadyEvent).Ready
	if ready.Profile.Username != "e2e_alice" {
		t.Errorf("ready profile: %+v", ready.Profile)
	}
	if len(ready.Communities) != 0 {
		t.Errorf("fresh user has communities: %+v", ready.Communities)
	}

	// Build a community with a room and talk into it.
	ok, err := c.Call(ctx, proto.CreateCommunity{Name: "end to end"})
	if err != nil {
		t.Fatalf("create community: %v", err)
	}
	community := ok.(proto.AddCommunityResponse).Community.ID

	ok, err = c.Call(ctx, proto.CreateRoom{Community: community, Name: "general"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	room := ok.(proto.AddRoomResponse).Room.ID

	ok, err = c.Call(ctx, proto.SendMessage{Community: community, Room: room, Content: "hello world"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	conf := ok.(proto.ConfirmMessage).Confirmation
	if conf.ID.IsNil() {
		t.Error("confirmation without message id")
	}

	ok, err = c.Call(ctx, proto.GetMessages{
		Community: community,
		Room:      room,
		Selector:  proto.MessageSelector{Dir: "before", Reference: conf.ID, Inclusive: true},
		Count:     10,
	})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	history := ok.(proto.MessageHistoryResponse).History
	if len(history.Messages) != 1 || history.Messages[0].Content != "hello world" {
		t.Errorf("history: %+v", history.Messages)
	}
}

func TestSecondDeviceSeesFanout(t *testing.T) {
	url, authSvc, _ := startServer(t)
	ctx := context.Background()

	user, device, token := provision(t, authSvc, "e2e_bob")
	phone, phoneToken, err := authSvc.IssueToken(ctx, user, "phone", proto.PermAll)
	if err != nil {
		t.Fatal(err)
	}

	laptop := dial(t, url)
	if err := laptop.Authenticate(ctx, device, token); err != nil {
		t.Fatalf("laptop authenticate: %v", err)
	}
	ok, err := laptop.Call(ctx, proto.CreateCommunity{Name: "fanout"})
	if err != nil {
		t.Fatal(err)
	}
	community := ok.(proto.AddCommunityResponse).Community.ID
	ok, err = laptop.Call(ctx, proto.CreateRoom{Community: community, Name: "general"})
	if err != nil {
		t.Fatal(err)
	}
	room := ok.(proto.AddRoomResponse).Room.ID

	second := dial(t, url)
	if err := second.Authenticate(ctx, phone, phoneToken); err != nil {
		t.Fatalf("phone authenticate: %v", err)
	}
	if _, err := second.Call(ctx, proto.SetLookingAt{
		Target: &proto.RoomTarget{Community: community, Room: room},
	}); err != nil {
		t.Fatalf("set looking at: %v", err)
	}

	if _, err := laptop.Call(ctx, proto.SendMessage{
		Community: community, Room: room, Content: "to my other screen",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := awaitEvent(t, second, func(ev proto.ServerEvent) bool {
		_, ok := ev.(proto.AddMessageEvent)
		return ok
	})
	got := ev.(proto.AddMessageEvent)
	if got.Message.Content != "to my other screen" || got.Room != room {
		t.Errorf("fanout event: %+v", got)
	}
}

func TestUnauthenticatedRequestsRefused(t *testing.T) {
	url, _, _ := startServer(t)
	ctx := context.Background()

	c := dial(t, url)
	_, err := c.Call(ctx, proto.CreateCommunity{Name: "nope"})
	if err != proto.ErrAccessDenied {
		t.Errorf("pre-auth request: err = %v, want access_denied", err)
	}
}

func TestBadTokenRefused(t *testing.T) {
	url, authSvc, _ := startServer(t)
	ctx := context.Background()

	_, device, token := provision(t, authSvc, "e2e_carol")
	c := dial(t, url)
	err := c.Authenticate(ctx, device, token+"tampered")
	if err != proto.ErrIncorrectCredentials {
		t.Errorf("tampered token: err = %v, want incorrect credentials", err)
	}
}

func TestUnauthenticatedConnectionTimesOut(t *testing.T) {
	oldInterval, oldTimeout := global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS
	global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS = 50, 200
	t.Cleanup(func() {
		global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS = oldInterval, oldTimeout
	})

	url, _, _ := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// Never authenticate, never pong: the server hangs up after one
	// heartbeat window.
	conn.SetPingHandler(func(string) error { return nil })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("idle unauthenticated connection was not closed")
	}
}

func TestHeartbeatTimeoutEvictsActiveSession(t *testing.T) {
	oldInterval, oldTimeout := global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS
	global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS = 50, 200
	t.Cleanup(func() {
		global.Config.HeartbeatIntervalMS, global.Config.HeartbeatTimeoutMS = oldInterval, oldTimeout
	})

	url, authSvc, w := startServer(t)
	user, device, token := provision(t, authSvc, "e2e_frank")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// Authenticate, then never pong again.
	conn.SetPingHandler(func(string) error { return nil })
	raw, err := proto.EncodeClientMessage(proto.ClientMessage{
		ID:      1,
		Request: proto.Authenticate{Device: device, Token: token},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("silent authenticated connection was not closed")
	}

	// The dead session must also be gone from the registry.
	deadline := time.Now().Add(3 * time.Second)
	for w.registry.IsOnline(user) {
		if time.Now().After(deadline) {
			t.Fatal("user still online after heartbeat timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAdminDeletesCommunity(t *testing.T) {
	url, authSvc, w := startServer(t)
	ctx := context.Background()

	user, device, token := provision(t, authSvc, "e2e_grace")
	if err := w.store.SetAdminPermissions(ctx, user, proto.AdminAll); err != nil {
		t.Fatal(err)
	}

	c := dial(t, url)
	if err := c.Authenticate(ctx, device, token); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Call(ctx, proto.CreateCommunity{Name: "short lived"})
	if err != nil {
		t.Fatal(err)
	}
	community := ok.(proto.AddCommunityResponse).Community.ID

	if _, err := c.Call(ctx, proto.AdminAction{
		Kind:      proto.AdminKindDeleteCommunity,
		Community: community,
	}); err != nil {
		t.Fatalf("delete community: %v", err)
	}

	ev := awaitEvent(t, c, func(ev proto.ServerEvent) bool {
		rc, ok := ev.(proto.RemoveCommunityEvent)
		return ok && rc.ID == community
	})
	if rc := ev.(proto.RemoveCommunityEvent); rc.Reason != "deleted" {
		t.Errorf("remove reason: %q", rc.Reason)
	}
	if _, err := w.store.Community(ctx, community); err != store.ErrCommunityNotFound {
		t.Errorf("community survived delete: %v", err)
	}
}

func TestSecondLoginOnSameDeviceRefused(t *testing.T) {
	url, authSvc, _ := startServer(t)
	ctx := context.Background()

	_, device, token := provision(t, authSvc, "e2e_erin")
	c1 := dial(t, url)
	if err := c1.Authenticate(ctx, device, token); err != nil {
		t.Fatal(err)
	}

	c2 := dial(t, url)
	err := c2.Authenticate(ctx, device, token)
	if err != proto.ErrTokenInUse {
		t.Errorf("second login: err = %v, want token_in_use", err)
	}
}

func TestLogOutTerminatesAndRevokes(t *testing.T) {
	url, authSvc, w := startServer(t)
	ctx := context.Background()

	_, device, token := provision(t, authSvc, "e2e_dave")
	c := dial(t, url)
	if err := c.Authenticate(ctx, device, token); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(ctx, proto.LogOut{}); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if _, err := w.store.Token(ctx, device); err != store.ErrTokenNotFound {
		t.Errorf("token survived logout: %v", err)
	}

	// The same token is dead for new connections.
	c2 := dial(t, url)
	err := c2.Authenticate(ctx, device, token)
	if err != proto.ErrDeviceDoesNotExist {
		t.Errorf("re-auth after logout: err = %v, want device_does_not_exist", err)
	}
}

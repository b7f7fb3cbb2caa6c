package auth

import (
	"context"
	"testing"
	"time"

	"commune/service/proto"
	"commune/service/store"
)

const testPassword = "a long enough password"

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	s := New(mem)
	s.Opts.Secret = []byte("test secret")
	return s, mem
}

func registerAndLogin(t *testing.T, s *Service) (store.UserRecord, proto.DeviceID, string) {
	t.Helper()
	ctx := context.Background()
	user, err := s.Register(ctx, "alice", "Alice", testPassword)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	device, token, err := s.IssueToken(ctx, user.ID, "laptop", proto.PermAll)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, device, token
}

func TestAuthenticateHappyPath(t *testing.T) {
	s, _ := newService(t)
	user, device, token := registerAndLogin(t, s)

	got, rec, err := s.Authenticate(context.Background(), device, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != user.ID || rec.Device != device {
		t.Errorf("authenticated as %v on %v", got.ID, rec.Device)
	}
}

func TestAuthenticateRefusals(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, err error, want Reason) {
		t.Helper()
		ae, ok := err.(*Error)
		if !ok {
			t.Fatalf("err = %v, want *Error", err)
		}
		if ae.Reason != want {
			t.Errorf("reason = %v, want %v", ae.Reason, want)
		}
	}

	t.Run("revoked device", func(t *testing.T) {
		s, _ := newService(t)
		_, device, token := registerAndLogin(t, s)
		if err := s.RevokeToken(ctx, device); err != nil {
			t.Fatal(err)
		}
		_, _, err := s.Authenticate(ctx, device, token)
		check(t, err, ReasonDeviceMissing)
	})

	t.Run("tampered token", func(t *testing.T) {
		s, _ := newService(t)
		_, device, token := registerAndLogin(t, s)
		_, _, err := s.Authenticate(ctx, device, token+"x")
		check(t, err, ReasonInvalidToken)
	})

	t.Run("token for the wrong device", func(t *testing.T) {
		s, _ := newService(t)
		user, _, _ := registerAndLogin(t, s)
		_, phoneToken, err := s.IssueToken(ctx, user.ID, "phone", proto.PermAll)
		if err != nil {
			t.Fatal(err)
		}
		laptop, _, err := s.IssueToken(ctx, user.ID, "laptop2", proto.PermAll)
		if err != nil {
			t.Fatal(err)
		}
		// Phone's token presented against laptop's device id.
		_, _, authErr := s.Authenticate(ctx, laptop, phoneToken)
		check(t, authErr, ReasonInvalidToken)
	})

	t.Run("stale token", func(t *testing.T) {
		s, mem := newService(t)
		user, device, token := registerAndLogin(t, s)
		_ = user
		rec, err := mem.Token(ctx, device)
		if err != nil {
			t.Fatal(err)
		}
		rec.LastUsed = time.Now().Add(-30 * 24 * time.Hour)
		if err := mem.CreateToken(ctx, rec); err != nil {
			t.Fatal(err)
		}
		_, _, authErr := s.Authenticate(ctx, device, token)
		check(t, authErr, ReasonStale)
	})

	t.Run("banned user", func(t *testing.T) {
		s, mem := newService(t)
		user, device, token := registerAndLogin(t, s)
		if err := mem.SetBanned(ctx, user.ID, true); err != nil {
			t.Fatal(err)
		}
		_, _, authErr := s.Authenticate(ctx, device, token)
		check(t, authErr, ReasonBanned)
	})

	t.Run("compromised account", func(t *testing.T) {
		s, mem := newService(t)
		user, device, token := registerAndLogin(t, s)
		if err := mem.SetCompromised(ctx, user.ID, true); err != nil {
			t.Fatal(err)
		}
		_, _, authErr := s.Authenticate(ctx, device, token)
		check(t, authErr, ReasonCompromised)
	})
}

func TestLoginUnlocksLockedAccount(t *testing.T) {
	s, mem := newService(t)
	ctx := context.Background()
	user, _, _ := registerAndLogin(t, s)

	if err := mem.SetLocked(ctx, user.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := s.Login(ctx, "alice", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.Locked {
		t.Error("login did not clear the lock")
	}
	fresh, _ := mem.UserByID(ctx, user.ID)
	if fresh.Locked {
		t.Error("lock still set in store")
	}
}

func TestLoginRefusesBadPassword(t *testing.T) {
	s, _ := newService(t)
	registerAndLogin(t, s)

	_, err := s.Login(context.Background(), "alice", "wrong password!")
	ae, ok := err.(*Error)
	if !ok || ae.Reason != ReasonBadCredentials {
		t.Errorf("err = %v, want bad credentials", err)
	}
}

func TestChangePasswordRevokesTokens(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	user, device, token := registerAndLogin(t, s)

	if err := s.ChangePassword(ctx, user.ID, testPassword, "another long password"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	_, _, err := s.Authenticate(ctx, device, token)
	ae, ok := err.(*Error)
	if !ok || ae.Reason != ReasonDeviceMissing {
		t.Errorf("old token after password change: err = %v, want device missing", err)
	}
	if _, err := s.Login(ctx, "alice", "another long password"); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if _, err := s.Login(ctx, "alice", testPassword); err == nil {
		t.Error("old password still works")
	}
}

func TestChangePasswordClearsCompromisedFlag(t *testing.T) {
	s, mem := newService(t)
	ctx := context.Background()
	user, _, _ := registerAndLogin(t, s)

	if err := mem.SetCompromised(ctx, user.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := s.ChangePassword(ctx, user.ID, testPassword, "another long password"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	fresh, err := mem.UserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Compromised {
		t.Error("compromised flag survived password change")
	}

	// A fresh token on the recovered account works again.
	device, token, err := s.IssueToken(ctx, user.ID, "laptop", proto.PermAll)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Authenticate(ctx, device, token); err != nil {
		t.Errorf("authenticate after recovery: %v", err)
	}
}

func TestValidation(t *testing.T) {
	if ValidUsername("has spaces") {
		t.Error("username with spaces accepted")
	}
	if ValidUsername("") {
		t.Error("empty username accepted")
	}
	if !ValidUsername("alice-2.bak_1") {
		t.Error("reasonable username rejected")
	}
	if ValidPassword("short") {
		t.Error("short password accepted")
	}
}

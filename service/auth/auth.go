package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"commune/global"
	"commune/logger"
	"commune/service/proto"
	"commune/service/store"
	"commune/tools/security"
)

// Reason classifies an authentication refusal. Sessions translate it
// to the wire error; the HTTP layer to a status code.
type Reason int

const (
	ReasonInvalidToken Reason = iota + 1 // bad signature, expired, or hash mismatch
	ReasonDeviceMissing                  // no token record: revoked or never issued
	ReasonStale                          // unused for longer than the stale window
	ReasonUserDeleted
	ReasonBanned
	ReasonLocked
	ReasonCompromised
	ReasonBadCredentials // wrong username or password
)

type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonInvalidToken:
		return "auth: invalid token"
	case ReasonDeviceMissing:
		return "auth: device does not exist"
	case ReasonStale:
		return "auth: stale token"
	case ReasonUserDeleted:
		return "auth: user deleted"
	case ReasonBanned:
		return "auth: user banned"
	case ReasonLocked:
		return "auth: account locked"
	case ReasonCompromised:
		return "auth: account compromised"
	case ReasonBadCredentials:
		return "auth: incorrect credentials"
	}
	return "auth: refused"
}

// Wire maps a refusal to the protocol error the client sees. Locked,
// banned and compromised accounts all read as access denied; the
// distinction is server-side only.
func (e *Error) Wire() proto.ErrResponse {
	switch e.Reason {
	case ReasonDeviceMissing:
		return proto.ErrDeviceDoesNotExist
	case ReasonUserDeleted:
		return proto.ErrUserDeleted
	case ReasonBanned, ReasonLocked, ReasonCompromised:
		return proto.ErrAccessDenied
	default:
		return proto.ErrIncorrectCredentials
	}
}

func refuse(r Reason) *Error { return &Error{Reason: r} }

// Service authenticates devices and manages accounts and tokens.
type Service struct {
	Store store.Store
	Opts  security.Options
}

func New(st store.Store) *Service {
	return &Service{
		Store: st,
		Opts:  security.DefaultOptions([]byte(global.Config.JWTSecret)),
	}
}

// Authenticate validates a device token end to end: record present,
// signature and hash good, not stale, account still in good standing.
// On success the token's last-used time is refreshed.
func (s *Service) Authenticate(ctx context.Context, device proto.DeviceID, token string) (store.UserRecord, store.TokenRecord, error) {
	rec, err := s.Store.Token(ctx, device)
	if err == store.ErrTokenNotFound {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonDeviceMissing)
	}
	if err != nil {
		return store.UserRecord{}, store.TokenRecord{}, err
	}

	claims, err := security.Verify(s.Opts, token, rec.TokenHash)
	if err != nil {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonInvalidToken)
	}
	if claims.DeviceID != device.String() || claims.UserID != rec.User.String() {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonInvalidToken)
	}

	if stale := s.staleWindow(); stale > 0 && time.Since(rec.LastUsed) > stale {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonStale)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonInvalidToken)
	}

	user, err := s.Store.UserByID(ctx, rec.User)
	if err == store.ErrUserNotFound {
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonUserDeleted)
	}
	if err != nil {
		return store.UserRecord{}, store.TokenRecord{}, err
	}
	switch {
	case user.Banned:
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonBanned)
	case user.Locked:
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonLocked)
	case user.Compromised:
		// Stays refused until a password change clears the flag.
		return store.UserRecord{}, store.TokenRecord{}, refuse(ReasonCompromised)
	}

	if err := s.Store.RefreshToken(ctx, device); err != nil && err != store.ErrTokenNotFound {
		logger.Warnf("refresh token last-used: %v", err)
	}
	return user, rec, nil
}

func (s *Service) staleWindow() time.Duration {
	return time.Duration(global.Config.TokenStaleDays) * 24 * time.Hour
}

// Register creates an account. Username and password rules are the
// configured ones; the password is stored as a bcrypt hash.
func (s *Service) Register(ctx context.Context, username, displayName, password string) (store.UserRecord, error) {
	username = strings.TrimSpace(username)
	if !ValidUsername(username) {
		return store.UserRecord{}, proto.ErrInvalidUsername
	}
	if displayName == "" {
		displayName = username
	}
	if !ValidDisplayName(displayName) {
		return store.UserRecord{}, proto.ErrInvalidDisplayName
	}
	if !ValidPassword(password) {
		return store.UserRecord{}, proto.ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.UserRecord{}, err
	}
	user := store.UserRecord{
		ID:           proto.NewID(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.Store.CreateUser(ctx, user); err != nil {
		if err == store.ErrUsernameTaken {
			return store.UserRecord{}, proto.ErrUsernameAlreadyExists
		}
		return store.UserRecord{}, err
	}
	logger.Infof("registered user %s (%s)", user.Username, user.ID)
	return user, nil
}

// Login checks a username/password pair. Locked accounts unlock on a
// successful password login; compromised accounts stay flagged until
// a password change clears them.
func (s *Service) Login(ctx context.Context, username, password string) (store.UserRecord, error) {
	user, err := s.Store.UserByName(ctx, username)
	if err == store.ErrUserNotFound {
		return store.UserRecord{}, refuse(ReasonBadCredentials)
	}
	if err != nil {
		return store.UserRecord{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.UserRecord{}, refuse(ReasonBadCredentials)
	}
	if user.Banned {
		return store.UserRecord{}, refuse(ReasonBanned)
	}
	if user.Locked {
		if err := s.Store.SetLocked(ctx, user.ID, false); err != nil {
			return store.UserRecord{}, err
		}
		user.Locked = false
	}
	return user, nil
}

// IssueToken creates a device identity and its signed token for a
// logged-in user. Only the token hash is persisted.
func (s *Service) IssueToken(ctx context.Context, user proto.UserID, deviceName string, perms proto.PermissionFlags) (proto.DeviceID, string, error) {
	device := proto.NewID()
	token, hash, expireAt, err := security.Generate(s.Opts, user.String(), device.String())
	if err != nil {
		return proto.NilID, "", err
	}
	rec := store.TokenRecord{
		Device:      device,
		User:        user,
		TokenHash:   hash,
		DeviceName:  deviceName,
		LastUsed:    time.Now(),
		ExpiresAt:   &expireAt,
		Permissions: perms,
	}
	if err := s.Store.CreateToken(ctx, rec); err != nil {
		return proto.NilID, "", err
	}
	return device, token, nil
}

// RevokeToken invalidates one device. An active session on that device
// is the caller's problem; the registry force-logout handles it.
func (s *Service) RevokeToken(ctx context.Context, device proto.DeviceID) error {
	return s.Store.RevokeToken(ctx, device)
}

// ChangePassword verifies the old password, stores the new hash and
// revokes every outstanding token for the user. Fresh credentials also
// clear a compromised flag.
func (s *Service) ChangePassword(ctx context.Context, user proto.UserID, oldPassword, newPassword string) error {
	rec, err := s.Store.UserByID(ctx, user)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(oldPassword)) != nil {
		return refuse(ReasonBadCredentials)
	}
	if !ValidPassword(newPassword) {
		return proto.ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.Store.ChangePassword(ctx, user, string(hash)); err != nil {
		return err
	}
	if rec.Compromised {
		if err := s.Store.SetCompromised(ctx, user, false); err != nil {
			return err
		}
	}
	return s.Store.RevokeTokensFor(ctx, user)
}

// ValidUsername enforces length and a conservative character set.
func ValidUsername(s string) bool {
	n := len(s)
	if n < global.Config.MinUsernameLen || n > global.Config.MaxUsernameLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

func ValidDisplayName(s string) bool {
	n := len(strings.TrimSpace(s))
	return n >= global.Config.MinDisplayNameLen && n <= global.Config.MaxDisplayNameLen
}

func ValidPassword(s string) bool {
	return len(s) >= global.Config.MinPasswordLen
}

package chat

import (
	"context"
	"strings"

	"commune/logger"
	"commune/service/proto"
	"commune/service/store"
)

// handleAdminAction gates and executes administrative requests. Admin
// flags live in the store, not in the session, so a demotion takes
// effect on the very next action.
func (s *Session) handleAdminAction(ctx context.Context, r proto.AdminAction) (proto.OkResponse, proto.ErrResponse) {
	if !s.perms.Has(proto.PermAdminister) {
		return nil, proto.ErrAccessDenied
	}
	flags, err := s.deps.Store.AdminPermissions(ctx, s.user)
	if err != nil {
		logger.Errorf("admin permissions: %v", err)
		return nil, proto.ErrInternal
	}

	switch r.Kind {
	case proto.AdminKindBan:
		return s.adminSetBanned(ctx, flags, r.Users, true)
	case proto.AdminKindUnban:
		return s.adminSetBanned(ctx, flags, r.Users, false)
	case proto.AdminKindUnlock:
		return s.adminUnlock(ctx, flags, r.Users)
	case proto.AdminKindSetCompromised:
		return s.adminSetCompromised(ctx, flags, r.Users)
	case proto.AdminKindPromote:
		return s.adminSetPermissions(ctx, flags, r.Users, r.Permissions)
	case proto.AdminKindDemote:
		return s.adminSetPermissions(ctx, flags, r.Users, 0)
	case proto.AdminKindSearchUsers:
		return s.adminSearch(ctx, flags, strings.TrimSpace(r.Query))
	case proto.AdminKindListUsers:
		return s.adminList(ctx, flags, false)
	case proto.AdminKindListAdmins:
		return s.adminList(ctx, flags, true)
	case proto.AdminKindListReports:
		return s.adminListReports(ctx, flags)
	case proto.AdminKindSetReportStatus:
		return s.adminSetReportStatus(ctx, flags, r.Report, r.Status)
	case proto.AdminKindDeleteCommunity:
		return s.adminDeleteCommunity(ctx, flags, r.Community)
	default:
		return nil, proto.ErrUnimplemented
	}
}

// adminSetBanned bans or unbans. Banning also revokes every token and
// kicks every live session of the target.
func (s *Session) adminSetBanned(ctx context.Context, flags proto.AdminPermissionFlags, users []proto.UserID, banned bool) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminBan) {
		return nil, proto.ErrAccessDenied
	}
	for _, target := range users {
		if err := s.deps.Store.SetBanned(ctx, target, banned); err != nil {
			if err == store.ErrUserNotFound {
				return nil, proto.ErrInvalidUser
			}
			logger.Errorf("set banned: %v", err)
			return nil, proto.ErrInternal
		}
		if banned {
			if err := s.deps.Store.RevokeTokensFor(ctx, target); err != nil {
				logger.Errorf("revoke tokens of banned user: %v", err)
			}
			s.deps.Registry.ForceLogout(target)
			logger.Infof("banned user %s", target)
		}
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) adminUnlock(ctx context.Context, flags proto.AdminPermissionFlags, users []proto.UserID) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminUnlock) {
		return nil, proto.ErrAccessDenied
	}
	for _, target := range users {
		if err := s.deps.Store.SetLocked(ctx, target, false); err != nil {
			if err == store.ErrUserNotFound {
				return nil, proto.ErrInvalidUser
			}
			logger.Errorf("unlock: %v", err)
			return nil, proto.ErrInternal
		}
	}
	return proto.NoData{}, proto.ErrNone
}

// adminSetCompromised flags accounts whose credentials leaked. Tokens
// die and sessions are kicked; the flag stays until the user proves
// fresh credentials by changing their password.
func (s *Session) adminSetCompromised(ctx context.Context, flags proto.AdminPermissionFlags, users []proto.UserID) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminSetCompromised) {
		return nil, proto.ErrAccessDenied
	}
	for _, target := range users {
		if err := s.deps.Store.SetCompromised(ctx, target, true); err != nil {
			if err == store.ErrUserNotFound {
				return nil, proto.ErrInvalidUser
			}
			logger.Errorf("set compromised: %v", err)
			return nil, proto.ErrInternal
		}
		if err := s.deps.Store.RevokeTokensFor(ctx, target); err != nil {
			logger.Errorf("revoke tokens of compromised user: %v", err)
		}
		s.deps.Registry.ForceLogout(target)
		logger.Infof("flagged user %s as compromised", target)
	}
	return proto.NoData{}, proto.ErrNone
}

// adminSetPermissions promotes or demotes. Live sessions of the target
// learn about it immediately.
func (s *Session) adminSetPermissions(ctx context.Context, flags proto.AdminPermissionFlags, users []proto.UserID, perms proto.AdminPermissionFlags) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminPromote) {
		return nil, proto.ErrAccessDenied
	}
	for _, target := range users {
		if _, err := s.deps.Store.UserByID(ctx, target); err != nil {
			return nil, proto.ErrInvalidUser
		}
		if err := s.deps.Store.SetAdminPermissions(ctx, target, perms); err != nil {
			logger.Errorf("set admin permissions: %v", err)
			return nil, proto.ErrInternal
		}
		s.deps.Registry.Broadcast(target, proto.EventMessage(
			proto.AdminPermissionsChangedEvent{Permissions: perms}))
	}
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) adminSearch(ctx context.Context, flags proto.AdminPermissionFlags, query string) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminSearchUsers) {
		return nil, proto.ErrAccessDenied
	}
	if query == "" {
		return nil, proto.ErrInvalidUser
	}
	users, err := s.deps.Store.SearchUsers(ctx, query)
	if err != nil {
		logger.Errorf("search users: %v", err)
		return nil, proto.ErrInternal
	}
	return s.serverUsers(ctx, users)
}

func (s *Session) adminList(ctx context.Context, flags proto.AdminPermissionFlags, adminsOnly bool) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminSearchUsers) {
		return nil, proto.ErrAccessDenied
	}
	var users []store.UserRecord
	var err error
	if adminsOnly {
		users, err = s.deps.Store.ListAdmins(ctx)
	} else {
		users, err = s.deps.Store.ListUsers(ctx)
	}
	if err != nil {
		logger.Errorf("list users: %v", err)
		return nil, proto.ErrInternal
	}
	return s.serverUsers(ctx, users)
}

func (s *Session) serverUsers(ctx context.Context, users []store.UserRecord) (proto.OkResponse, proto.ErrResponse) {
	out := make([]proto.ServerUser, 0, len(users))
	for _, u := range users {
		adminFlags, err := s.deps.Store.AdminPermissions(ctx, u.ID)
		if err != nil {
			logger.Errorf("admin permissions of %s: %v", u.ID, err)
			return nil, proto.ErrInternal
		}
		out = append(out, proto.ServerUser{
			ID:               u.ID,
			Username:         u.Username,
			DisplayName:      u.DisplayName,
			Banned:           u.Banned,
			Locked:           u.Locked,
			Compromised:      u.Compromised,
			AdminPermissions: adminFlags,
		})
	}
	return proto.UserSearchResponse{Users: out}, proto.ErrNone
}

// adminDeleteCommunity removes a whole community. Members learn from
// the RemoveCommunity event the router broadcasts on its way out.
func (s *Session) adminDeleteCommunity(ctx context.Context, flags proto.AdminPermissionFlags, community proto.CommunityID) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminDeleteCommunities) {
		return nil, proto.ErrAccessDenied
	}
	router, wireErr := s.deps.Hub.Get(ctx, community)
	if wireErr != proto.ErrNone {
		return nil, wireErr
	}
	if wireErr := router.Delete(ctx); wireErr != proto.ErrNone {
		return nil, wireErr
	}
	s.deps.Hub.Remove(community)
	logger.Infof("deleted community %s", community)
	return proto.NoData{}, proto.ErrNone
}

func (s *Session) adminListReports(ctx context.Context, flags proto.AdminPermissionFlags) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminManageReports) {
		return nil, proto.ErrAccessDenied
	}
	records, err := s.deps.Store.ListReports(ctx)
	if err != nil {
		logger.Errorf("list reports: %v", err)
		return nil, proto.ErrInternal
	}
	out := make([]proto.Report, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Wire())
	}
	return proto.ReportsResponse{Reports: out}, proto.ErrNone
}

func (s *Session) adminSetReportStatus(ctx context.Context, flags proto.AdminPermissionFlags, report int64, status proto.ReportStatus) (proto.OkResponse, proto.ErrResponse) {
	if !flags.Has(proto.AdminManageReports) {
		return nil, proto.ErrAccessDenied
	}
	if status != proto.ReportAccepted && status != proto.ReportDenied && status != proto.ReportOpened {
		return nil, proto.ErrUnimplemented
	}
	if err := s.deps.Store.SetReportStatus(ctx, report, status); err != nil {
		if err == store.ErrReportNotFound {
			return nil, proto.ErrInvalidMessage
		}
		logger.Errorf("set report status: %v", err)
		return nil, proto.ErrInternal
	}
	return proto.NoData{}, proto.ErrNone
}

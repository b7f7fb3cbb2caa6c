package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"commune/service/proto"
	"commune/service/store"
)

// Account and token management rides plain HTTPS; only the realtime
// protocol lives on the socket. Handlers answer {"ok": ...} or
// {"error": ...} with a matching status code.

type registerRequest struct {
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password" binding:"required"`
}

type loginRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	DeviceName string `json:"device_name"`
}

type revokeRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Device   string `json:"device" binding:"required"`
}

type changePasswordRequest struct {
	Username    string `json:"username" binding:"required"`
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// Mount registers the account routes on a gin group.
func (s *Service) Mount(r gin.IRoutes) {
	r.POST("/register", s.handleRegister)
	r.POST("/token/create", s.handleCreateToken)
	r.POST("/token/revoke", s.handleRevokeToken)
	r.POST("/password/change", s.handleChangePassword)
}

func (s *Service) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	user, err := s.Register(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		failAuth(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": gin.H{"user": user.ID.String()}})
}

func (s *Service) handleCreateToken(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	ctx := c.Request.Context()
	user, err := s.Login(ctx, req.Username, req.Password)
	if err != nil {
		failAuth(c, err)
		return
	}
	device, token, err := s.IssueToken(ctx, user.ID, req.DeviceName, proto.PermAll)
	if err != nil {
		failAuth(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": gin.H{
		"device": device.String(),
		"token":  token,
	}})
}

func (s *Service) handleRevokeToken(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	ctx := c.Request.Context()
	user, err := s.Login(ctx, req.Username, req.Password)
	if err != nil {
		failAuth(c, err)
		return
	}
	device, err := proto.ParseID(req.Device)
	if err != nil {
		fail(c, http.StatusBadRequest, "bad device id")
		return
	}
	rec, err := s.Store.Token(ctx, device)
	if err == store.ErrTokenNotFound || (err == nil && rec.User != user.ID) {
		fail(c, http.StatusNotFound, "device does not exist")
		return
	}
	if err != nil {
		failAuth(c, err)
		return
	}
	if err := s.RevokeToken(ctx, device); err != nil {
		failAuth(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": gin.H{}})
}

// handleChangePassword is the recovery path for accounts whose tokens
// are all dead, compromised ones in particular: it needs only the
// current credentials, and success clears a compromised flag.
func (s *Service) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "malformed request")
		return
	}
	ctx := c.Request.Context()
	user, err := s.Store.UserByName(ctx, req.Username)
	if err != nil {
		fail(c, http.StatusUnauthorized, "auth: incorrect credentials")
		return
	}
	if err := s.ChangePassword(ctx, user.ID, req.OldPassword, req.NewPassword); err != nil {
		failAuth(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": gin.H{}})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func failAuth(c *gin.Context, err error) {
	switch e := err.(type) {
	case *Error:
		status := http.StatusUnauthorized
		if e.Reason == ReasonBanned || e.Reason == ReasonLocked || e.Reason == ReasonCompromised {
			status = http.StatusForbidden
		}
		fail(c, status, e.Error())
	case proto.ErrResponse:
		fail(c, http.StatusBadRequest, string(e))
	default:
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

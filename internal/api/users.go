// ABOUTME: Phone login and profile directory handlers
// ABOUTME: Verify issues a JWT once a code checks out and the phone has a profile

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/profile"
	"github.com/2389/pairchat/internal/store"
)

// UserResponse is a user as returned to its owner.
type UserResponse struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	AvatarRef string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{ID: u.ID, Phone: u.Phone, Name: u.Name, AvatarRef: u.AvatarRef, CreatedAt: u.CreatedAt}
}

// CodeRequest is the body of POST /api/auth/otp.
type CodeRequest struct {
	Phone string `json:"phone"`
}

// CodeResponse confirms a code was issued. Code is only set in dev echo mode.
type CodeResponse struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// VerifyRequest is the body of POST /api/auth/verify and POST /api/users.
// Name and AvatarRef complete account setup for a phone with no profile.
type VerifyRequest struct {
	Phone     string `json:"phone"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	AvatarRef string `json:"avatar,omitempty"`
}

// LoginResponse carries the issued token. Registered is false when the
// phone still needs a profile; Token is empty in that case.
type LoginResponse struct {
	Token      string        `json:"token,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Registered bool          `json:"registered"`
	User       *UserResponse `json:"user,omitempty"`
}

func (s *Server) handleRequestCode(c *gin.Context) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phone == "" {
		badRequest(c, "phone is required")
		return
	}

	code, err := s.deps.Codes.RequestCode(c.Request.Context(), req.Phone)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := CodeResponse{Status: "sent"}
	if s.deps.OTPDevEcho {
		resp.Code = code
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleVerifyCode(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phone == "" || req.Code == "" {
		badRequest(c, "phone and code are required")
		return
	}
	ctx := c.Request.Context()

	if err := s.deps.Codes.VerifyCode(ctx, req.Phone, req.Code); err != nil {
		s.fail(c, err)
		return
	}

	user, err := s.deps.Profiles.GetByPhone(ctx, req.Phone)
	switch {
	case errors.Is(err, store.ErrNotFound) && req.Name == "":
		// code stays valid for the account setup step
		c.JSON(http.StatusOK, LoginResponse{Registered: false})
		return
	case errors.Is(err, store.ErrNotFound):
		user, err = s.deps.Profiles.Create(ctx, req.Phone, req.Name, req.AvatarRef)
		if err != nil {
			s.fail(c, err)
			return
		}
	case err != nil:
		s.fail(c, err)
		return
	}

	resp, err := s.login(ctx, req.Phone, user)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCreateUser is account setup as its own resource: the code must
// still be valid and the phone must not have a profile yet.
func (s *Server) handleCreateUser(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phone == "" || req.Code == "" || req.Name == "" {
		badRequest(c, "phone, code and name are required")
		return
	}
	ctx := c.Request.Context()

	if err := s.deps.Codes.VerifyCode(ctx, req.Phone, req.Code); err != nil {
		s.fail(c, err)
		return
	}
	user, err := s.deps.Profiles.Create(ctx, req.Phone, req.Name, req.AvatarRef)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp, err := s.login(ctx, req.Phone, user)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) login(ctx context.Context, phone string, user *store.User) (LoginResponse, error) {
	if err := s.deps.Codes.Consume(ctx, phone); err != nil {
		s.logger.Warn("consuming login code", "user_id", user.ID, "error", err)
	}
	token, err := s.deps.Tokens.Generate(user.ID, s.deps.TokenTTL)
	if err != nil {
		return LoginResponse{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	u := userResponse(user)
	return LoginResponse{Token: token, UserID: user.ID, Registered: true, User: &u}, nil
}

func (s *Server) handleMe(c *gin.Context) {
	user, err := s.deps.Profiles.Get(c.Request.Context(), auth.CurrentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

// handleLookupUser finds a contact by phone and returns their public profile.
func (s *Server) handleLookupUser(c *gin.Context) {
	user, err := s.deps.Profiles.GetByPhone(c.Request.Context(), c.Param("phone"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile.FromUser(user))
}

func (s *Server) handleUpdateUser(c *gin.Context) {
	id := c.Param("id")
	if id != auth.CurrentUser(c) {
		s.fail(c, store.ErrForbidden)
		return
	}

	var upd profile.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	user, err := s.deps.Profiles.Update(c.Request.Context(), id, upd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

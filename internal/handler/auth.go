package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/middleware"
	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/repository"
	"github.com/iliyamo/token-issuance/internal/utils"
)

// UserStore is the user persistence AuthHandler needs.
type UserStore interface {
	Create(ctx context.Context, in repository.NewUser, cost int) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	List(ctx context.Context) ([]model.User, error)
}

// RefreshStore persists hashed refresh tokens.
type RefreshStore interface {
	StoreRefresh(ctx context.Context, userID uint64, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (uint64, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg    config.Config
	Users  UserStore
	Tokens RefreshStore
	Log    *slog.Logger
}

func NewAuthHandler(cfg config.Config, u UserStore, r RefreshStore, log *slog.Logger) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: u, Tokens: r, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type authResp struct {
	User    model.User `json:"user"`
	Access  tokenPart  `json:"access"`
	Refresh tokenPart  `json:"refresh"`
}

func (h *AuthHandler) ctx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.Cfg.RequestTimeout)
}

// issue creates an access/refresh pair for u and stores the refresh hash.
func (h *AuthHandler) issue(ctx context.Context, u model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret,
		utils.AccessClaims{UserID: u.ID, Role: u.Role, Email: u.Email, APIKey: u.APIKey}, h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, err
	}
	if err := h.Tokens.StoreRefresh(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    u,
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp}, // raw back to client
	}, nil
}

func (h *AuthHandler) internal(c echo.Context, what string, err error) error {
	h.Log.Error(what, slog.Any("err", err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error", "message": what})
}

// Register creates a MEMBER (or ADMIN for ADMIN_EMAILS) and returns tokens
// immediately.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Password == "" || req.Username == "" || strings.TrimSpace(req.Phone) == "" {
		return badRequest(c, "email, password, username and phone are required")
	}
	role := model.RoleMember
	if h.Cfg.IsAdminEmail(req.Email) {
		role = model.RoleAdmin
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	u, err := h.Users.Create(ctx, repository.NewUser{
		Email: req.Email, Username: req.Username, Phone: req.Phone, Password: req.Password, Role: role,
	}, h.Cfg.BcryptCost)
	switch {
	case errors.Is(err, repository.ErrEmailExists), errors.Is(err, repository.ErrUsernameExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict", "message": err.Error()})
	case err != nil:
		return h.internal(c, "create user failed", err)
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.internal(c, "issue tokens failed", err)
	}
	h.Log.Info("user registered", slog.Uint64("user_id", u.ID), slog.String("role", u.Role))
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies the password and returns a new pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return badRequest(c, "email and password are required")
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "invalid credentials"})
		}
		return h.internal(c, "query failed", err)
	}
	if !u.IsActive || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "invalid credentials"})
	}

	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.internal(c, "issue tokens failed", err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh validates by hash, revokes the old token and issues a new pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "refresh_token required")
	}
	hash := utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := h.ctx(c)
	defer cancel()

	userID, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "invalid refresh"})
		}
		return h.internal(c, "validate refresh failed", err)
	}
	if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
		return h.internal(c, "revoke refresh failed", err)
	}
	u, err := h.Users.GetByID(ctx, userID)
	if err != nil {
		return h.internal(c, "load user failed", err)
	}
	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.internal(c, "issue tokens failed", err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the refresh token in the body, or every refresh token of
// the bearer's user when the body carries none.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	raw := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := h.ctx(c)
	defer cancel()

	if raw != "" {
		hash := utils.HashRefreshRaw(raw)
		if _, err := h.Tokens.ValidateRefresh(ctx, hash); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "invalid refresh token"})
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			return h.internal(c, "logout failed", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	if uid, ok := middleware.UserID(c); ok {
		if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
			return h.internal(c, "logout failed", err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	return badRequest(c, "provide Authorization header or refresh_token")
}

// Me returns the stored profile of the authenticated user.
func (h *AuthHandler) Me(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing identity"})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": "user not found"})
		}
		return h.internal(c, "load user failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": u})
}

// ListUsers returns every user newest first.
func (h *AuthHandler) ListUsers(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	users, err := h.Users.List(ctx)
	if err != nil {
		return h.internal(c, "list users failed", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": users, "count": len(users)})
}

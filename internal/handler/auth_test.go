package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/middleware"
	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/repository"
	"github.com/iliyamo/token-issuance/internal/utils"
)

type fakeUsers struct {
	byID   map[uint64]model.User
	nextID uint64
}

func (f *fakeUsers) Create(_ context.Context, in repository.NewUser, cost int) (model.User, error) {
	for _, u := range f.byID {
		if u.Email == in.Email {
			return model.User{}, repository.ErrEmailExists
		}
		if u.Username == in.Username {
			return model.User{}, repository.ErrUsernameExists
		}
	}
	hash, err := utils.HashPassword(in.Password, cost)
	if err != nil {
		return model.User{}, err
	}
	f.nextID++
	u := model.User{ID: f.nextID, Email: in.Email, Username: in.Username, PasswordHash: hash,
		MemberNumber: "JKT000001123", APIKey: "JC-ABCDEFGH", Role: in.Role, Status: "active", IsActive: true}
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) List(context.Context) ([]model.User, error) {
	out := make([]model.User, 0, len(f.byID))
	for _, u := range f.byID {
		out = append(out, u)
	}
	return out, nil
}

type fakeRefresh struct {
	active map[string]uint64
}

func (f *fakeRefresh) StoreRefresh(_ context.Context, userID uint64, hash string, _ time.Time) error {
	f.active[hash] = userID
	return nil
}

func (f *fakeRefresh) ValidateRefresh(_ context.Context, hash string) (uint64, error) {
	if id, ok := f.active[hash]; ok {
		return id, nil
	}
	return 0, repository.ErrNotFound
}

func (f *fakeRefresh) RevokeByHash(_ context.Context, hash string) error {
	delete(f.active, hash)
	return nil
}

func (f *fakeRefresh) RevokeAllForUser(_ context.Context, userID uint64) error {
	for h, id := range f.active {
		if id == userID {
			delete(f.active, h)
		}
	}
	return nil
}

func newAuthServer() (*echo.Echo, *fakeRefresh) {
	cfg := config.Config{
		JWTSecret: secret, AccessTTLMin: 5, RefreshTTLDays: 1, BcryptCost: 4,
		AdminEmails: []string{"boss@x.io"}, RequestTimeout: time.Second,
	}
	refresh := &fakeRefresh{active: map[string]uint64{}}
	h := NewAuthHandler(cfg, &fakeUsers{byID: map[uint64]model.User{}}, refresh, discard())
	e := echo.New()
	e.POST("/v1/auth/register", h.Register)
	e.POST("/v1/auth/login", h.Login)
	e.POST("/v1/auth/refresh", h.Refresh)
	e.POST("/v1/auth/logout", h.Logout, middleware.OptionalJWT(secret))
	e.GET("/v1/me", h.Me, middleware.JWTAuth(secret))
	e.GET("/v1/users", h.ListUsers, middleware.JWTAuth(secret), middleware.RequireRole(model.RoleAdmin))
	return e, refresh
}

func decodeAuth(t *testing.T, body []byte) authResp {
	t.Helper()
	var r authResp
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	e, refresh := newAuthServer()

	rec := call(e, http.MethodPost, "/v1/auth/register",
		`{"email":"Ann@x.io","password":"pw","username":"ann","phone":"+628123"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decodeAuth(t, rec.Body.Bytes())
	require.Equal(t, "ann@x.io", reg.User.Email)
	require.Equal(t, model.RoleMember, reg.User.Role)
	require.NotContains(t, rec.Body.String(), "password_hash")

	rec = call(e, http.MethodPost, "/v1/auth/register",
		`{"email":"ann@x.io","password":"pw","username":"ann2","phone":"+628123"}`, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = call(e, http.MethodPost, "/v1/auth/login", `{"email":"ann@x.io","password":"nope"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(e, http.MethodPost, "/v1/auth/login", `{"email":"ann@x.io","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	login := decodeAuth(t, rec.Body.Bytes())

	rec = call(e, http.MethodGet, "/v1/me", "", "Bearer "+login.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"username":"ann"`)

	rec = call(e, http.MethodPost, "/v1/auth/refresh", `{"refresh_token":"`+login.Refresh.Token+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decodeAuth(t, rec.Body.Bytes())
	require.NotEqual(t, login.Refresh.Token, rotated.Refresh.Token)

	// the rotated-out token no longer works
	rec = call(e, http.MethodPost, "/v1/auth/refresh", `{"refresh_token":"`+login.Refresh.Token+`"}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(e, http.MethodPost, "/v1/auth/logout", "", "Bearer "+login.Access.Token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, refresh.active)
}

func TestRegisterValidatesAndPromotesAdmins(t *testing.T) {
	e, _ := newAuthServer()

	rec := call(e, http.MethodPost, "/v1/auth/register", `{"email":"x@x.io","password":"pw"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(e, http.MethodPost, "/v1/auth/register",
		`{"email":"boss@x.io","password":"pw","username":"boss","phone":"+62"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	boss := decodeAuth(t, rec.Body.Bytes())
	require.Equal(t, model.RoleAdmin, boss.User.Role)

	rec = call(e, http.MethodPost, "/v1/auth/register",
		`{"email":"m@x.io","password":"pw","username":"m","phone":"+62"}`, "")
	member := decodeAuth(t, rec.Body.Bytes())

	require.Equal(t, http.StatusForbidden, call(e, http.MethodGet, "/v1/users", "", "Bearer "+member.Access.Token).Code)
	rec = call(e, http.MethodGet, "/v1/users", "", "Bearer "+boss.Access.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":2`)
}

func TestLogoutNeedsSomething(t *testing.T) {
	e, _ := newAuthServer()
	require.Equal(t, http.StatusBadRequest, call(e, http.MethodPost, "/v1/auth/logout", "", "").Code)
	require.Equal(t, http.StatusUnauthorized,
		call(e, http.MethodPost, "/v1/auth/logout", `{"refresh_token":"bogus"}`, "").Code)
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/token-issuance/internal/middleware"
	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/service"
)

// TokenLifecycle is the service surface the token endpoints call.
type TokenLifecycle interface {
	Create(ctx context.Context, in service.CreateInput) (model.Token, error)
	Get(ctx context.Context, code string) (model.Token, error)
	List(ctx context.Context) ([]model.TokenListItem, error)
	Validate(ctx context.Context, code, contact string) (service.ValidationResult, error)
	Consume(ctx context.Context, in service.ConsumeInput) (service.ConsumptionResult, error)
	SetActive(ctx context.Context, code string, active bool) (model.Token, error)
	Delete(ctx context.Context, code string) (service.DeleteResult, error)
	UsageHistory(ctx context.Context, code string) ([]model.UsageRecordDetail, error)
}

// TokenHandler exposes the redeemable token lifecycle over HTTP.
type TokenHandler struct {
	Tokens  TokenLifecycle
	Timeout time.Duration
	Log     *slog.Logger
}

func NewTokenHandler(t TokenLifecycle, timeout time.Duration, log *slog.Logger) *TokenHandler {
	if t == nil {
		panic("nil token lifecycle passed to NewTokenHandler")
	}
	return &TokenHandler{Tokens: t, Timeout: timeout, Log: log}
}

// ----- DTOs -----

type createTokenReq struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	UsageLimit        int    `json:"usage_limit"`
	ExpiresAt         string `json:"expires_at"`
	RestrictedContact string `json:"restricted_contact"`
}

type validateReq struct {
	Contact string `json:"contact"`
}

type consumeReq struct {
	Purpose  string          `json:"purpose"`
	Contact  string          `json:"contact"`
	Metadata json.RawMessage `json:"metadata"`
	UserInfo json.RawMessage `json:"user_info"`
}

type setActiveReq struct {
	IsActive *bool `json:"is_active"`
}

func (h *TokenHandler) ctx(c echo.Context) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(c.Request().Context())
	}
	return context.WithTimeout(c.Request().Context(), h.Timeout)
}

func codeParam(c echo.Context) string { return strings.TrimSpace(c.Param("code")) }

// Create issues a new token.  An authenticated caller becomes its creator.
func (h *TokenHandler) Create(c echo.Context) error {
	var req createTokenReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	in := service.CreateInput{
		Name:              req.Name,
		Description:       req.Description,
		UsageLimit:        req.UsageLimit,
		ExpiresAt:         req.ExpiresAt,
		RestrictedContact: req.RestrictedContact,
	}
	if uid, ok := middleware.UserID(c); ok {
		in.CreatorID = &uid
	}

	ctx, cancel := h.ctx(c)
	defer cancel()
	tok, err := h.Tokens.Create(ctx, in)
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"item": tok})
}

func (h *TokenHandler) List(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	items, err := h.Tokens.List(ctx)
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items, "count": len(items)})
}

func (h *TokenHandler) Get(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	tok, err := h.Tokens.Get(ctx, codeParam(c))
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": tok})
}

// Validate is a read-only pre-check.  The body is optional.
func (h *TokenHandler) Validate(c echo.Context) error {
	var req validateReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	res, err := h.Tokens.Validate(ctx, codeParam(c), req.Contact)
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"valid":          true,
		"item":           res.Token,
		"remaining_uses": res.RemainingUses,
	})
}

// Consume redeems one use.  Caller identity, if any, is not recorded.
func (h *TokenHandler) Consume(c echo.Context) error {
	var req consumeReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	res, err := h.Tokens.Consume(ctx, service.ConsumeInput{
		Code:     codeParam(c),
		Purpose:  req.Purpose,
		Contact:  req.Contact,
		Metadata: req.Metadata,
		UserInfo: req.UserInfo,
	})
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": res})
}

func (h *TokenHandler) SetActive(c echo.Context) error {
	var req setActiveReq
	if err := c.Bind(&req); err != nil || req.IsActive == nil {
		return badRequest(c, "is_active (boolean) required")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	tok, err := h.Tokens.SetActive(ctx, codeParam(c), *req.IsActive)
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": tok})
}

func (h *TokenHandler) Delete(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	res, err := h.Tokens.Delete(ctx, codeParam(c))
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": res})
}

func (h *TokenHandler) Usage(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	recs, err := h.Tokens.UsageHistory(ctx, codeParam(c))
	if err != nil {
		return writeServiceError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": recs, "count": len(recs)})
}

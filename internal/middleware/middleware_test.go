package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/token-issuance/internal/config"
	"github.com/iliyamo/token-issuance/internal/utils"
)

const testSecret = "test-secret"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func bearer(t *testing.T, id uint64, role string) string {
	t.Helper()
	at, err := utils.NewAccessToken(testSecret, utils.AccessClaims{UserID: id, Role: role, Email: "a@x.io"}, 5)
	require.NoError(t, err)
	return "Bearer " + at.Token
}

func do(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func whoami(c echo.Context) error {
	id, ok := UserID(c)
	role, _ := c.Get(CtxRole).(string)
	return c.JSON(http.StatusOK, echo.Map{"id": id, "ok": ok, "role": role})
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/p", whoami, JWTAuth(testSecret))

	require.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "Bearer junk").Code)
	require.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "Basic Zm9vOmJhcg==").Code)

	other, err := utils.NewAccessToken("other-secret", utils.AccessClaims{UserID: 1}, 5)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/p", "Bearer "+other.Token).Code)

	rec := do(e, http.MethodGet, "/p", bearer(t, 7, "MEMBER"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":7,"ok":true,"role":"MEMBER"}`, rec.Body.String())
}

func TestOptionalJWT(t *testing.T) {
	e := echo.New()
	e.GET("/o", whoami, OptionalJWT(testSecret))

	rec := do(e, http.MethodGet, "/o", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":0,"ok":false,"role":""}`, rec.Body.String())

	require.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/o", "Bearer junk").Code)

	rec = do(e, http.MethodGet, "/o", bearer(t, 9, "ADMIN"))
	require.JSONEq(t, `{"id":9,"ok":true,"role":"ADMIN"}`, rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", whoami, JWTAuth(testSecret), RequireRole("ADMIN"))

	require.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/admin", bearer(t, 1, "MEMBER")).Code)
	require.Equal(t, http.StatusOK, do(e, http.MethodGet, "/admin", bearer(t, 1, "ADMIN")).Code)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTokenBucketBlocksAfterCapacity(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: 2 * time.Hour, KeyStrategy: "ip_route", Prefix: "rl",
	}
	e := echo.New()
	e.POST("/v1/tokens/:code/consume", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(cfg, rdb, discard()))

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(e, http.MethodPost, "/v1/tokens/TKN-A/consume", "").Code)
	}
	rec := do(e, http.MethodPost, "/v1/tokens/TKN-B/consume", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestTokenBucketPassesWithoutRedis(t *testing.T) {
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, discard()))
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(e, http.MethodGet, "/x", "").Code)
	}
}

func TestCacheInvalidatedByMutation(t *testing.T) {
	_, rdb := newRedis(t)
	cfg := config.CacheConfig{
		Enabled: true, Methods: map[string]bool{"GET": true}, TTL: time.Minute,
		KeyStrategy: "route_query", Prefix: "cache",
	}
	version := 1
	e := echo.New()
	g := e.Group("/v1/tokens", NewRedisCache(cfg, rdb, discard()))
	g.GET("", func(c echo.Context) error { return c.JSON(http.StatusOK, echo.Map{"v": version}) })
	g.PATCH("/:code/active", func(c echo.Context) error { version++; return c.NoContent(http.StatusOK) })
	g.DELETE("/:code", func(c echo.Context) error { return c.JSON(http.StatusNotFound, echo.Map{}) })

	rec := do(e, http.MethodGet, "/v1/tokens", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"v":1}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/v1/tokens", "")
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"v":1}`, rec.Body.String())

	// a failed mutation keeps the cache
	require.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/v1/tokens/TKN-X", "").Code)
	require.Equal(t, "HIT", do(e, http.MethodGet, "/v1/tokens", "").Header().Get("X-Cache"))

	require.Equal(t, http.StatusOK, do(e, http.MethodPatch, "/v1/tokens/TKN-X/active", "").Code)
	rec = do(e, http.MethodGet, "/v1/tokens", "")
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"v":2}`, rec.Body.String())
}

func TestCachePayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"a":1}`))
	require.NoError(t, err)
	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.Equal(t, `{"a":1}`, string(body))

	_, _, _, ok = decodePayload([]byte{0, 1})
	require.False(t, ok)
}

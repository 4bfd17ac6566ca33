package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var errNoBearer = errors.New("missing bearer token")

// Context keys set by JWTAuth and OptionalJWT.
const (
	CtxUserID = "user_id" // uint64
	CtxRole   = "role"    // string
	CtxEmail  = "email"   // string
)

// parseBearer validates the HS256 access token in the Authorization header
// and returns its claims.  errNoBearer means the header is absent.
func parseBearer(c echo.Context, secret string) (jwt.MapClaims, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return nil, errNoBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, errors.New("malformed authorization header")
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// setIdentity copies the subject, role and email claims into the context.
func setIdentity(c echo.Context, claims jwt.MapClaims) error {
	sub, err := claims.GetSubject()
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || id == 0 {
		return errors.New("invalid subject")
	}
	c.Set(CtxUserID, id)
	if role, ok := claims["role"].(string); ok {
		c.Set(CtxRole, role)
	}
	if email, ok := claims["email"].(string); ok {
		c.Set(CtxEmail, email)
	}
	return nil
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": msg})
}

// JWTAuth returns an Echo middleware that requires a valid Bearer access
// token and injects its identity into the request context.  Handlers read
// it with c.Get(CtxUserID) and c.Get(CtxRole).
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := parseBearer(c, secret)
			if err != nil {
				return unauthorized(c, err.Error())
			}
			if err := setIdentity(c, claims); err != nil {
				return unauthorized(c, "invalid claims")
			}
			return next(c)
		}
	}
}

// OptionalJWT behaves like JWTAuth when an Authorization header is present
// and lets anonymous requests through untouched.  A header that is present
// but invalid is still rejected.
func OptionalJWT(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := parseBearer(c, secret)
			if errors.Is(err, errNoBearer) {
				return next(c)
			}
			if err != nil {
				return unauthorized(c, err.Error())
			}
			if err := setIdentity(c, claims); err != nil {
				return unauthorized(c, "invalid claims")
			}
			return next(c)
		}
	}
}

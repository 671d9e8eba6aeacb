package middleware

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// HeaderUserID carries the caller's user id, set by the auth gateway in front
// of this service.
const HeaderUserID = "X-User-ID"

const ctxUserID = "user_id"

// UserIDFromCtx extracts the caller set by IdentityMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

// IdentityMiddleware reads X-User-ID. When required is false a missing header
// is allowed, a malformed one never is.
func IdentityMiddleware(required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
			if raw == "" {
				if required {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing user id"})
				}
				return next(c)
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid user id"})
			}
			c.Set(ctxUserID, id)
			return next(c)
		}
	}
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request with a context deadline. The handler
// runs on the request goroutine and is expected to give up once the deadline
// passes; if it does so without having written a response, the client gets a
// 504. A handler that finishes its write after the deadline keeps its
// response. Paths matching one of the skip prefixes run without a deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skip {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeout(timeout)
			}
			return err
		}
	}
}

func gatewayTimeout(d time.Duration) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded "+d.String())
}

package middleware

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/internal/platform/audit"
)

// ActorHeader names the user on whose behalf a request is made. Authentication
// happens upstream; the value is trusted as given.
const ActorHeader = "X-Actor"

const maxActorLen = 128

// Actor attaches the acting user to the request context so audit entries and
// counter maintenance can attribute their writes. Requests without the header
// run as audit.SystemActor.
func Actor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := strings.TrimSpace(c.Request().Header.Get(ActorHeader))
			if actor == "" {
				actor = audit.SystemActor
			}
			if !validActor(actor) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+ActorHeader+" header")
			}
			ctx := audit.WithActor(c.Request().Context(), actor)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("actor", actor)
			return next(c)
		}
	}
}

func validActor(s string) bool {
	if len(s) > maxActorLen {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

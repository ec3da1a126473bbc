package middleware

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Binder decodes request bodies as JSON regardless of the declared content
// type. Fediverse software posts activity+json, ld+json with a profile
// parameter, or plain json; echo's default binder rejects all but the last.
type Binder struct{}

func (b *Binder) Bind(i interface{}, c echo.Context) error {
	var body []byte
	if raw := RawBody(c); raw != nil {
		body = raw
	} else {
		var err error
		body, err = io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

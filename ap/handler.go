package ap

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/quarryforge/quarry/middleware"
	"github.com/quarryforge/quarry/types"
	"github.com/quarryforge/quarry/vocab"
)

var tracer = otel.Tracer("ap")

// Handler binds the federation surface to echo routes.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{service}
}

// statusOf maps the error kinds the services return to http statuses. A 5xx
// tells a well-behaved sender to retry; everything else is final.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrTooDeep):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	return echo.NewHTTPError(statusOf(err), err.Error())
}

func activityJSON(c echo.Context, doc any) error {
	c.Response().Header().Set(echo.HeaderContentType, vocab.ContentTypeActivity)
	return c.JSON(http.StatusOK, doc)
}

// -

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentType, vocab.ContentTypeJRD)
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "Ap.Handler.HostMeta")
	defer span.End()

	config := h.service.config
	xrd := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s://%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, config.Scheme(), config.FQDN)
	return c.Blob(http.StatusOK, "application/xrd+xml", []byte(xrd))
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -

func (h Handler) User(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.User")
	defer span.End()

	doc, err := h.service.User(ctx, c.Param("user"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) Repository(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.Repository")
	defer span.End()

	doc, err := h.service.Repository(ctx, c.Param("user"), c.Param("repo"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) Ticket(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.Ticket")
	defer span.End()

	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue number")
	}
	doc, err := h.service.Ticket(ctx, c.Param("user"), c.Param("repo"), number)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) Comment(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.Comment")
	defer span.End()

	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue number")
	}
	doc, err := h.service.Comment(ctx, c.Param("user"), c.Param("repo"), number, c.Param("uuid"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) UserOutbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.UserOutbox")
	defer span.End()

	actor, err := h.service.LocalActor(ctx, c.Param("user"), "")
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	doc, err := h.service.Outbox(ctx, actor.ActorApID())
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) RepositoryOutbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.RepositoryOutbox")
	defer span.End()

	actor, err := h.service.LocalActor(ctx, c.Param("user"), c.Param("repo"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	doc, err := h.service.Outbox(ctx, actor.ActorApID())
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) UserFollowers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.UserFollowers")
	defer span.End()

	actor, err := h.service.LocalActor(ctx, c.Param("user"), "")
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	doc, err := h.service.Followers(ctx, actor.ActorApID())
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

func (h Handler) RepositoryFollowers(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.RepositoryFollowers")
	defer span.End()

	actor, err := h.service.LocalActor(ctx, c.Param("user"), c.Param("repo"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	doc, err := h.service.Followers(ctx, actor.ActorApID())
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return activityJSON(c, doc)
}

// -

func (h Handler) UserInbox(c echo.Context) error {
	return h.inbox(c, c.Param("user"), "")
}

func (h Handler) RepositoryInbox(c echo.Context) error {
	return h.inbox(c, c.Param("user"), c.Param("repo"))
}

// signerOwnsActor checks that the verified signature's key belongs to the
// actor the activity claims. The delivery contract names actor keys as
// {actor}#main-key, so a valid signature from a third party does not let it
// speak for someone else.
func signerOwnsActor(keyID, actor string) bool {
	return actor != "" && strings.TrimSuffix(keyID, vocab.KeyFragment) == actor
}

func (h Handler) inbox(c echo.Context, username, reponame string) error {
	ctx, span := tracer.Start(c.Request().Context(), "Ap.Handler.Inbox")
	defer span.End()

	if !middleware.Verified(c) {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature required")
	}

	recipient, err := h.service.LocalActor(ctx, username, reponame)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}

	var object types.ApObject
	if err := c.Bind(&object); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid activity payload")
	}

	if !signerOwnsActor(middleware.SignerKeyID(c), object.Actor) {
		return echo.NewHTTPError(http.StatusUnauthorized, "signature key does not belong to the activity actor")
	}

	if err := h.service.Inbox(ctx, object, middleware.RawBody(c), recipient); err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.String(http.StatusOK, "ok")
}

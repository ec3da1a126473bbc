package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
)

var tracer = otel.Tracer("api")

// RequesterHeader names the local user a management call acts as. Access
// control in front of this surface is the deployment's concern.
const RequesterHeader = "X-Forge-User"

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{service}
}

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
	case errors.Is(err, types.ErrRemoteUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	return echo.NewHTTPError(statusOf(err), err.Error())
}

func requester(c echo.Context) string {
	return c.Request().Header.Get(RequesterHeader)
}

// -

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

func (h Handler) CreateUser(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.CreateUser")
	defer span.End()

	var request createUserRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.CreateUser(ctx, request.Username, request.DisplayName)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"content": created})
}

type createRepositoryRequest struct {
	Name     string `json:"name"`
	CloneURI string `json:"cloneUri"`
}

func (h Handler) CreateRepository(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.CreateRepository")
	defer span.End()

	var request createRepositoryRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.CreateRepository(ctx, requester(c), request.Name, request.CloneURI)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"content": created})
}

// -

type targetRequest struct {
	Target string `json:"target"`
}

func (h Handler) Follow(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Follow")
	defer span.End()

	var request targetRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.FollowUser(ctx, requester(c), request.Target); err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
}

func (h Handler) Watch(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Watch")
	defer span.End()

	var request targetRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.WatchRepo(ctx, requester(c), request.Target); err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
}

func (h Handler) Star(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Star")
	defer span.End()

	var request targetRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.StarRepo(ctx, requester(c), request.Target); err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
}

type forkRequest struct {
	Target string `json:"target"`
	Name   string `json:"name"`
}

func (h Handler) Fork(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.Fork")
	defer span.End()

	var request forkRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fork, err := h.service.ForkRepo(ctx, requester(c), request.Target, request.Name)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"content": fork})
}

// -

type createIssueRequest struct {
	Repository string `json:"repository"`
	Summary    string `json:"summary"`
	Content    string `json:"content"`
}

func (h Handler) CreateIssue(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.CreateIssue")
	defer span.End()

	var request createIssueRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := h.service.CreateIssue(ctx, requester(c), request.Repository, request.Summary, request.Content)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"status": "ok"})
}

type commentIssueRequest struct {
	Ticket  string `json:"ticket"`
	Content string `json:"content"`
}

func (h Handler) CommentIssue(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.CommentIssue")
	defer span.End()

	var request commentIssueRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	comment, err := h.service.CommentIssue(ctx, requester(c), request.Ticket, request.Content)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"content": comment})
}

type closeIssueRequest struct {
	Ticket string `json:"ticket"`
}

func (h Handler) CloseIssue(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.CloseIssue")
	defer span.End()

	var request closeIssueRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	closed, err := h.service.CloseIssue(ctx, requester(c), request.Ticket)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"content": closed})
}

func (h Handler) ListIssueComments(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.ListIssueComments")
	defer span.End()

	ticket := c.QueryParam("ticket")
	if ticket == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ticket query parameter required")
	}

	comments, err := h.service.ListIssueComments(ctx, ticket, store.NoLimit, 0)
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"content": comments})
}

// -

type defaultBranchRequest struct {
	Name string `json:"name"`
}

func (h Handler) SetDefaultBranch(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.SetDefaultBranch")
	defer span.End()

	var request defaultBranchRequest
	if err := c.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.SetDefaultBranch(ctx, requester(c), c.Param("repo"), request.Name); err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) ListBranches(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Api.Handler.ListBranches")
	defer span.End()

	branches, err := h.service.ListBranches(ctx, c.Param("user"), c.Param("repo"))
	if err != nil {
		span.RecordError(err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"content": branches})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/valentinvl1/vexa/pkg/services"
)

// createUserHandler handles POST /admin/users: find-or-create by email.
// Returns 200 for an existing user, 201 for a newly created one.
func (s *Server) createUserHandler(c echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email field is required")
	}

	user, created, err := s.users.FindOrCreate(c.Request().Context(), req.Email, req.Name, req.ImageURL)
	if err != nil {
		return mapServiceError(err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, NewUserResponse(user))
}

// listUsersHandler handles GET /admin/users with skip/limit pagination.
func (s *Server) listUsersHandler(c echo.Context) error {
	skip := queryInt(c, "skip", 0)
	limit := queryInt(c, "limit", 100)

	users, err := s.users.List(c.Request().Context(), skip, limit)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, NewUserResponse(u))
	}
	return c.JSON(http.StatusOK, out)
}

// getUserByEmailHandler handles GET /admin/users/email/:email.
func (s *Server) getUserByEmailHandler(c echo.Context) error {
	user, err := s.users.GetByEmail(c.Request().Context(), c.Param("email"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, NewUserResponse(user))
}

// getUserHandler handles GET /admin/users/:id, including issued tokens.
func (s *Server) getUserHandler(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	tokens, err := s.users.ListTokens(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	out := UserDetailResponse{UserResponse: NewUserResponse(user), Tokens: make([]TokenResponse, 0, len(tokens))}
	for _, t := range tokens {
		out.Tokens = append(out.Tokens, NewTokenResponse(t))
	}
	return c.JSON(http.StatusOK, out)
}

// updateUserHandler handles PATCH /admin/users/:id. Email changes are
// rejected.
func (s *Server) updateUserHandler(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	var req UpdateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	if req.Email != nil {
		existing, err := s.users.GetByID(ctx, id)
		if err != nil {
			return mapServiceError(err)
		}
		if *req.Email != existing.Email {
			return echo.NewHTTPError(http.StatusBadRequest, "Cannot change user email via this endpoint.")
		}
	}

	user, err := s.users.Update(ctx, id, toUserUpdate(req))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, NewUserResponse(user))
}

// createTokenHandler handles POST /admin/users/:id/tokens.
func (s *Server) createTokenHandler(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	token, err := s.users.CreateToken(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, NewTokenResponse(token))
}

// deleteTokenHandler handles DELETE /admin/tokens/:id.
func (s *Server) deleteTokenHandler(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	if err := s.users.DeleteToken(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// meetingsWithUsersHandler handles GET /admin/stats/meetings-users.
func (s *Server) meetingsWithUsersHandler(c echo.Context) error {
	skip := queryInt(c, "skip", 0)
	limit := queryInt(c, "limit", 100)

	rows, total, err := s.meetings.ListWithUsers(c.Request().Context(), skip, limit)
	if err != nil {
		return mapServiceError(err)
	}
	items := make([]MeetingUserStat, 0, len(rows))
	for _, row := range rows {
		items = append(items, MeetingUserStat{
			MeetingResponse: NewMeetingResponse(row.Meeting),
			User:            NewUserResponse(row.User),
		})
	}
	return c.JSON(http.StatusOK, PaginatedMeetingUserStatResponse{Total: total, Items: items})
}

func toUserUpdate(req UpdateUserRequest) services.UserUpdate {
	return services.UserUpdate{
		Name:              req.Name,
		ImageURL:          req.ImageURL,
		MaxConcurrentBots: req.MaxConcurrentBots,
	}
}

func pathInt(c echo.Context, name string) (int, error) {
	val, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return val, nil
}

func queryInt(c echo.Context, name string, defaultVal int) int {
	if raw := c.QueryParam(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return defaultVal
}

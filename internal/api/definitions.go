package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"approvalflow/pkg/models"
)

// ListDefinitions returns all workflow definition versions
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	ctx := c.Request().Context()

	defs, err := s.Definitions.List(ctx)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

// CreateDefinition stores a new workflow definition version
// (POST /api/v1/definitions)
func (s *Server) CreateDefinition(c echo.Context) error {
	ctx := c.Request().Context()

	u, err := actor(c)
	if err != nil {
		return err
	}
	if !u.IsAdmin() {
		return problem(c, models.ErrInsufficientRole)
	}

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	created, err := s.Definitions.Create(ctx, &def, u)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// GetDefinition returns one definition version by id
// (GET /api/v1/definitions/:id)
func (s *Server) GetDefinition(c echo.Context) error {
	def, err := s.Definitions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// FindActiveDefinition returns the latest active definition for a flow key
// (GET /api/v1/flows/:flowKey/definition)
func (s *Server) FindActiveDefinition(c echo.Context) error {
	def, err := s.Definitions.FindActive(c.Request().Context(), c.Param("flowKey"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

type updateDefinitionInput struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// UpdateDefinition mutates definition metadata; the step list of a stored
// version is immutable
// (PATCH /api/v1/definitions/:id)
func (s *Server) UpdateDefinition(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}
	if !u.IsAdmin() {
		return problem(c, models.ErrInsufficientRole)
	}

	var input updateDefinitionInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	if err := s.Definitions.Update(c.Request().Context(), c.Param("id"), input.Name, input.Active); err != nil {
		return problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeactivateDefinition removes a version from active duty without deleting it
// (DELETE /api/v1/definitions/:id)
func (s *Server) DeactivateDefinition(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}
	if !u.IsAdmin() {
		return problem(c, models.ErrInsufficientRole)
	}

	if err := s.Definitions.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

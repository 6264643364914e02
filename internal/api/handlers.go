// Package api contains the HTTP handlers for the approval service
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"approvalflow/internal/auth"
	"approvalflow/internal/services"
	"approvalflow/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Definitions *services.DefinitionService
	Requests    *services.RequestService
	SLA         *services.SLAService
}

// NewServer creates a new Server.
func NewServer(definitions *services.DefinitionService, requests *services.RequestService, sla *services.SLAService) *Server {
	return &Server{Definitions: definitions, Requests: requests, SLA: sla}
}

// RegisterHandlers mounts all routes on the given group.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.GET("/definitions", s.ListDefinitions)
	g.POST("/definitions", s.CreateDefinition)
	g.GET("/definitions/:id", s.GetDefinition)
	g.PATCH("/definitions/:id", s.UpdateDefinition)
	g.DELETE("/definitions/:id", s.DeactivateDefinition)
	g.GET("/flows/:flowKey/definition", s.FindActiveDefinition)

	g.POST("/requests", s.SubmitRequest)
	g.GET("/requests", s.ListRequests)
	g.GET("/requests/:id", s.GetRequest)
	g.GET("/requests/:id/history", s.GetRequestHistory)
	g.POST("/requests/:id/actions", s.ActOnRequest)

	g.GET("/sla/warnings", s.GetSLAWarnings)
	g.GET("/sla/overdue", s.GetSLAOverdue)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "approvalflow",
		Version:   "1.0.0",
	})
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// problem writes an RFC 7807 Problem Details JSON error response with the
// status code derived from the domain error kind.
func problem(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	title := "Internal Server Error"

	var ve *models.ValidationError
	var de *models.Error
	switch {
	case errors.As(err, &ve):
		status, title = http.StatusBadRequest, "Validation Failed"
	case errors.As(err, &de):
		status, title = statusForCode(de)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: err.Error(),
	})
}

func statusForCode(err *models.Error) (int, string) {
	switch err {
	case models.ErrWorkflowNotFound, models.ErrRequestNotFound, models.ErrUserNotFound:
		return http.StatusNotFound, "Not Found"
	case models.ErrInsufficientRole:
		return http.StatusForbidden, "Forbidden"
	case models.ErrRequestNotPending, models.ErrConcurrentModification, models.ErrCancelNotAllowed:
		return http.StatusConflict, "Conflict"
	case models.ErrInvalidAction, models.ErrMissingComment, models.ErrNoStepsConfigured:
		return http.StatusBadRequest, "Bad Request"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// actor extracts the authenticated actor placed in the context by the auth
// middleware.
func actor(c echo.Context) (*models.User, error) {
	u, ok := auth.ActorFrom(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor in context")
	}
	return u, nil
}

package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"approvalflow/internal/repository"
	"approvalflow/internal/services"
	"approvalflow/pkg/models"
)

type submitRequestInput struct {
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	FlowKey    string         `json:"flow_key"`
	Payload    map[string]any `json:"payload"`
}

// SubmitRequest creates a request instance from a workflow definition
// (POST /api/v1/requests)
func (s *Server) SubmitRequest(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}

	var input submitRequestInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if input.WorkflowID == "" && input.FlowKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id or flow_key is required")
	}

	req, err := s.Requests.Submit(c.Request().Context(), services.SubmitInput{
		Type:       input.Type,
		WorkflowID: input.WorkflowID,
		FlowKey:    input.FlowKey,
		Payload:    input.Payload,
	}, u)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

type actionInput struct {
	Action     models.Action `json:"action"`
	Comment    string        `json:"comment"`
	DelegateTo string        `json:"delegate_to"`
	EscalateTo *models.Role  `json:"escalate_to"`
}

// ActOnRequest applies an action to a request's current step
// (POST /api/v1/requests/:id/actions)
func (s *Server) ActOnRequest(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}

	var input actionInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	var req *models.RequestInstance
	switch input.Action {
	case models.ActionApprove:
		req, err = s.Requests.Approve(ctx, id, u)
	case models.ActionReject:
		req, err = s.Requests.Reject(ctx, id, u, input.Comment)
	case models.ActionCancel:
		req, err = s.Requests.Cancel(ctx, id, u)
	case models.ActionEscalate:
		req, err = s.Requests.Escalate(ctx, id, u, input.EscalateTo)
	case models.ActionDelegate:
		req, err = s.Requests.Delegate(ctx, id, u, input.DelegateTo)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action: "+string(input.Action))
	}
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

// GetRequest returns a request if the caller may view it
// (GET /api/v1/requests/:id)
func (s *Server) GetRequest(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}

	req, err := s.Requests.Get(c.Request().Context(), c.Param("id"), u)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

// GetRequestHistory returns the audit ledger for a request in append order
// (GET /api/v1/requests/:id/history)
func (s *Server) GetRequestHistory(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}

	entries, err := s.Requests.History(c.Request().Context(), c.Param("id"), u)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// ListRequests returns requests visible to the caller
// (GET /api/v1/requests)
func (s *Server) ListRequests(c echo.Context) error {
	u, err := actor(c)
	if err != nil {
		return err
	}

	filter := repository.RequestFilter{
		Status:  models.RequestStatus(c.QueryParam("status")),
		FlowKey: c.QueryParam("flow_key"),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = parsed
	}
	if offset := c.QueryParam("offset"); offset != "" {
		parsed, err := strconv.Atoi(offset)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		filter.Offset = parsed
	}

	reqs, err := s.Requests.List(c.Request().Context(), u, filter)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, reqs)
}

// GetSLAWarnings returns pending requests due within the threshold
// (GET /api/v1/sla/warnings?threshold_hours=24)
func (s *Server) GetSLAWarnings(c echo.Context) error {
	threshold := 24
	if v := c.QueryParam("threshold_hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold_hours must be a positive integer")
		}
		threshold = parsed
	}

	reqs, err := s.SLA.GetWarnings(c.Request().Context(), threshold)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, reqs)
}

// GetSLAOverdue returns pending requests whose deadline has passed
// (GET /api/v1/sla/overdue)
func (s *Server) GetSLAOverdue(c echo.Context) error {
	reqs, err := s.SLA.GetOverdue(c.Request().Context())
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, reqs)
}

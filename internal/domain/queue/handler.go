package queue

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/auth"
	"github.com/ehr/queue/pkg/pagination"
)

// Roles understood by the queue endpoints.
const (
	RoleAdmin    = auth.RoleAdmin
	RoleOperator = "operator"
	RoleDisplay  = "display"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, operator, display boards
	readGroup := api.Group("", auth.RequireRole(RoleAdmin, RoleOperator, RoleDisplay))
	readGroup.GET("/queue-types", h.ListQueueTypes)
	readGroup.GET("/service-points", h.ListServicePoints)
	readGroup.GET("/tickets", h.ListWaiting)
	readGroup.GET("/tickets/:id", h.GetTicket)
	readGroup.GET("/tickets/:id/routing", h.SuggestRouting)
	readGroup.GET("/service-points/:id/next", h.NextTicket)
	readGroup.GET("/service-points/:id/preview", h.Preview)

	// Terminal actions – admin, operator
	opGroup := api.Group("", auth.RequireRole(RoleAdmin, RoleOperator))
	opGroup.POST("/service-points/:id/call-next", h.CallNext)
	opGroup.POST("/tickets/:id/claim", h.Claim)
	opGroup.POST("/tickets/:id/recall", h.Recall)
	opGroup.POST("/tickets/:id/hold", h.Hold)
	opGroup.POST("/tickets/:id/return", h.ReturnToWaiting)
	opGroup.POST("/tickets/:id/skip", h.Skip)
	opGroup.POST("/tickets/:id/complete", h.Complete)
	opGroup.POST("/tickets/:id/cancel", h.Cancel)
	opGroup.POST("/tickets/:id/transfer", h.Transfer)

	// Administration – admin only
	adminGroup := api.Group("", auth.RequireRole(RoleAdmin))
	adminGroup.POST("/tickets/cancel-waiting", h.CancelAllWaiting)
	adminGroup.POST("/capabilities/refresh", h.RefreshCapabilities)
}

// ServicePointRequest names the acting service point of a terminal action.
type ServicePointRequest struct {
	ServicePointID string `json:"service_point_id"`
}

type TransferRequest struct {
	SourceServicePointID string `json:"source_service_point_id"`
	TargetServicePointID string `json:"target_service_point_id"`
}

type CallNextRequest struct {
	Algorithm string `json:"algorithm"`
	Date      string `json:"date"`
}

type CancelWaitingRequest struct {
	Date       string   `json:"date"`
	QueueTypes []string `json:"queue_types"`
}

// -- Configuration --

func (h *Handler) ListQueueTypes(c echo.Context) error {
	items, err := h.svc.ListQueueTypes(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListServicePoints(c echo.Context) error {
	items, err := h.svc.ListServicePoints(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RefreshCapabilities(c echo.Context) error {
	idx, err := h.svc.RefreshCapabilities(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"capabilities": idx.Len(),
		"built_at":     idx.BuiltAt(),
	})
}

// -- Tickets --

func (h *Handler) ListWaiting(c echo.Context) error {
	day, err := h.svc.ParseDay(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.svc.Waiting(c.Request().Context(), day, splitCodes(c.QueryParam("queue_type")))
	if err != nil {
		return httpError(err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(pg, items), len(items), pg))
}

func (h *Handler) GetTicket(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.GetTicket(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) SuggestRouting(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	routing, err := h.svc.Suggest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	body := map[string]interface{}{"routing": routing}
	if werr := routing.Err(); werr != nil {
		body["warning"] = werr.Error()
	}
	return c.JSON(http.StatusOK, body)
}

// -- Scheduling --

func (h *Handler) NextTicket(c echo.Context) error {
	spID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	day, err := h.svc.ParseDay(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.NextTicket(c.Request().Context(), spID, c.QueryParam("algorithm"), day)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Preview(c echo.Context) error {
	spID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	day, err := h.svc.ParseDay(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := pagination.DefaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	items, alg, err := h.svc.Preview(c.Request().Context(), spID, c.QueryParam("algorithm"), day, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"algorithm": alg,
		"tickets":   items,
	})
}

func (h *Handler) CallNext(c echo.Context) error {
	spID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req CallNextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	day, err := h.svc.ParseDay(req.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.CallNext(c.Request().Context(), spID, req.Algorithm, day)
	if err != nil {
		return httpError(err)
	}
	if d.Empty() {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Lifecycle --

func (h *Handler) Claim(c echo.Context) error {
	id, spID, err := ticketAndPoint(c, false)
	if err != nil {
		return err
	}
	t, routing, err := h.svc.Claim(c.Request().Context(), id, spID)
	if err != nil {
		return httpError(err)
	}
	body := map[string]interface{}{"ticket": t, "routing": routing}
	if werr := routing.Err(); werr != nil {
		body["warning"] = werr.Error()
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) Recall(c echo.Context) error {
	id, spID, err := ticketAndPoint(c, false)
	if err != nil {
		return err
	}
	t, err := h.svc.Recall(c.Request().Context(), id, spID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) Hold(c echo.Context) error {
	id, spID, err := ticketAndPoint(c, true)
	if err != nil {
		return err
	}
	t, err := h.svc.Hold(c.Request().Context(), id, spID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ReturnToWaiting(c echo.Context) error {
	return h.ticketAction(c, h.svc.ReturnToWaiting)
}

func (h *Handler) Skip(c echo.Context) error {
	return h.ticketAction(c, h.svc.Skip)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.ticketAction(c, h.svc.Complete)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.ticketAction(c, h.svc.Cancel)
}

func (h *Handler) Transfer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	source, err := uuid.Parse(req.SourceServicePointID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid source_service_point_id")
	}
	target, err := uuid.Parse(req.TargetServicePointID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid target_service_point_id")
	}
	res, err := h.svc.Transfer(c.Request().Context(), id, source, target)
	if err != nil {
		var partial *PartialTransferError
		if errors.As(err, &partial) {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error":  partial.Error(),
				"source": partial.Source,
				"target": partial.Target,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelAllWaiting(c echo.Context) error {
	var req CancelWaitingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	day, err := h.svc.ParseDay(req.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var codes []string
	if len(req.QueueTypes) > 0 {
		codes = req.QueueTypes
	}
	res, err := h.svc.CancelAllWaiting(c.Request().Context(), day, codes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"cancelled": res.Succeeded(),
		"failed":    res.Failed(),
		"items":     res.Items,
	})
}

func (h *Handler) ticketAction(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*Ticket, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// ticketAndPoint reads the ticket id from the path and the acting service
// point from the body or the service_point_id query parameter.
func ticketAndPoint(c echo.Context, required bool) (uuid.UUID, uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ServicePointRequest
	if err := c.Bind(&req); err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	raw := req.ServicePointID
	if raw == "" {
		raw = c.QueryParam("service_point_id")
	}
	if raw == "" {
		if required {
			return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "service_point_id is required")
		}
		return id, uuid.Nil, nil
	}
	spID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid service_point_id")
	}
	return id, spID, nil
}

func splitCodes(raw string) []string {
	if raw == "" {
		return nil
	}
	var codes []string
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// httpError maps engine errors onto HTTP statuses.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrTargetIncapable),
		errors.Is(err, ErrUnresolvedRouting),
		errors.Is(err, ErrServicePointUnconfigured),
		errors.Is(err, ErrServicePointDisabled):
		status = http.StatusUnprocessableEntity
	}
	return echo.NewHTTPError(status, err.Error())
}

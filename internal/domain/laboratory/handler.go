package laboratory

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labflow/internal/domain/catalog"
	"github.com/ehr/labflow/internal/platform/auth"
	"github.com/ehr/labflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleLabTech, auth.RolePathologist))
	read.GET("/lab-orders/:id", h.GetOrder)
	read.GET("/visits/:visitId/lab-orders", h.ListOrdersByVisit)
	read.GET("/lab-items/:id/results", h.ListResults)
	read.GET("/lab-orders/:id/results", h.ListOrderResults)

	ordering := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	ordering.POST("/lab-orders", h.CreateOrder)

	collection := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleLabTech))
	collection.POST("/lab-items/collect/save", h.SaveCollectedBatch)
	collection.POST("/lab-items/:id/collect", h.MarkCollected)
	collection.DELETE("/lab-items/:id/collect", h.UnmarkCollected)

	entry := api.Group("", auth.RequireRole(auth.RoleLabTech, auth.RolePathologist))
	entry.PUT("/lab-items/:id/included", h.SetIncluded)
	entry.GET("/lab-orders/:id/entry", h.PrepareEntry)
	entry.POST("/lab-items/:id/results", h.SaveResults)
	entry.DELETE("/lab-items/:id/results/lock", h.ClearSavedForm)
}

// httpError maps domain errors to status codes.
func httpError(err error) error {
	var (
		ve *ValidationError
		nr *NoResultsError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &nr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &pe):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "results could not be saved, please retry").SetInternal(err)
	case errors.Is(err, ErrNotFound), errors.Is(err, catalog.ErrTestNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotIncluded), errors.Is(err, ErrFormLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func parseID(c echo.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
	}
	return id, nil
}

// -- Orders --

type createOrderRequest struct {
	VisitID uuid.UUID   `json:"visit_id"`
	TestIDs []uuid.UUID `json:"test_ids"`
	ClinicianFields
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OrderingClinician == "" {
		req.OrderingClinician = auth.UserNameFromContext(c.Request().Context())
	}
	order, err := h.svc.CreateOrderForVisit(c.Request().Context(), req.VisitID, req.ClinicianFields, req.TestIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	order, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) ListOrdersByVisit(c echo.Context) error {
	visitID, err := parseID(c, "visitId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	orders, total, err := h.svc.ListOrdersByVisit(c.Request().Context(), visitID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if orders == nil {
		orders = []*LabOrder{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// -- Sample workflow --

func (h *Handler) MarkCollected(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	li, err := h.svc.MarkCollected(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, li)
}

func (h *Handler) UnmarkCollected(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	li, err := h.svc.UnmarkCollected(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, li)
}

type batchRequest struct {
	ItemIDs []uuid.UUID `json:"item_ids"`
}

// SaveCollectedBatch answers 207 when some items failed so the client can
// re-present only the failed subset.
func (h *Handler) SaveCollectedBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.SaveCollectedBatch(c.Request().Context(), req.ItemIDs)
	var pbe *PartialBatchError
	if errors.As(err, &pbe) {
		return c.JSON(http.StatusMultiStatus, pbe.BatchResult)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type includeRequest struct {
	Included *bool `json:"included"`
}

func (h *Handler) SetIncluded(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req includeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Included == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "included is required")
	}
	li, err := h.svc.SetIncluded(c.Request().Context(), id, *req.Included)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, li)
}

// -- Result entry --

func (h *Handler) PrepareEntry(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	session, err := h.svc.PrepareEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// SaveResults detaches from the request context: a client that goes away
// does not abort a save in flight.
func (h *Handler) SaveResults(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in SaveResultsInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if in.Authenticated && !auth.HasRole(auth.RolesFromContext(ctx), auth.RolePathologist) {
		return echo.NewHTTPError(http.StatusForbidden, "only a pathologist can authenticate results")
	}
	if in.TechnicianName == "" {
		in.TechnicianName = auth.UserNameFromContext(ctx)
	}

	set, err := h.svc.SaveResults(context.WithoutCancel(ctx), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, set)
}

func (h *Handler) ClearSavedForm(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	confirmed, _ := strconv.ParseBool(c.QueryParam("confirm"))
	li, err := h.svc.ClearSavedForm(c.Request().Context(), id, confirmed)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, li)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.svc.ListResults(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if records == nil {
		records = []*ResultRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) ListOrderResults(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.svc.ListOrderResults(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if records == nil {
		records = []*ResultRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

package catalog

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleLabTech, auth.RolePathologist))
	read.GET("/lab-tests", h.ListTests)
	read.GET("/lab-tests/:name/sub-tests", h.ListSubTests)
	read.GET("/reference-ranges/resolve", h.ResolveRange)
}

func (h *Handler) ListTests(c echo.Context) error {
	tests, err := h.svc.ListOrderableTests(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if tests == nil {
		tests = []*CatalogTest{}
	}
	return c.JSON(http.StatusOK, tests)
}

func (h *Handler) ListSubTests(c echo.Context) error {
	defs, err := h.svc.ListSubTestsAndRanges(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if defs == nil {
		defs = []SubTestDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// ResolveRange never fails on malformed age or sex: a bad age is treated as
// unknown and a bad sex as Both.
func (h *Handler) ResolveRange(c echo.Context) error {
	name := c.QueryParam("sub_test")
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sub_test is required")
	}
	age, err := strconv.Atoi(c.QueryParam("age"))
	if err != nil {
		age = -1
	}
	desc := h.svc.ResolveReferenceRange(c.Request().Context(), name, age, c.QueryParam("sex"))
	return c.JSON(http.StatusOK, desc)
}

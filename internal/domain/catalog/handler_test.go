package catalog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler() (*Handler, *echo.Echo) {
	repo := cbcRepo()
	svc := NewService(repo, NewResolver(repo, nil, zerolog.Nop()))
	return NewHandler(svc), echo.New()
}

func TestHandler_ListTests(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListTests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var tests []CatalogTest
	if err := json.Unmarshal(rec.Body.Bytes(), &tests); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tests) != 1 || tests[0].Name != "Complete Blood Count" {
		t.Errorf("unexpected tests: %+v", tests)
	}
}

func TestHandler_ListSubTests(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("name")
	c.SetParamValues("Complete Blood Count")

	if err := h.ListSubTests(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var defs []SubTestDefinition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 sub-tests, got %d", len(defs))
	}
}

func TestHandler_ResolveRange(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?sub_test=Hemoglobin&age=30&sex=Female", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ResolveRange(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var desc RangeDescription
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if desc.Text != "12.0 - 15.5 g/dL" {
		t.Errorf("expected female range, got %q", desc.Text)
	}
}

func TestHandler_ResolveRange_MalformedAge(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/?sub_test=Hemoglobin&age=abc&sex=Female", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ResolveRange(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ResolveRange_MissingName(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ResolveRange(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

package laboratory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinlab/internal/domain/interpretation"
	"github.com/ehr/clinlab/internal/platform/auth"
	"github.com/ehr/clinlab/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/test-definitions", h.ListTestDefinitions)
	read.GET("/test-definitions/:id", h.GetTestDefinition)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/lab-orders", h.ListPatientOrders)
	read.GET("/lab-orders/:id", h.GetOrder)
	read.GET("/lab-orders/:id/interpretation", h.InterpretOrder)
	read.GET("/lab-orders/:id/interpretation/export", h.ExportInterpretation)

	write := api.Group("", auth.RequireRole(auth.WriteRoles...))
	write.POST("/test-definitions", h.CreateTestDefinition)
	write.PUT("/test-definitions/:id", h.UpdateTestDefinition)
	write.POST("/patients", h.CreatePatient)
	write.POST("/lab-orders", h.CreateOrder)
	write.POST("/lab-orders/:id/transition", h.TransitionOrder)
	write.POST("/lab-orders/:id/results", h.RecordResult)

	verify := api.Group("", auth.RequireRole(auth.VerifyRoles...))
	verify.POST("/lab-results/:id/verify", h.VerifyResult)
}

// httpError maps service errors onto status codes.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOrderClosed), errors.Is(err, ErrAlreadyVerified):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ParseDate accepts RFC 3339 timestamps or plain dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func optionalDate(field, s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, field+": "+err.Error())
	}
	return &t, nil
}

func optionalString(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

// -- Test definitions --

type testDefinitionRequest struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Price        float64         `json:"price"`
	Active       *bool           `json:"active"`
	FieldsSchema json.RawMessage `json:"fields_schema"`
}

func (r testDefinitionRequest) toModel() *TestDefinition {
	td := &TestDefinition{
		Code:         r.Code,
		Name:         r.Name,
		Price:        r.Price,
		Active:       true,
		FieldsSchema: r.FieldsSchema,
	}
	if r.Active != nil {
		td.Active = *r.Active
	}
	return td
}

func (h *Handler) CreateTestDefinition(c echo.Context) error {
	var req testDefinitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	td := req.toModel()
	if err := h.svc.CreateTestDefinition(c.Request().Context(), td); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, td)
}

func (h *Handler) GetTestDefinition(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	td, err := h.svc.GetTestDefinition(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, td)
}

func (h *Handler) UpdateTestDefinition(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req testDefinitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	td := req.toModel()
	td.ID = id
	if err := h.svc.UpdateTestDefinition(c.Request().Context(), td); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, td)
}

func (h *Handler) ListTestDefinitions(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("active") == "true"
	items, total, err := h.svc.ListTestDefinitions(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Patients --

type patientRequest struct {
	PatientNo string  `json:"patient_no"`
	Name      string  `json:"name"`
	BirthDate string  `json:"birth_date"`
	Sex       *string `json:"sex"`
	Gender    *string `json:"gender"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	birth, err := optionalDate("birth_date", req.BirthDate)
	if err != nil {
		return err
	}
	p := &Patient{
		PatientNo: req.PatientNo,
		Name:      req.Name,
		BirthDate: birth,
		Sex:       optionalString(req.Sex),
		Gender:    optionalString(req.Gender),
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatientOrders(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrdersByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Orders --

type orderRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	VisitID   *string   `json:"visit_id"`
	VisitDate string    `json:"visit_date"`
	Note      *string   `json:"note"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req orderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	visitDate, err := optionalDate("visit_date", req.VisitDate)
	if err != nil {
		return err
	}
	o := &LabOrder{
		PatientID: req.PatientID,
		VisitID:   optionalString(req.VisitID),
		VisitDate: visitDate,
		Note:      optionalString(req.Note),
	}
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		o.OrderedBy = &uid
	}
	if err := h.svc.CreateOrder(c.Request().Context(), o); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *Handler) TransitionOrder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	o, err := h.svc.TransitionOrder(c.Request().Context(), id, req.Status)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// -- Results --

type valueRequest struct {
	ParameterKey   string          `json:"parameter_key"`
	ParameterLabel *string         `json:"parameter_label"`
	Value          json.RawMessage `json:"value"`
	Unit           *string         `json:"unit"`
	ReferenceMin   json.RawMessage `json:"reference_min"`
	ReferenceMax   json.RawMessage `json:"reference_max"`
	ReferenceText  *string         `json:"reference_text"`
}

type resultRequest struct {
	TestDefinitionID uuid.UUID       `json:"test_definition_id"`
	Values           []valueRequest  `json:"values"`
	RawResults       json.RawMessage `json:"raw_results"`
}

// scalarText renders a JSON scalar as entered: strings unquoted, numbers
// verbatim, null as empty.
func scalarText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

func optionalScalar(raw json.RawMessage) *string {
	s := scalarText(raw)
	return optionalString(&s)
}

func (r resultRequest) toModel() *LabResult {
	res := &LabResult{TestDefinitionID: r.TestDefinitionID}
	if raw := RawDocument(r.RawResults); !raw.IsEmpty() {
		res.RawResults = raw
	}
	for _, v := range r.Values {
		res.Values = append(res.Values, &ResultValue{
			ParameterKey:   v.ParameterKey,
			ParameterLabel: optionalString(v.ParameterLabel),
			Value:          scalarText(v.Value),
			Unit:           optionalString(v.Unit),
			ReferenceMin:   optionalScalar(v.ReferenceMin),
			ReferenceMax:   optionalScalar(v.ReferenceMax),
			ReferenceText:  optionalString(v.ReferenceText),
		})
	}
	return res
}

func (h *Handler) RecordResult(c echo.Context) error {
	orderID, err := paramID(c)
	if err != nil {
		return err
	}
	var req resultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := req.toModel()
	if err := h.svc.RecordResult(c.Request().Context(), orderID, res); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

type verifyRequest struct {
	VerifiedAt string `json:"verified_at"`
}

func (h *Handler) VerifyResult(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req verifyRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	at, err := optionalDate("verified_at", req.VerifiedAt)
	if err != nil {
		return err
	}
	var when time.Time
	if at != nil {
		when = *at
	}
	res, err := h.svc.VerifyResult(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), when)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Interpretation --

func asOfParam(c echo.Context) (time.Time, error) {
	raw := c.QueryParam("as_of")
	if raw == "" {
		return time.Now(), nil
	}
	t, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "as_of: "+err.Error())
	}
	return t, nil
}

func (h *Handler) InterpretOrder(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	asOf, err := asOfParam(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.InterpretOrder(c.Request().Context(), id, asOf)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"order_id": id,
		"as_of":    asOf.Format(time.RFC3339),
		"rows":     nonNilRows(rows),
	})
}

func nonNilRows(rows []interpretation.Row) []interpretation.Row {
	if rows == nil {
		return []interpretation.Row{}
	}
	return rows
}

func (h *Handler) ExportInterpretation(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	asOf, err := asOfParam(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.InterpretOrder(c.Request().Context(), id, asOf)
	if err != nil {
		return h.httpError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"interpretation_%s.csv\"", id))
	c.Response().WriteHeader(http.StatusOK)
	return WriteCSV(c.Response(), rows)
}

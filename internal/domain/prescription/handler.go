package prescription

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/receta/receta/pkg/pagination"
)

// Response headers describing the rendered record and the save half of an
// issue or correction. HeaderPatientID carries the patient code printed on
// the document; clients send it back with the save so the code is derived
// once.
const (
	HeaderPrescriptionID = "X-Prescription-ID"
	HeaderPatientID      = "X-Patient-ID"
	HeaderPages          = "X-Document-Pages"
	HeaderSaveStatus     = "X-Save-Status"
	HeaderSaveError      = "X-Save-Error"
)

const (
	contentTypePDF  = "application/pdf"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the API under api and the verification page under
// public.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	api.POST("/prescriptions/preview", h.Preview)
	api.POST("/prescriptions/export", h.Export)
	api.POST("/prescriptions", h.Issue)
	api.POST("/prescriptions/:folio/corrections", h.Correct)
	api.GET("/prescriptions/:folio", h.GetPrescription)
	api.DELETE("/prescriptions/:folio", h.DeletePrescription)

	api.GET("/patients", h.SearchPatients)
	api.GET("/patients/:code/prescriptions", h.History)
	api.GET("/patients/:code/prescriptions.xlsx", h.HistoryWorkbook)
	api.DELETE("/patients/:code", h.DeletePatient)
	api.POST("/patient-ids", h.GeneratePatientID)

	api.GET("/profile", h.GetProfile)
	api.PUT("/profile", h.SaveProfile)
	api.GET("/appointment-options", h.AppointmentOptions)

	public.GET("/receta-verificada", h.Verify)
}

// httpError maps the failure classes onto status codes. Only validation
// messages reach the client; other causes stay in the log.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrExport):
		return echo.NewHTTPError(http.StatusInternalServerError, ErrExport.Error())
	case errors.Is(err, ErrSave):
		return echo.NewHTTPError(http.StatusBadGateway, ErrSave.Error())
	case errors.Is(err, ErrDeletion):
		return echo.NewHTTPError(http.StatusBadGateway, ErrDeletion.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func bindForm(c echo.Context) (Form, error) {
	var f Form
	if err := c.Bind(&f); err != nil {
		return Form{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return f, nil
}

func writePDF(c echo.Context, doc *Document, disposition string) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentDisposition, mime.FormatMediaType(disposition, map[string]string{"filename": doc.FileName}))
	h.Set(HeaderPrescriptionID, doc.Record.PrescriptionID)
	if code := doc.Record.Patient.PatientID; code != "" {
		h.Set(HeaderPatientID, code)
	}
	h.Set(HeaderPages, strconv.Itoa(doc.Pages))
	return c.Blob(http.StatusOK, contentTypePDF, doc.PDF)
}

func writeIssue(c echo.Context, res *IssueResult) error {
	h := c.Response().Header()
	if res.Saved() {
		h.Set(HeaderSaveStatus, "saved")
	} else {
		h.Set(HeaderSaveStatus, "failed")
		h.Set(HeaderSaveError, httpError(res.SaveErr).Message.(string))
	}
	return writePDF(c, res.Document, "attachment")
}

func (h *Handler) Preview(c echo.Context) error {
	f, err := bindForm(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Preview(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return writePDF(c, doc, "inline")
}

func (h *Handler) Export(c echo.Context) error {
	f, err := bindForm(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Export(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return writePDF(c, doc, "attachment")
}

func (h *Handler) Issue(c echo.Context) error {
	f, err := bindForm(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Issue(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return writeIssue(c, res)
}

type correctionRequest struct {
	Form
	Reason string `json:"correction_reason"`
}

func (h *Handler) Correct(c echo.Context) error {
	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Correct(c.Request().Context(), c.Param("folio"), req.Form, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return writeIssue(c, res)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	sp, err := h.svc.Prescription(c.Request().Context(), c.Param("folio"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) DeletePrescription(c echo.Context) error {
	if err := h.svc.DeletePrescription(c.Request().Context(), c.Param("folio")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) History(c echo.Context) error {
	items, err := h.svc.History(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) HistoryWorkbook(c echo.Context) error {
	data, name, err := h.svc.HistoryWorkbook(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	return c.Blob(http.StatusOK, contentTypeXLSX, data)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	if err := h.svc.DeletePatient(c.Request().Context(), c.Param("code")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type patientIDRequest struct {
	Name string `json:"name"`
}

func (h *Handler) GeneratePatientID(c echo.Context) error {
	var req patientIDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := h.svc.GeneratePatientID(c.Request().Context(), req.Name)
	if err != nil {
		return httpError(err)
	}
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	return c.JSON(http.StatusOK, map[string]string{"patient_id": id})
}

func (h *Handler) GetProfile(c echo.Context) error {
	d, err := h.svc.Profile(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) SaveProfile(c echo.Context) error {
	var d Doctor
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	saved, err := h.svc.SaveProfile(c.Request().Context(), d)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) AppointmentOptions(c echo.Context) error {
	return c.JSON(http.StatusOK, NextAppointmentOptions)
}

func (h *Handler) Verify(c echo.Context) error {
	res, err := h.svc.Verify(c.Request().Context(), c.QueryParam("folio"), c.QueryParam("doctor"), c.QueryParam("cedula"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Package mirror copies issued prescriptions to an Airtable base so staff can
// browse them outside the application.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.airtable.com/v0"

type Config struct {
	APIKey string
	BaseID string
	Table  string

	// BaseURL overrides the Airtable API root.
	BaseURL string
	// Attempts is the total number of tries on HTTP 429. Defaults to 3.
	Attempts int
	// RetryWait is the first backoff interval; it doubles per attempt.
	RetryWait time.Duration
}

// Enabled reports whether every credential is present.
func (c Config) Enabled() bool {
	return c.APIKey != "" && c.BaseID != "" && c.Table != ""
}

type Medication struct {
	Name         string `json:"nombre"`
	Dosage       string `json:"dosis"`
	Duration     string `json:"duracion"`
	Instructions string `json:"instrucciones"`
}

type Supplement struct {
	Name         string `json:"nombre"`
	Brand        string `json:"marca"`
	Category     string `json:"categoria"`
	Dosage       string `json:"dosis"`
	Duration     string `json:"duracion"`
	Instructions string `json:"instrucciones"`
	Presentation string `json:"presentacion"`
}

// Prescription is the flattened record written as one Airtable row.
type Prescription struct {
	PrescriptionID string
	IssuedAt       time.Time

	PatientName        string
	PatientAge         *int
	PatientDateOfBirth string
	PatientCode        string

	DoctorName       string
	DoctorLicense    string
	DoctorUniversity string
	ClinicName       string
	ClinicAddress    string
	ClinicPhone      string
	ClinicEmail      string
	Logo1URL         string
	Logo2URL         string

	Medications     []Medication
	Supplements     []Supplement
	GeneralNotes    string
	NextAppointment string
}

// Fields returns the Airtable column values for p. Empty values are left
// out.
func Fields(p Prescription) (map[string]interface{}, error) {
	meds, err := json.Marshal(nonNil(p.Medications))
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}
	fields := map[string]interface{}{
		"Nombre_Paciente":           p.PatientName,
		"Fecha_Nacimiento_Paciente": p.PatientDateOfBirth,
		"ID_Expediente_Paciente":    p.PatientCode,
		"Nombre_Doctor":             p.DoctorName,
		"Cedula_Profesional_Doctor": p.DoctorLicense,
		"Universidad_Doctor":        p.DoctorUniversity,
		"Nombre_Clinica":            p.ClinicName,
		"Direccion_Clinica":         p.ClinicAddress,
		"Telefono_Clinica":          p.ClinicPhone,
		"Email_Clinica":             p.ClinicEmail,
		"URL_Logo1":                 p.Logo1URL,
		"URL_Logo2":                 p.Logo2URL,
		"Medicamentos":              string(meds),
		"Notas_Generales":           p.GeneralNotes,
		"Proxima_Cita":              p.NextAppointment,
	}
	if !p.IssuedAt.IsZero() {
		fields["Fecha_Hora_Emision"] = p.IssuedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if p.PatientAge != nil {
		fields["Edad_Paciente"] = *p.PatientAge
	}
	if p.Supplements != nil {
		supps, err := json.Marshal(p.Supplements)
		if err != nil {
			return nil, fmt.Errorf("encode supplements: %w", err)
		}
		fields["Suplementos_Naturales"] = string(supps)
	}
	for k, v := range fields {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(fields, k)
		}
	}
	return fields, nil
}

func nonNil(m []Medication) []Medication {
	if m == nil {
		return []Medication{}
	}
	return m
}

type record struct {
	Fields map[string]interface{} `json:"fields"`
}

type createRequest struct {
	Records []record `json:"records"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Airtable writes prescriptions to one table of one base.
type Airtable struct {
	client   *resty.Client
	endpoint string
	logger   zerolog.Logger
}

func NewAirtable(cfg Config, logger zerolog.Logger) *Airtable {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	client := resty.New().
		SetTimeout(15*time.Second).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(attempts-1).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(wait*time.Duration(1<<uint(attempts))).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() == http.StatusTooManyRequests
		})

	return &Airtable{
		client:   client,
		endpoint: strings.TrimRight(base, "/") + "/" + url.PathEscape(cfg.BaseID) + "/" + url.PathEscape(cfg.Table),
		logger:   logger,
	}
}

// Push creates one record for p.
func (a *Airtable) Push(ctx context.Context, p Prescription) error {
	fields, err := Fields(p)
	if err != nil {
		return err
	}

	var apiErr apiError
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(createRequest{Records: []record{{Fields: fields}}}).
		SetError(&apiErr).
		Post(a.endpoint)
	if err != nil {
		return fmt.Errorf("airtable request: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("airtable: status %d after %d attempt(s): %s", resp.StatusCode(), resp.Request.Attempt, msg)
	}

	a.logger.Debug().
		Str("prescription_id", p.PrescriptionID).
		Int("attempts", resp.Request.Attempt).
		Msg("prescription mirrored")
	return nil
}

// Package verification builds the machine-readable payload printed on every
// prescription and renders it as a QR code.
package verification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/receta/receta/internal/platform/assets"
)

// ErrIncomplete is returned when the payload lacks the prescription id, the
// doctor name or the patient name. No code is produced in that case.
var ErrIncomplete = errors.New("verification: incomplete payload")

// TimeLayout is the UTC timestamp format carried in the payload.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const (
	VerificationPath = "/receta-verificada"
	DefaultSize      = 256
)

type Input struct {
	PrescriptionID string
	DoctorName     string
	DoctorLicense  string
	PatientName    string
	IssuedAt       time.Time
}

// Payload is the JSON object encoded into the QR code. Field order is part of
// the wire format.
type Payload struct {
	PrescriptionID  string `json:"prescriptionId"`
	DoctorName      string `json:"doctorName"`
	DoctorID        string `json:"doctorId"`
	PatientName     string `json:"patientName"`
	DateTime        string `json:"dateTime"`
	VerificationURL string `json:"verificationUrl"`
}

// Code is a rendered verification code.
type Code struct {
	Payload Payload
	Text    string
	PNG     []byte
	Size    int
}

type Encoder struct {
	baseURL string
	size    int
}

func NewEncoder(baseURL string) *Encoder {
	return &Encoder{baseURL: strings.TrimRight(baseURL, "/"), size: DefaultSize}
}

// URL returns the verification link for a prescription.
func URL(baseURL, folio, doctorName, license string) string {
	return strings.TrimRight(baseURL, "/") + VerificationPath +
		"?folio=" + escape(folio) +
		"&doctor=" + escape(doctorName) +
		"&cedula=" + escape(license)
}

// escape percent-encodes like encodeURIComponent: spaces become %20.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// NewPayload validates in and builds the payload.
func (e *Encoder) NewPayload(in Input) (Payload, error) {
	id := strings.TrimSpace(in.PrescriptionID)
	doctor := strings.TrimSpace(in.DoctorName)
	patient := strings.TrimSpace(in.PatientName)
	if id == "" || doctor == "" || patient == "" {
		return Payload{}, ErrIncomplete
	}
	license := strings.TrimSpace(in.DoctorLicense)
	return Payload{
		PrescriptionID:  id,
		DoctorName:      doctor,
		DoctorID:        license,
		PatientName:     patient,
		DateTime:        in.IssuedAt.UTC().Format(TimeLayout),
		VerificationURL: URL(e.baseURL, id, doctor, license),
	}, nil
}

// Encode builds the payload and renders it as a QR code PNG. It returns
// ErrIncomplete, and no image, when required fields are blank.
func (e *Encoder) Encode(in Input) (*Code, error) {
	p, err := e.NewPayload(in)
	if err != nil {
		return nil, err
	}
	text, err := marshal(p)
	if err != nil {
		return nil, err
	}
	q, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("verification: build qr: %w", err)
	}
	raw, err := q.PNG(e.size)
	if err != nil {
		return nil, fmt.Errorf("verification: encode qr: %w", err)
	}
	img := assets.Normalize("verification", raw)
	if !img.Loaded() {
		return nil, fmt.Errorf("verification: %s", img.Reason)
	}
	return &Code{Payload: p, Text: text, PNG: img.Data, Size: e.size}, nil
}

// ParsePayload decodes the text scanned from a verification code.
func ParsePayload(text string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Payload{}, fmt.Errorf("verification: parse payload: %w", err)
	}
	if p.PrescriptionID == "" {
		return Payload{}, ErrIncomplete
	}
	return p, nil
}

func marshal(p Payload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("verification: marshal payload: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

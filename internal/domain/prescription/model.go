package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Doctor is the practitioner profile printed on every prescription.
type Doctor struct {
	Name           string `json:"name"`
	ProfessionalID string `json:"professional_id"`
	University     string `json:"university"`
	ClinicName     string `json:"clinic_name"`
	ClinicAddress  string `json:"clinic_address"`
	ClinicPhone    string `json:"clinic_phone"`
	ClinicEmail    string `json:"clinic_email"`
	Logo1URL       string `json:"logo1_url"`
	Logo2URL       string `json:"logo2_url"`
	// SignatureImage is a data: URL or an http(s) link.
	SignatureImage string `json:"signature_image"`
}

// IsZero reports whether no doctor field has been filled in.
func (d Doctor) IsZero() bool {
	return d == Doctor{}
}

type Patient struct {
	Name string `json:"name"`
	// Age is free text as typed; it is stored as the leading integer.
	Age string `json:"age"`
	// DateOfBirth is YYYY-MM-DD or empty.
	DateOfBirth string `json:"date_of_birth"`
	PatientID   string `json:"patient_id"`
}

type MedicationItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions"`
}

type SupplementItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Brand        string `json:"brand"`
	Dosage       string `json:"dosage"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions"`
	Category     string `json:"category"`
	Presentation string `json:"presentation"`
}

type Subjective struct {
	ChiefComplaint     string `json:"chief_complaint,omitempty"`
	CurrentMedications string `json:"current_medications,omitempty"`
}

type Objective struct {
	VitalSigns  string `json:"vital_signs,omitempty"`
	KeyFindings string `json:"key_findings,omitempty"`
}

type Assessment struct {
	Diagnosis string `json:"diagnosis,omitempty"`
}

type Plan struct {
	Treatment string `json:"treatment,omitempty"`
}

// SOAPNote is kept with the medical record and never printed.
type SOAPNote struct {
	Subjective Subjective `json:"subjective"`
	Objective  Objective  `json:"objective"`
	Assessment Assessment `json:"assessment"`
	Plan       Plan       `json:"plan"`
}

// IsEmpty reports whether n is nil or every field is blank.
func (n *SOAPNote) IsEmpty() bool {
	if n == nil {
		return true
	}
	for _, v := range n.values() {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func (n *SOAPNote) values() []string {
	return []string{
		n.Subjective.ChiefComplaint, n.Subjective.CurrentMedications,
		n.Objective.VitalSigns, n.Objective.KeyFindings,
		n.Assessment.Diagnosis,
		n.Plan.Treatment,
	}
}

// Form is the editable prescription as posted by the client. It has no
// folio or issue time; those are stamped when a snapshot is taken.
type Form struct {
	Patient         Patient          `json:"patient"`
	Doctor          Doctor           `json:"doctor"`
	Medications     []MedicationItem `json:"medications"`
	Supplements     []SupplementItem `json:"supplements"`
	GeneralNotes    string           `json:"general_notes"`
	NextAppointment string           `json:"next_appointment"`
	SOAP            *SOAPNote        `json:"soap_note,omitempty"`
}

// Record is a snapshot of a Form at the moment it was previewed, exported or
// saved.
type Record struct {
	Form
	PrescriptionID string    `json:"prescription_id"`
	IssuedAt       time.Time `json:"issued_at"`
}

// StoredPrescription is a Record rebuilt from the database with its row
// references and correction metadata.
type StoredPrescription struct {
	Record
	ID                     uuid.UUID  `json:"id"`
	PatientRef             uuid.UUID  `json:"patient_ref"`
	DoctorRef              uuid.UUID  `json:"doctor_ref"`
	IsCorrected            bool       `json:"is_corrected"`
	CorrectedAt            *time.Time `json:"corrected_at,omitempty"`
	OriginalPrescriptionID *uuid.UUID `json:"original_prescription_id,omitempty"`
	CorrectionReason       *string    `json:"correction_reason,omitempty"`
}

// PatientSummary is a patient row as returned by search.
type PatientSummary struct {
	ID          uuid.UUID  `json:"id"`
	PatientCode string     `json:"patient_id"`
	Name        string     `json:"name"`
	Age         *int       `json:"age,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NextAppointmentOptions is the fixed set of scheduling phrases a
// prescription may carry.
var NextAppointmentOptions = []string{
	"1 semana",
	"2 semanas",
	"3 semanas",
	"1 mes",
	"2 meses",
	"3 meses",
	"6 meses",
	"Según evolución",
}

// ValidAppointment reports whether s is empty or one of
// NextAppointmentOptions.
func ValidAppointment(s string) bool {
	if s == "" {
		return true
	}
	for _, o := range NextAppointmentOptions {
		if s == o {
			return true
		}
	}
	return false
}

// DefaultCorrectionReason is recorded on a correction when none is given.
const DefaultCorrectionReason = "Corrección de datos médicos"

package prescription

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Row types mirror the six persisted tables.

type DoctorRow struct {
	ID                uuid.UUID `db:"id"`
	ProfessionalID    string    `db:"professional_id"`
	Name              string    `db:"name"`
	University        *string   `db:"university"`
	ClinicName        *string   `db:"clinic_name"`
	ClinicAddress     *string   `db:"clinic_address"`
	Contact           *string   `db:"contact"`
	ClinicEmail       *string   `db:"clinic_email"`
	Logo1URL          *string   `db:"logo1_url"`
	Logo2URL          *string   `db:"logo2_url"`
	SignatureImageURL *string   `db:"signature_image_url"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type PatientRow struct {
	ID          uuid.UUID  `db:"id"`
	PatientCode string     `db:"patient_code"`
	Name        string     `db:"name"`
	Age         *int       `db:"age"`
	DateOfBirth *time.Time `db:"date_of_birth"`
	DoctorID    *uuid.UUID `db:"doctor_id"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

type PrescriptionRow struct {
	ID                     uuid.UUID  `db:"id"`
	PrescriptionID         string     `db:"prescription_id"`
	PatientID              uuid.UUID  `db:"patient_id"`
	DoctorID               uuid.UUID  `db:"doctor_id"`
	PrescriptionDate       time.Time  `db:"prescription_date"`
	NextAppointment        *string    `db:"next_appointment"`
	GeneralNotes           *string    `db:"general_notes"`
	IsCorrected            bool       `db:"is_corrected"`
	CorrectedAt            *time.Time `db:"corrected_at"`
	OriginalPrescriptionID *uuid.UUID `db:"original_prescription_id"`
	CorrectionReason       *string    `db:"correction_reason"`
	CreatedAt              time.Time  `db:"created_at"`
}

type MedicationRow struct {
	ID             uuid.UUID `db:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id"`
	MedicationName string    `db:"medication_name"`
	Dosage         *string   `db:"dosage"`
	Duration       *string   `db:"duration"`
	Instructions   *string   `db:"instructions"`
	ItemNumber     int       `db:"item_number"`
}

type SupplementRow struct {
	ID             uuid.UUID `db:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id"`
	SupplementID   *string   `db:"supplement_id"`
	SupplementName string    `db:"supplement_name"`
	Brand          *string   `db:"supplement_brand"`
	Category       *string   `db:"supplement_category"`
	Presentation   *string   `db:"supplement_presentation"`
	Dosage         *string   `db:"dosage"`
	Duration       *string   `db:"duration"`
	Instructions   *string   `db:"instructions"`
	ItemNumber     int       `db:"item_number"`
}

type SOAPRow struct {
	ID             uuid.UUID  `db:"id"`
	PrescriptionID uuid.UUID  `db:"prescription_id"`
	Subjective     Subjective `db:"subjective"`
	Objective      Objective  `db:"objective"`
	Assessment     Assessment `db:"assessment"`
	Plan           Plan       `db:"plan"`
}

// JoinedPrescription is one prescription with its patient, doctor, line
// items and SOAP note, as returned by a joined select.
type JoinedPrescription struct {
	Prescription PrescriptionRow
	Patient      PatientRow
	Doctor       DoctorRow
	Medications  []MedicationRow
	Supplements  []SupplementRow
	SOAP         *SOAPRow
}

// -- Record -> rows --

func doctorRow(d Doctor) *DoctorRow {
	return &DoctorRow{
		ProfessionalID:    strings.TrimSpace(d.ProfessionalID),
		Name:              strings.TrimSpace(d.Name),
		University:        strPtr(d.University),
		ClinicName:        strPtr(d.ClinicName),
		ClinicAddress:     strPtr(d.ClinicAddress),
		Contact:           strPtr(d.ClinicPhone),
		ClinicEmail:       strPtr(d.ClinicEmail),
		Logo1URL:          strPtr(d.Logo1URL),
		Logo2URL:          strPtr(d.Logo2URL),
		SignatureImageURL: strPtr(d.SignatureImage),
	}
}

// patientRow coerces age to its leading integer (nil when absent) and parses
// the date of birth (nil when empty).
func patientRow(p Patient, doctorRef uuid.UUID) (*PatientRow, error) {
	dob, err := ParseDateOfBirth(p.DateOfBirth)
	if err != nil {
		return nil, err
	}
	ref := doctorRef
	return &PatientRow{
		PatientCode: strings.TrimSpace(p.PatientID),
		Name:        strings.TrimSpace(p.Name),
		Age:         ParseAge(p.Age),
		DateOfBirth: dob,
		DoctorID:    &ref,
	}, nil
}

func prescriptionRow(r *Record, patientRef, doctorRef uuid.UUID) *PrescriptionRow {
	return &PrescriptionRow{
		PrescriptionID:   r.PrescriptionID,
		PatientID:        patientRef,
		DoctorID:         doctorRef,
		PrescriptionDate: r.IssuedAt,
		NextAppointment:  strPtr(r.NextAppointment),
		GeneralNotes:     strPtr(r.GeneralNotes),
	}
}

// lineRows numbers medications 1..M and supplements M+1..M+S.
func lineRows(rxRef uuid.UUID, meds []MedicationItem, supps []SupplementItem) ([]MedicationRow, []SupplementRow) {
	mrows := make([]MedicationRow, 0, len(meds))
	for i, m := range meds {
		mrows = append(mrows, MedicationRow{
			ID:             uuid.New(),
			PrescriptionID: rxRef,
			MedicationName: strings.TrimSpace(m.Name),
			Dosage:         strPtr(m.Dosage),
			Duration:       strPtr(m.Duration),
			Instructions:   strPtr(m.Instructions),
			ItemNumber:     i + 1,
		})
	}
	srows := make([]SupplementRow, 0, len(supps))
	for i, s := range supps {
		srows = append(srows, SupplementRow{
			ID:             uuid.New(),
			PrescriptionID: rxRef,
			SupplementID:   strPtr(s.ID),
			SupplementName: strings.TrimSpace(s.Name),
			Brand:          strPtr(s.Brand),
			Category:       strPtr(s.Category),
			Presentation:   strPtr(s.Presentation),
			Dosage:         strPtr(s.Dosage),
			Duration:       strPtr(s.Duration),
			Instructions:   strPtr(s.Instructions),
			ItemNumber:     len(meds) + i + 1,
		})
	}
	return mrows, srows
}

func soapRow(rxRef uuid.UUID, n *SOAPNote) *SOAPRow {
	return &SOAPRow{
		PrescriptionID: rxRef,
		Subjective:     n.Subjective,
		Objective:      n.Objective,
		Assessment:     n.Assessment,
		Plan:           n.Plan,
	}
}

// -- rows -> Record --

// storedFromJoined rebuilds the aggregate from its rows. Line items come back
// in item_number order whatever order the rows arrive in.
func storedFromJoined(j *JoinedPrescription) *StoredPrescription {
	rx := j.Prescription
	sp := &StoredPrescription{
		ID:                     rx.ID,
		PatientRef:             j.Patient.ID,
		DoctorRef:              j.Doctor.ID,
		IsCorrected:            rx.IsCorrected,
		CorrectedAt:            rx.CorrectedAt,
		OriginalPrescriptionID: rx.OriginalPrescriptionID,
		CorrectionReason:       rx.CorrectionReason,
	}
	sp.PrescriptionID = rx.PrescriptionID
	sp.IssuedAt = rx.PrescriptionDate
	sp.GeneralNotes = deref(rx.GeneralNotes)
	sp.NextAppointment = deref(rx.NextAppointment)

	sp.Patient = Patient{
		Name:        j.Patient.Name,
		PatientID:   j.Patient.PatientCode,
		Age:         formatAge(j.Patient.Age),
		DateOfBirth: formatDateOfBirth(j.Patient.DateOfBirth),
	}
	d := j.Doctor
	sp.Doctor = Doctor{
		Name:           d.Name,
		ProfessionalID: d.ProfessionalID,
		University:     deref(d.University),
		ClinicName:     deref(d.ClinicName),
		ClinicAddress:  deref(d.ClinicAddress),
		ClinicPhone:    deref(d.Contact),
		ClinicEmail:    deref(d.ClinicEmail),
		Logo1URL:       deref(d.Logo1URL),
		Logo2URL:       deref(d.Logo2URL),
		SignatureImage: deref(d.SignatureImageURL),
	}

	meds := append([]MedicationRow(nil), j.Medications...)
	sort.SliceStable(meds, func(a, b int) bool { return meds[a].ItemNumber < meds[b].ItemNumber })
	for _, m := range meds {
		sp.Medications = append(sp.Medications, MedicationItem{
			ID:           m.ID.String(),
			Name:         m.MedicationName,
			Dosage:       deref(m.Dosage),
			Duration:     deref(m.Duration),
			Instructions: deref(m.Instructions),
		})
	}
	supps := append([]SupplementRow(nil), j.Supplements...)
	sort.SliceStable(supps, func(a, b int) bool { return supps[a].ItemNumber < supps[b].ItemNumber })
	for _, s := range supps {
		id := deref(s.SupplementID)
		if id == "" {
			id = s.ID.String()
		}
		sp.Supplements = append(sp.Supplements, SupplementItem{
			ID:           id,
			Name:         s.SupplementName,
			Brand:        deref(s.Brand),
			Dosage:       deref(s.Dosage),
			Duration:     deref(s.Duration),
			Instructions: deref(s.Instructions),
			Category:     deref(s.Category),
			Presentation: deref(s.Presentation),
		})
	}
	if j.SOAP != nil {
		sp.SOAP = &SOAPNote{
			Subjective: j.SOAP.Subjective,
			Objective:  j.SOAP.Objective,
			Assessment: j.SOAP.Assessment,
			Plan:       j.SOAP.Plan,
		}
	}
	return sp
}

func summaryFromRow(p *PatientRow) *PatientSummary {
	return &PatientSummary{
		ID:          p.ID,
		PatientCode: p.PatientCode,
		Name:        p.Name,
		Age:         p.Age,
		DateOfBirth: p.DateOfBirth,
		CreatedAt:   p.CreatedAt,
	}
}

// -- coercion helpers --

// ParseAge returns the integer formed by the leading digits of s, or nil
// when there are none or the value exceeds MaxAge.
func ParseAge(s string) *int {
	s = strings.TrimSpace(s)
	if !startsWithDigit(s) {
		return nil
	}
	end := 0
	for end < len(s) && unicode.IsDigit(rune(s[end])) {
		end++
	}
	if end == 0 {
		return nil
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n > MaxAge {
		return nil
	}
	return &n
}

// MaxAge bounds the stored age in years.
const MaxAge = 150

func startsWithDigit(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

const dobLayout = "2006-01-02"

// ParseDateOfBirth parses a YYYY-MM-DD date. An empty string yields nil.
func ParseDateOfBirth(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dobLayout, s)
	if err != nil {
		return nil, fmt.Errorf("date_of_birth must be YYYY-MM-DD: %q", s)
	}
	return &t, nil
}

func formatAge(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func formatDateOfBirth(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dobLayout)
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

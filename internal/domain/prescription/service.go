package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/receta/receta/internal/platform/assets"
	"github.com/receta/receta/internal/platform/metrics"
	"github.com/receta/receta/internal/platform/mirror"
	"github.com/receta/receta/internal/platform/rxdoc"
	"github.com/receta/receta/internal/platform/verification"
)

// AssetLoader resolves image references for the document header and footer.
type AssetLoader interface {
	Load(ctx context.Context, name, ref string) assets.Result
}

// Mirror receives every successfully saved prescription.
type Mirror interface {
	Push(ctx context.Context, p mirror.Prescription) error
}

// Document is a rendered prescription ready for download.
type Document struct {
	Record   *Record
	FileName string
	PDF      []byte
	Pages    int
	// Verified reports whether a verification code was printed.
	Verified bool
}

// IssueResult is the outcome of rendering and then saving a prescription.
// The document is always present; SaveErr is set when persistence failed
// after the document was produced.
type IssueResult struct {
	Document *Document
	Ref      uuid.UUID
	SaveErr  error
}

// Saved reports whether the record reached storage.
func (r *IssueResult) Saved() bool { return r.SaveErr == nil }

// VerificationResult answers a scan of a printed verification code.
// Details of the stored prescription are filled only when Valid, so a folio
// alone discloses nothing about the patient or the prescriber.
type VerificationResult struct {
	Folio      string     `json:"folio"`
	Valid      bool       `json:"valid"`
	Reason     string     `json:"reason,omitempty"`
	DoctorName string     `json:"doctor_name,omitempty"`
	IssuedAt   *time.Time `json:"issued_at,omitempty"`
	Corrected  bool       `json:"corrected"`
}

type Service struct {
	mapper   *Mapper
	ids      *IDGenerator
	profiles ProfileStore
	encoder  *verification.Encoder
	loader   AssetLoader
	logger   zerolog.Logger

	mirror  Mirror
	metrics *metrics.Metrics
	style   rxdoc.Style
	loc     *time.Location
	now     func() time.Time

	// uncompressed leaves PDF page streams readable.
	uncompressed bool
}

func NewService(mapper *Mapper, ids *IDGenerator, profiles ProfileStore, encoder *verification.Encoder, loader AssetLoader, logger zerolog.Logger) *Service {
	return &Service{
		mapper:   mapper,
		ids:      ids,
		profiles: profiles,
		encoder:  encoder,
		loader:   loader,
		logger:   logger,
		style:    rxdoc.StyleBoxed,
		loc:      time.UTC,
		now:      time.Now,
	}
}

// SetMirror enables pushing saved prescriptions to an external table.
func (s *Service) SetMirror(m Mirror) { s.mirror = m }

func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetStyle selects the item style used by Export, Issue and Correct.
func (s *Service) SetStyle(style rxdoc.Style) { s.style = style }

// SetLocation sets the zone printed dates are shown in.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- form preparation --

// PrepareForm normalizes a posted form: it trims text, gives every line item
// a local id, fills the doctor from the saved profile when the form has none
// and derives the patient code when a name is present without one.
func (s *Service) PrepareForm(ctx context.Context, f *Form) error {
	return s.prepare(ctx, f, true)
}

func (s *Service) prepare(ctx context.Context, f *Form, deriveCode bool) error {
	trimForm(f)
	for i := range f.Medications {
		if f.Medications[i].ID == "" {
			f.Medications[i].ID = uuid.NewString()
		}
	}
	for i := range f.Supplements {
		if f.Supplements[i].ID == "" {
			f.Supplements[i].ID = uuid.NewString()
		}
	}

	if f.Doctor.IsZero() && s.profiles != nil {
		d, err := s.profiles.Load(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("doctor profile unavailable")
		} else {
			f.Doctor = d
		}
	}

	if deriveCode && f.Patient.Name != "" && f.Patient.PatientID == "" {
		code, err := s.ids.PatientID(ctx, f.Patient.Name)
		if err != nil {
			return fmt.Errorf("derive patient code: %w", err)
		}
		f.Patient.PatientID = code
	}
	return nil
}

func trimForm(f *Form) {
	p := &f.Patient
	p.Name, p.Age, p.DateOfBirth, p.PatientID = trim(p.Name), trim(p.Age), trim(p.DateOfBirth), trim(p.PatientID)

	d := &f.Doctor
	d.Name, d.ProfessionalID, d.University = trim(d.Name), trim(d.ProfessionalID), trim(d.University)
	d.ClinicName, d.ClinicAddress = trim(d.ClinicName), trim(d.ClinicAddress)
	d.ClinicPhone, d.ClinicEmail = trim(d.ClinicPhone), trim(d.ClinicEmail)
	d.Logo1URL, d.Logo2URL, d.SignatureImage = trim(d.Logo1URL), trim(d.Logo2URL), trim(d.SignatureImage)

	for i := range f.Medications {
		m := &f.Medications[i]
		m.Name, m.Dosage, m.Duration, m.Instructions = trim(m.Name), trim(m.Dosage), trim(m.Duration), trim(m.Instructions)
	}
	for i := range f.Supplements {
		sp := &f.Supplements[i]
		sp.Name, sp.Brand, sp.Dosage, sp.Duration = trim(sp.Name), trim(sp.Brand), trim(sp.Dosage), trim(sp.Duration)
		sp.Instructions, sp.Category, sp.Presentation = trim(sp.Instructions), trim(sp.Category), trim(sp.Presentation)
	}
	f.GeneralNotes = trim(f.GeneralNotes)
	f.NextAppointment = trim(f.NextAppointment)
	if f.SOAP.IsEmpty() {
		f.SOAP = nil
	}
}

func trim(s string) string { return strings.TrimSpace(s) }

// Snapshot stamps f with a new folio and the current time.
func (s *Service) Snapshot(f Form) *Record {
	return &Record{
		Form:           f,
		PrescriptionID: s.ids.PrescriptionID(),
		IssuedAt:       s.now(),
	}
}

// -- validation --

func validateExport(r *Record) error {
	if r.Patient.Name == "" && r.Doctor.Name == "" && len(r.Medications) == 0 && len(r.Supplements) == 0 {
		return fmt.Errorf("%w: prescription is empty", ErrValidation)
	}
	return nil
}

func validateSave(r *Record) error {
	var missing []string
	if r.Doctor.ProfessionalID == "" {
		missing = append(missing, "doctor.professional_id")
	}
	if r.Doctor.Name == "" {
		missing = append(missing, "doctor.name")
	}
	if r.Patient.Name == "" {
		missing = append(missing, "patient.name")
	}
	if r.Patient.PatientID == "" {
		missing = append(missing, "patient.patient_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if !ValidAppointment(r.NextAppointment) {
		return fmt.Errorf("%w: next_appointment %q is not an allowed option", ErrValidation, r.NextAppointment)
	}
	if _, err := ParseDateOfBirth(r.Patient.DateOfBirth); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if age := r.Patient.Age; startsWithDigit(age) && ParseAge(age) == nil {
		return fmt.Errorf("%w: patient.age %q is outside 0-%d", ErrValidation, age, MaxAge)
	}
	return nil
}

// -- rendering --

// buildDocument loads the logos, the signature and the verification code
// concurrently, then maps r onto the printable document. SOAP notes are not
// carried over.
func (s *Service) buildDocument(ctx context.Context, r *Record, corrected bool) *rxdoc.Document {
	doc := &rxdoc.Document{
		PrescriptionID: r.PrescriptionID,
		IssuedAt:       r.IssuedAt.In(s.loc),
		Corrected:      corrected,
		Doctor: rxdoc.Doctor{
			Name:          r.Doctor.Name,
			License:       r.Doctor.ProfessionalID,
			University:    r.Doctor.University,
			ClinicName:    r.Doctor.ClinicName,
			ClinicAddress: r.Doctor.ClinicAddress,
			ClinicPhone:   r.Doctor.ClinicPhone,
			ClinicEmail:   r.Doctor.ClinicEmail,
		},
		Patient: rxdoc.Patient{
			Name:        r.Patient.Name,
			Age:         r.Patient.Age,
			DateOfBirth: DisplayDate(r.Patient.DateOfBirth),
			PatientID:   r.Patient.PatientID,
		},
		GeneralNotes:    r.GeneralNotes,
		NextAppointment: r.NextAppointment,
	}
	for _, m := range r.Medications {
		doc.Medications = append(doc.Medications, rxdoc.Item{
			Name: m.Name, Dosage: m.Dosage, Duration: m.Duration, Instructions: m.Instructions,
		})
	}
	for _, sp := range r.Supplements {
		doc.Supplements = append(doc.Supplements, rxdoc.Item{
			Name: sp.Name, Brand: sp.Brand, Dosage: sp.Dosage, Duration: sp.Duration, Instructions: sp.Instructions,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	load := func(dst **rxdoc.Image, name, ref string) {
		g.Go(func() error {
			*dst = s.loadImage(gctx, name, ref)
			return nil
		})
	}
	load(&doc.Logos[0], "logo1", r.Doctor.Logo1URL)
	load(&doc.Logos[1], "logo2", r.Doctor.Logo2URL)
	load(&doc.Signature, "signature", r.Doctor.SignatureImage)
	g.Go(func() error {
		doc.Verification = s.verificationImage(r)
		return nil
	})
	_ = g.Wait()
	return doc
}

func (s *Service) loadImage(ctx context.Context, name, ref string) *rxdoc.Image {
	if ref == "" || s.loader == nil {
		return nil
	}
	res := s.loader.Load(ctx, name, ref)
	if !res.Loaded() {
		s.metrics.AssetSkipped(name)
		return nil
	}
	return &rxdoc.Image{Data: res.Data, Width: res.Width, Height: res.Height}
}

// verificationImage returns nil when the code cannot be built; a document
// without a code is still valid.
func (s *Service) verificationImage(r *Record) *rxdoc.Image {
	if s.encoder == nil {
		return nil
	}
	code, err := s.encoder.Encode(verification.Input{
		PrescriptionID: r.PrescriptionID,
		DoctorName:     r.Doctor.Name,
		DoctorLicense:  r.Doctor.ProfessionalID,
		PatientName:    r.Patient.Name,
		IssuedAt:       r.IssuedAt,
	})
	if err != nil {
		if !errors.Is(err, verification.ErrIncomplete) {
			s.logger.Warn().Err(err).Str("prescription_id", r.PrescriptionID).Msg("verification code skipped")
		}
		s.metrics.AssetSkipped("verification")
		return nil
	}
	return &rxdoc.Image{Data: code.PNG, Width: code.Size, Height: code.Size}
}

func (s *Service) render(ctx context.Context, r *Record, style rxdoc.Style, corrected bool) (*Document, error) {
	doc := s.buildDocument(ctx, r, corrected)

	start := time.Now()
	out, err := rxdoc.Render(doc, rxdoc.Options{Style: style, Uncompressed: s.uncompressed})
	pages := 0
	if out != nil {
		pages = out.Pages
	}
	s.metrics.ObserveRender(string(style), pages, time.Since(start), err)
	if err != nil {
		s.logger.Error().Err(err).Str("prescription_id", r.PrescriptionID).Msg("render failed")
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	return &Document{
		Record:   r,
		FileName: rxdoc.FileName(r.Patient.Name, corrected),
		PDF:      out.PDF,
		Pages:    out.Pages,
		Verified: doc.Verification != nil,
	}, nil
}

// DisplayDate turns YYYY-MM-DD into DD/MM/YYYY. Other input is returned
// unchanged.
func DisplayDate(s string) string {
	t, err := time.Parse(dobLayout, strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return t.Format("02/01/2006")
}

// -- document operations --

// Preview renders the form in the compact lined style without deriving a
// patient code or touching storage.
func (s *Service) Preview(ctx context.Context, f Form) (*Document, error) {
	if err := s.prepare(ctx, &f, false); err != nil {
		return nil, err
	}
	r := s.Snapshot(f)
	if err := validateExport(r); err != nil {
		return nil, err
	}
	return s.render(ctx, r, rxdoc.StyleLined, false)
}

// Export renders the form in the configured style without saving it. A
// patient code derived here is printed and returned on the document so the
// later save can reuse it.
func (s *Service) Export(ctx context.Context, f Form) (*Document, error) {
	if err := s.PrepareForm(ctx, &f); err != nil {
		return nil, err
	}
	r := s.Snapshot(f)
	if err := validateExport(r); err != nil {
		return nil, err
	}
	return s.render(ctx, r, s.style, false)
}

// Issue renders the prescription and then saves the same snapshot. A save
// failure does not retract the document: it is reported in the result.
func (s *Service) Issue(ctx context.Context, f Form) (*IssueResult, error) {
	r, err := s.prepareForSave(ctx, f)
	if err != nil {
		return nil, err
	}
	doc, err := s.render(ctx, r, s.style, false)
	if err != nil {
		return nil, err
	}

	res := &IssueResult{Document: doc}
	res.Ref, res.SaveErr = s.mapper.Save(ctx, r)
	s.metrics.ObserveSave("issue", res.SaveErr)
	s.afterSave(ctx, r, res.SaveErr)
	return res, nil
}

// Correct issues f as a correction of the prescription with the given folio.
// The original stays stored and is flagged as corrected.
func (s *Service) Correct(ctx context.Context, originalFolio string, f Form, reason string) (*IssueResult, error) {
	originalFolio = trim(originalFolio)
	if originalFolio == "" {
		return nil, fmt.Errorf("%w: original prescription id is required", ErrValidation)
	}
	if _, err := s.mapper.FetchPrescription(ctx, originalFolio); err != nil {
		return nil, err
	}
	r, err := s.prepareForSave(ctx, f)
	if err != nil {
		return nil, err
	}
	doc, err := s.render(ctx, r, s.style, true)
	if err != nil {
		return nil, err
	}

	res := &IssueResult{Document: doc}
	res.Ref, res.SaveErr = s.mapper.SaveCorrection(ctx, r, originalFolio, reason)
	s.metrics.ObserveSave("correction", res.SaveErr)
	s.afterSave(ctx, r, res.SaveErr)
	return res, nil
}

func (s *Service) prepareForSave(ctx context.Context, f Form) (*Record, error) {
	if err := s.PrepareForm(ctx, &f); err != nil {
		return nil, err
	}
	r := s.Snapshot(f)
	if err := validateExport(r); err != nil {
		return nil, err
	}
	if err := validateSave(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) afterSave(ctx context.Context, r *Record, saveErr error) {
	if saveErr != nil {
		s.logger.Error().Err(saveErr).Str("prescription_id", r.PrescriptionID).Msg("prescription not saved")
		return
	}
	s.logger.Info().
		Str("prescription_id", r.PrescriptionID).
		Str("patient_id", r.Patient.PatientID).
		Int("items", len(r.Medications)+len(r.Supplements)).
		Msg("prescription saved")

	if s.mirror == nil {
		return
	}
	err := s.mirror.Push(ctx, toMirror(r))
	s.metrics.ObserveMirror(err)
	if err != nil {
		s.logger.Warn().Err(err).Str("prescription_id", r.PrescriptionID).Msg("mirror push failed")
	}
}

func toMirror(r *Record) mirror.Prescription {
	p := mirror.Prescription{
		PrescriptionID:     r.PrescriptionID,
		IssuedAt:           r.IssuedAt,
		PatientName:        r.Patient.Name,
		PatientAge:         ParseAge(r.Patient.Age),
		PatientDateOfBirth: r.Patient.DateOfBirth,
		PatientCode:        r.Patient.PatientID,
		DoctorName:         r.Doctor.Name,
		DoctorLicense:      r.Doctor.ProfessionalID,
		DoctorUniversity:   r.Doctor.University,
		ClinicName:         r.Doctor.ClinicName,
		ClinicAddress:      r.Doctor.ClinicAddress,
		ClinicPhone:        r.Doctor.ClinicPhone,
		ClinicEmail:        r.Doctor.ClinicEmail,
		Logo1URL:           r.Doctor.Logo1URL,
		Logo2URL:           r.Doctor.Logo2URL,
		GeneralNotes:       r.GeneralNotes,
		NextAppointment:    r.NextAppointment,
	}
	for _, m := range r.Medications {
		p.Medications = append(p.Medications, mirror.Medication{
			Name: m.Name, Dosage: m.Dosage, Duration: m.Duration, Instructions: m.Instructions,
		})
	}
	for _, sp := range r.Supplements {
		p.Supplements = append(p.Supplements, mirror.Supplement{
			Name: sp.Name, Brand: sp.Brand, Category: sp.Category, Dosage: sp.Dosage,
			Duration: sp.Duration, Instructions: sp.Instructions, Presentation: sp.Presentation,
		})
	}
	return p
}

// -- records --

func (s *Service) History(ctx context.Context, patientCode string) ([]*StoredPrescription, error) {
	patientCode = trim(patientCode)
	if patientCode == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	return s.mapper.FetchPatientHistory(ctx, patientCode)
}

func (s *Service) Prescription(ctx context.Context, folio string) (*StoredPrescription, error) {
	folio = trim(folio)
	if folio == "" {
		return nil, fmt.Errorf("%w: prescription id is required", ErrValidation)
	}
	return s.mapper.FetchPrescription(ctx, folio)
}

func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*PatientSummary, int, error) {
	return s.mapper.SearchPatients(ctx, query, limit, offset)
}

func (s *Service) DeletePatient(ctx context.Context, patientCode string) error {
	patientCode = trim(patientCode)
	if patientCode == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	err := s.mapper.DeletePatientCascade(ctx, patientCode)
	s.metrics.ObserveDeletion("patient", err)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientCode).Msg("patient deletion failed")
		return err
	}
	s.logger.Info().Str("patient_id", patientCode).Msg("patient deleted")
	return nil
}

func (s *Service) DeletePrescription(ctx context.Context, folio string) error {
	folio = trim(folio)
	if folio == "" {
		return fmt.Errorf("%w: prescription id is required", ErrValidation)
	}
	err := s.mapper.DeletePrescriptionCascade(ctx, folio)
	s.metrics.ObserveDeletion("prescription", err)
	if err != nil {
		s.logger.Error().Err(err).Str("prescription_id", folio).Msg("prescription deletion failed")
		return err
	}
	s.logger.Info().Str("prescription_id", folio).Msg("prescription deleted")
	return nil
}

// -- identifiers and profile --

func (s *Service) GeneratePatientID(ctx context.Context, name string) (string, error) {
	return s.ids.PatientID(ctx, name)
}

func (s *Service) Profile(ctx context.Context) (Doctor, error) {
	return s.profiles.Load(ctx)
}

func (s *Service) SaveProfile(ctx context.Context, d Doctor) (Doctor, error) {
	f := Form{Doctor: d}
	trimForm(&f)
	if err := s.profiles.Save(ctx, f.Doctor); err != nil {
		return Doctor{}, err
	}
	return f.Doctor, nil
}

// -- verification --

// Verify checks a scanned verification link: the folio must exist and the
// license must match the one stored with it.
func (s *Service) Verify(ctx context.Context, folio, doctorName, license string) (*VerificationResult, error) {
	folio = trim(folio)
	res := &VerificationResult{Folio: folio}
	if folio == "" {
		return nil, fmt.Errorf("%w: folio is required", ErrValidation)
	}
	sp, err := s.mapper.FetchPrescription(ctx, folio)
	if errors.Is(err, ErrNotFound) {
		res.Reason = "folio not found"
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(trim(license), sp.Doctor.ProfessionalID) {
		res.Reason = "license does not match"
		return res, nil
	}
	if name := trim(doctorName); name != "" && name != sp.Doctor.Name {
		s.logger.Debug().Str("folio", folio).Msg("verification doctor name differs from stored name")
	}
	issued := sp.IssuedAt
	res.Valid = true
	res.DoctorName = sp.Doctor.Name
	res.IssuedAt = &issued
	res.Corrected = sp.IsCorrected
	return res, nil
}

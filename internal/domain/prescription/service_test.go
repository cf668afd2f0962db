package prescription

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/receta/receta/internal/platform/assets"
	"github.com/receta/receta/internal/platform/kv"
	"github.com/receta/receta/internal/platform/mirror"
	"github.com/receta/receta/internal/platform/verification"
)

// stubLoader serves images by reference and skips everything else.
type stubLoader struct {
	mu     sync.Mutex
	images map[string][]byte
	asked  []string
}

func (l *stubLoader) Load(_ context.Context, name, ref string) assets.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.asked = append(l.asked, name)
	if raw, ok := l.images[ref]; ok {
		return assets.Normalize(name, raw)
	}
	return assets.Skipped(name, "unreachable")
}

type recordingMirror struct {
	pushed []mirror.Prescription
	err    error
}

func (m *recordingMirror) Push(_ context.Context, p mirror.Prescription) error {
	m.pushed = append(m.pushed, p)
	return m.err
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var testNow = time.Date(2026, 10, 15, 16, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	store  *memStore
	loader *stubLoader
	mirror *recordingMirror
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	mem := kv.NewMemoryKV()
	ids := NewIDGenerator(NewKVCounter(mem), time.UTC)
	ids.now = func() time.Time { return testNow }
	loader := &stubLoader{images: map[string][]byte{"https://cdn.test/logo.png": testPNG(t)}}

	svc := NewService(NewMapper(store), ids, NewKVProfileStore(mem), verification.NewEncoder("https://verify.test"), loader, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })
	svc.uncompressed = true
	m := &recordingMirror{}
	svc.SetMirror(m)
	return &fixture{svc: svc, store: store, loader: loader, mirror: m}
}

func scenarioForm() Form {
	return Form{
		Patient: Patient{Name: "Juan García", Age: "34"},
		Doctor:  Doctor{Name: "Ana Pérez", ProfessionalID: "123"},
		Medications: []MedicationItem{
			{Name: "Amoxicilina", Dosage: "500mg", Duration: "7 días"},
		},
	}
}

func cp1252(s string) string {
	r := strings.NewReplacer("á", "\xe1", "é", "\xe9", "í", "\xed", "ó", "\xf3", "ú", "\xfa", "ñ", "\xf1")
	return r.Replace(s)
}

func TestService_ExportScenario(t *testing.T) {
	f := newFixture(t)
	doc, err := f.svc.Export(context.Background(), scenarioForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Pages != 1 {
		t.Errorf("pages = %d, want 1", doc.Pages)
	}
	if !doc.Verified {
		t.Error("expected a verification code")
	}
	body := string(doc.PDF)
	for _, want := range []string{"1. Amoxicilina", "500mg", cp1252("7 días"), cp1252("Dr. Ana Pérez"), "C.P. 123"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in document", want)
		}
	}
	if !strings.Contains(body, "/Subtype /Image") {
		t.Error("verification image not embedded")
	}
	if doc.FileName != "Receta-Juan_García.pdf" {
		t.Errorf("file name = %q", doc.FileName)
	}
	if len(f.store.calls) != 0 {
		t.Errorf("export touched storage: %v", f.store.calls)
	}
}

func TestService_IssueScenario(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Issue(context.Background(), scenarioForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Saved() {
		t.Fatalf("save failed: %v", res.SaveErr)
	}
	s := f.store
	if len(s.doctors) != 1 || len(s.patients) != 1 || len(s.rxs) != 1 || len(s.meds) != 1 {
		t.Errorf("doctors=%d patients=%d rxs=%d meds=%d", len(s.doctors), len(s.patients), len(s.rxs), len(s.meds))
	}
	if len(s.supps) != 0 || len(s.soaps) != 0 {
		t.Errorf("supps=%d soaps=%d, want 0", len(s.supps), len(s.soaps))
	}
	for _, p := range s.patients {
		if p.PatientCode != "1510JG01" {
			t.Errorf("patient code = %q, want 1510JG01", p.PatientCode)
		}
	}
	rx := s.rxs[res.Ref]
	if rx.PrescriptionID != res.Document.Record.PrescriptionID {
		t.Errorf("saved folio %s differs from printed folio %s", rx.PrescriptionID, res.Document.Record.PrescriptionID)
	}
	if !rx.PrescriptionDate.Equal(testNow) {
		t.Errorf("prescription date = %v", rx.PrescriptionDate)
	}
	if len(f.mirror.pushed) != 1 || f.mirror.pushed[0].PatientCode != "1510JG01" {
		t.Errorf("mirror pushes = %+v", f.mirror.pushed)
	}
}

func TestService_SOAPNeverPrinted(t *testing.T) {
	f := newFixture(t)
	form := scenarioForm()
	form.SOAP = &SOAPNote{
		Subjective: Subjective{ChiefComplaint: "QQCOMPLAINT", CurrentMedications: "QQCURRENT"},
		Objective:  Objective{VitalSigns: "QQVITALS", KeyFindings: "QQFINDINGS"},
		Assessment: Assessment{Diagnosis: "QQDIAGNOSIS"},
		Plan:       Plan{Treatment: "QQTREATMENT"},
	}

	res, err := f.svc.Issue(context.Background(), form)
	if err != nil {
		t.Fatal(err)
	}
	body := string(res.Document.PDF)
	for _, v := range form.SOAP.values() {
		if strings.Contains(body, v) {
			t.Errorf("SOAP value %q printed", v)
		}
	}
	if len(f.store.soaps) != 1 {
		t.Errorf("soap rows = %d, want 1", len(f.store.soaps))
	}
}

func TestService_NumberingContinuesIntoSupplements(t *testing.T) {
	f := newFixture(t)
	form := scenarioForm()
	form.Medications = append(form.Medications, MedicationItem{Name: "Ibuprofeno"}, MedicationItem{Name: "Loratadina"})
	form.Supplements = []SupplementItem{{Name: "Omega 3", Brand: "Nordic"}, {Name: "Zinc"}}

	doc, err := f.svc.Export(context.Background(), form)
	if err != nil {
		t.Fatal(err)
	}
	body := string(doc.PDF)
	for _, want := range []string{"1. Amoxicilina", "2. Ibuprofeno", "3. Loratadina", "4. Omega 3 - Nordic", "5. Zinc"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in document", want)
		}
	}
}

func TestService_NoCodeWithoutDoctorName(t *testing.T) {
	f := newFixture(t)
	form := scenarioForm()
	form.Doctor.Name = ""

	doc, err := f.svc.Export(context.Background(), form)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Verified {
		t.Error("verification code printed without a doctor name")
	}
}

func TestService_ExportValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Export(context.Background(), Form{GeneralNotes: "solo notas"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestService_IssueValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Form)
	}{
		{"missing license", func(f *Form) { f.Doctor.ProfessionalID = " " }},
		{"missing patient", func(f *Form) { f.Patient.Name = "" }},
		{"unknown appointment", func(f *Form) { f.NextAppointment = "10 años" }},
		{"malformed birth date", func(f *Form) { f.Patient.DateOfBirth = "09/04/1992" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			form := scenarioForm()
			tt.mutate(&form)
			_, err := f.svc.Issue(context.Background(), form)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if len(f.store.calls) != 0 {
				t.Errorf("storage touched: %v", f.store.calls)
			}
		})
	}
}

func TestService_IssueSaveFailureKeepsDocument(t *testing.T) {
	f := newFixture(t)
	f.store.fail["BulkInsertMedications"] = errors.New("connection refused")

	res, err := f.svc.Issue(context.Background(), scenarioForm())
	if err != nil {
		t.Fatalf("issue must not fail when only the save does: %v", err)
	}
	if res.Saved() || !errors.Is(res.SaveErr, ErrSave) {
		t.Fatalf("SaveErr = %v, want ErrSave", res.SaveErr)
	}
	if len(res.Document.PDF) == 0 {
		t.Error("document retracted after save failure")
	}
	if len(f.store.rxs) != 0 {
		t.Error("partial prescription row left behind")
	}
	if len(f.mirror.pushed) != 0 {
		t.Error("unsaved prescription mirrored")
	}
}

func TestService_MirrorFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	f.mirror.err = errors.New("airtable down")

	res, err := f.svc.Issue(context.Background(), scenarioForm())
	if err != nil || !res.Saved() {
		t.Fatalf("err=%v saveErr=%v", err, res.SaveErr)
	}
}

func TestService_DoctorFromProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SaveProfile(ctx, Doctor{Name: " Ana Pérez ", ProfessionalID: "123", ClinicName: "Clínica Norte"}); err != nil {
		t.Fatal(err)
	}
	form := scenarioForm()
	form.Doctor = Doctor{}

	doc, err := f.svc.Export(ctx, form)
	if err != nil {
		t.Fatal(err)
	}
	if d := doc.Record.Doctor; d.Name != "Ana Pérez" || d.ClinicName != "Clínica Norte" {
		t.Errorf("doctor = %+v, want profile values", d)
	}
}

func TestService_PreviewDoesNotConsumeSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Preview(ctx, scenarioForm())
	if err != nil {
		t.Fatal(err)
	}
	if doc.Record.Patient.PatientID != "" {
		t.Errorf("preview derived patient code %q", doc.Record.Patient.PatientID)
	}
	id, err := f.svc.GeneratePatientID(ctx, "Juan García")
	if err != nil {
		t.Fatal(err)
	}
	if id != "1510JG01" {
		t.Errorf("patient id = %q, want first sequence", id)
	}
}

func TestService_ExportThenIssueShareCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exported, err := f.svc.Export(ctx, scenarioForm())
	if err != nil {
		t.Fatal(err)
	}
	code := exported.Record.Patient.PatientID
	if code != "1510JG01" {
		t.Fatalf("exported code = %q", code)
	}

	form := scenarioForm()
	form.Patient.PatientID = code
	issued, err := f.svc.Issue(ctx, form)
	if err != nil || !issued.Saved() {
		t.Fatalf("issue: %v", err)
	}
	if got := issued.Document.Record.Patient.PatientID; got != code {
		t.Errorf("issued code = %q, want %q", got, code)
	}

	next, err := f.svc.GeneratePatientID(ctx, "Juan García")
	if err != nil {
		t.Fatal(err)
	}
	if next != "1510JG02" {
		t.Errorf("next code = %q, issue must not consume a second sequence", next)
	}
}

func TestService_IssueRejectsImplausibleAge(t *testing.T) {
	f := newFixture(t)
	for _, age := range []string{"3000000000", "151", "99999999999999999999 años"} {
		form := scenarioForm()
		form.Patient.Age = age
		if _, err := f.svc.Issue(context.Background(), form); !errors.Is(err, ErrValidation) {
			t.Errorf("age %q: err = %v, want ErrValidation", age, err)
		}
	}
	if len(f.store.rxs) != 0 {
		t.Errorf("stored %d prescriptions", len(f.store.rxs))
	}

	form := scenarioForm()
	form.Patient.Age = "edad desconocida"
	if res, err := f.svc.Issue(context.Background(), form); err != nil || !res.Saved() {
		t.Errorf("non-numeric age must still save: %v", err)
	}
}

func TestService_PrepareFormAssignsItemIDs(t *testing.T) {
	f := newFixture(t)
	form := Form{
		Patient:     Patient{Name: "  Juan García "},
		Medications: []MedicationItem{{Name: " Amoxicilina "}, {ID: "keep", Name: "Paracetamol"}},
		Supplements: []SupplementItem{{Name: "Zinc"}},
		SOAP:        &SOAPNote{},
	}
	if err := f.svc.PrepareForm(context.Background(), &form); err != nil {
		t.Fatal(err)
	}
	if form.Patient.Name != "Juan García" || form.Medications[0].Name != "Amoxicilina" {
		t.Errorf("fields not trimmed: %+v", form)
	}
	if form.Medications[0].ID == "" || form.Medications[1].ID != "keep" || form.Supplements[0].ID == "" {
		t.Errorf("item ids = %q %q %q", form.Medications[0].ID, form.Medications[1].ID, form.Supplements[0].ID)
	}
	if form.Patient.PatientID != "1510JG01" {
		t.Errorf("patient id = %q", form.Patient.PatientID)
	}
	if form.SOAP != nil {
		t.Error("empty SOAP note kept")
	}
}

func TestService_AssetsLoadedAndSkipped(t *testing.T) {
	f := newFixture(t)
	form := scenarioForm()
	form.Doctor.Logo1URL = "https://cdn.test/logo.png"
	form.Doctor.Logo2URL = "https://cdn.test/missing.png"

	doc, err := f.svc.Export(context.Background(), form)
	if err != nil {
		t.Fatalf("a missing logo must not fail the render: %v", err)
	}
	if doc.Pages != 1 {
		t.Errorf("pages = %d", doc.Pages)
	}
	if len(f.loader.asked) != 2 {
		t.Errorf("loader asked for %v, want both logos only", f.loader.asked)
	}
}

func TestService_Correct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, scenarioForm())
	if err != nil || !first.Saved() {
		t.Fatalf("issue: %v %v", err, first.SaveErr)
	}
	folio := first.Document.Record.PrescriptionID

	form := scenarioForm()
	form.Patient.PatientID = first.Document.Record.Patient.PatientID
	form.Medications[0].Dosage = "875mg"
	res, err := f.svc.Correct(ctx, folio, form, "dosis equivocada")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Saved() {
		t.Fatalf("correction not saved: %v", res.SaveErr)
	}
	if res.Document.FileName != "Receta-Corregida-Juan_García.pdf" {
		t.Errorf("file name = %q", res.Document.FileName)
	}
	if !strings.Contains(string(res.Document.PDF), "RECETA CORREGIDA") {
		t.Error("corrected mark missing")
	}
	if len(f.store.rxs) != 2 || len(f.store.patients) != 1 {
		t.Errorf("rxs=%d patients=%d", len(f.store.rxs), len(f.store.patients))
	}
	if !f.store.rxs[first.Ref].IsCorrected {
		t.Error("original not flagged")
	}
	if reason := deref(f.store.rxs[res.Ref].CorrectionReason); reason != "dosis equivocada" {
		t.Errorf("reason = %q", reason)
	}
}

func TestService_CorrectUnknownOriginal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Correct(context.Background(), "RX-NONE", scenarioForm(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestService_Verify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Issue(ctx, scenarioForm())
	if err != nil || !res.Saved() {
		t.Fatalf("issue: %v", err)
	}
	folio := res.Document.Record.PrescriptionID

	ok, err := f.svc.Verify(ctx, folio, "Ana Pérez", "123")
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Valid || ok.DoctorName != "Ana Pérez" || ok.IssuedAt == nil || !ok.IssuedAt.Equal(testNow) {
		t.Errorf("result = %+v, want valid with details", ok)
	}

	bad, err := f.svc.Verify(ctx, folio, "Ana Pérez", "999")
	if err != nil {
		t.Fatal(err)
	}
	if bad.Valid || bad.Reason == "" {
		t.Errorf("result = %+v, want license mismatch", bad)
	}
	if bad.DoctorName != "" || bad.IssuedAt != nil {
		t.Errorf("mismatched license disclosed details: %+v", bad)
	}

	missing, err := f.svc.Verify(ctx, "RX-NONE", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if missing.Valid || missing.IssuedAt != nil {
		t.Errorf("unknown folio = %+v", missing)
	}

	if _, err := f.svc.Verify(ctx, " ", "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("blank folio err = %v", err)
	}
}

func TestService_DeleteRequiresIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.DeletePatient(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("DeletePatient err = %v", err)
	}
	if err := f.svc.DeletePrescription(ctx, " "); !errors.Is(err, ErrValidation) {
		t.Errorf("DeletePrescription err = %v", err)
	}
	if err := f.svc.DeletePrescription(ctx, "RX-NONE"); !errors.Is(err, ErrDeletion) || !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown folio err = %v", err)
	}
}

func TestToMirror(t *testing.T) {
	r := sampleRecord("RX-1", testNow)
	p := toMirror(r)
	if p.PatientAge == nil || *p.PatientAge != 34 {
		t.Errorf("age = %v", p.PatientAge)
	}
	if len(p.Medications) != 2 || len(p.Supplements) != 1 || p.Supplements[0].Brand != "Nordic" {
		t.Errorf("items = %+v %+v", p.Medications, p.Supplements)
	}
	r.Supplements = nil
	if toMirror(r).Supplements != nil {
		t.Error("supplements must stay nil when there are none")
	}
}

func TestDisplayDate(t *testing.T) {
	tests := map[string]string{
		"1992-04-09": "09/04/1992",
		"":           "",
		"ayer":       "ayer",
	}
	for in, want := range tests {
		if got := DisplayDate(in); got != want {
			t.Errorf("DisplayDate(%q) = %q, want %q", in, got, want)
		}
	}
}

package prescription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mapper normalizes Records into the relational rows and back. Multi-step
// writes run in a single Store transaction, so a failure leaves no partial
// rows behind.
type Mapper struct {
	store Store
	now   func() time.Time
}

func NewMapper(store Store) *Mapper {
	return &Mapper{store: store, now: time.Now}
}

// UpsertDoctor writes the doctor keyed by license; the last write wins.
func (m *Mapper) UpsertDoctor(ctx context.Context, d Doctor) (uuid.UUID, error) {
	ref, err := m.store.UpsertDoctor(ctx, doctorRow(d))
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert doctor %s: %w", d.ProfessionalID, err)
	}
	return ref, nil
}

// UpsertPatient writes the patient keyed by patient code.
func (m *Mapper) UpsertPatient(ctx context.Context, p Patient, doctorRef uuid.UUID) (uuid.UUID, error) {
	row, err := patientRow(p, doctorRef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ref, err := m.store.UpsertPatient(ctx, row)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert patient %s: %w", p.PatientID, err)
	}
	return ref, nil
}

func (m *Mapper) InsertPrescription(ctx context.Context, r *Record, patientRef, doctorRef uuid.UUID) (uuid.UUID, error) {
	ref, err := m.store.InsertPrescription(ctx, prescriptionRow(r, patientRef, doctorRef))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert prescription %s: %w", r.PrescriptionID, err)
	}
	return ref, nil
}

// InsertLineItems writes one row per item with item_number following the
// concatenated medication then supplement order.
func (m *Mapper) InsertLineItems(ctx context.Context, rxRef uuid.UUID, meds []MedicationItem, supps []SupplementItem) error {
	mrows, srows := lineRows(rxRef, meds, supps)
	if len(mrows) > 0 {
		if err := m.store.BulkInsertMedications(ctx, mrows); err != nil {
			return fmt.Errorf("insert medications: %w", err)
		}
	}
	if len(srows) > 0 {
		if err := m.store.BulkInsertSupplements(ctx, srows); err != nil {
			return fmt.Errorf("insert supplements: %w", err)
		}
	}
	return nil
}

// UpsertSOAP writes the note for a prescription. An empty note is skipped.
func (m *Mapper) UpsertSOAP(ctx context.Context, rxRef uuid.UUID, note *SOAPNote) error {
	if note.IsEmpty() {
		return nil
	}
	if err := m.store.UpsertSOAP(ctx, soapRow(rxRef, note)); err != nil {
		return fmt.Errorf("upsert soap note: %w", err)
	}
	return nil
}

// Save persists a full record and returns the prescription row id.
func (m *Mapper) Save(ctx context.Context, r *Record) (uuid.UUID, error) {
	var ref uuid.UUID
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		ref, err = m.save(ctx, r)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrSave, err)
	}
	return ref, nil
}

func (m *Mapper) save(ctx context.Context, r *Record) (uuid.UUID, error) {
	doctorRef, err := m.UpsertDoctor(ctx, r.Doctor)
	if err != nil {
		return uuid.Nil, err
	}
	patientRef, err := m.UpsertPatient(ctx, r.Patient, doctorRef)
	if err != nil {
		return uuid.Nil, err
	}
	rxRef, err := m.InsertPrescription(ctx, r, patientRef, doctorRef)
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.InsertLineItems(ctx, rxRef, r.Medications, r.Supplements); err != nil {
		return uuid.Nil, err
	}
	if err := m.UpsertSOAP(ctx, rxRef, r.SOAP); err != nil {
		return uuid.Nil, err
	}
	return rxRef, nil
}

// SaveCorrection flags the original prescription as corrected, saves r as a
// new prescription and links it back to the original. All three steps share
// one transaction: if the new save fails the original is left unflagged.
// The original row is never deleted.
func (m *Mapper) SaveCorrection(ctx context.Context, r *Record, originalFolio, reason string) (uuid.UUID, error) {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultCorrectionReason
	}
	var ref uuid.UUID
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		orig, err := m.store.GetPrescriptionRow(ctx, originalFolio)
		if err != nil {
			return fmt.Errorf("read original %s: %w", originalFolio, err)
		}
		if err := m.store.MarkCorrected(ctx, orig.ID, m.now()); err != nil {
			return fmt.Errorf("flag original %s: %w", originalFolio, err)
		}
		ref, err = m.save(ctx, r)
		if err != nil {
			return err
		}
		if err := m.store.LinkCorrection(ctx, ref, orig.ID, reason); err != nil {
			return fmt.Errorf("link correction: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrSave, err)
	}
	return ref, nil
}

// FetchPatientHistory returns every prescription of a patient, newest first.
func (m *Mapper) FetchPatientHistory(ctx context.Context, patientCode string) ([]*StoredPrescription, error) {
	joined, err := m.store.SelectJoined(ctx, JoinFilter{PatientCode: patientCode})
	if err != nil {
		return nil, fmt.Errorf("select history for %s: %w", patientCode, err)
	}
	out := make([]*StoredPrescription, 0, len(joined))
	for _, j := range joined {
		out = append(out, storedFromJoined(j))
	}
	return out, nil
}

// FetchPrescription returns ErrNotFound when the folio does not exist.
func (m *Mapper) FetchPrescription(ctx context.Context, folio string) (*StoredPrescription, error) {
	joined, err := m.store.SelectJoined(ctx, JoinFilter{PrescriptionID: folio})
	if err != nil {
		return nil, fmt.Errorf("select prescription %s: %w", folio, err)
	}
	if len(joined) == 0 {
		return nil, fmt.Errorf("prescription %s: %w", folio, ErrNotFound)
	}
	return storedFromJoined(joined[0]), nil
}

// DeletePatientCascade removes the line items and SOAP notes of every
// prescription of the patient, then the prescriptions, then the patient.
func (m *Mapper) DeletePatientCascade(ctx context.Context, patientCode string) error {
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		ref, err := m.store.PatientRef(ctx, patientCode)
		if err != nil {
			return fmt.Errorf("patient %s: %w", patientCode, err)
		}
		rxRefs, err := m.store.PrescriptionRefs(ctx, ref)
		if err != nil {
			return fmt.Errorf("list prescriptions: %w", err)
		}
		if err := m.deletePrescriptions(ctx, rxRefs); err != nil {
			return err
		}
		if err := m.store.DeletePatient(ctx, ref); err != nil {
			return fmt.Errorf("delete patient: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeletion, err)
	}
	return nil
}

// DeletePrescriptionCascade removes one prescription with its line items and
// SOAP note. Patient and doctor rows are untouched.
func (m *Mapper) DeletePrescriptionCascade(ctx context.Context, folio string) error {
	err := m.store.WithinTx(ctx, func(ctx context.Context) error {
		row, err := m.store.GetPrescriptionRow(ctx, folio)
		if err != nil {
			return fmt.Errorf("prescription %s: %w", folio, err)
		}
		return m.deletePrescriptions(ctx, []uuid.UUID{row.ID})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeletion, err)
	}
	return nil
}

// deletePrescriptions removes children before parents.
func (m *Mapper) deletePrescriptions(ctx context.Context, rxRefs []uuid.UUID) error {
	if len(rxRefs) == 0 {
		return nil
	}
	if err := m.store.DeleteMedications(ctx, rxRefs); err != nil {
		return fmt.Errorf("delete medications: %w", err)
	}
	if err := m.store.DeleteSupplements(ctx, rxRefs); err != nil {
		return fmt.Errorf("delete supplements: %w", err)
	}
	if err := m.store.DeleteSOAP(ctx, rxRefs); err != nil {
		return fmt.Errorf("delete soap notes: %w", err)
	}
	if err := m.store.DeletePrescriptions(ctx, rxRefs); err != nil {
		return fmt.Errorf("delete prescriptions: %w", err)
	}
	return nil
}

// SearchPatients matches names case-insensitively, newest patients first.
func (m *Mapper) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*PatientSummary, int, error) {
	rows, total, err := m.store.SearchPatients(ctx, strings.TrimSpace(query), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search patients: %w", err)
	}
	out := make([]*PatientSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, summaryFromRow(r))
	}
	return out, total, nil
}

package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JoinFilter selects prescriptions for a joined read. Exactly one field is
// expected to be set.
type JoinFilter struct {
	PatientCode    string
	PrescriptionID string
}

// Store is the persistence capability the mapper is written against. Every
// method joins the transaction started by WithinTx when called inside fn.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// UpsertDoctor inserts or updates by professional_id and returns the row id.
	UpsertDoctor(ctx context.Context, row *DoctorRow) (uuid.UUID, error)
	// UpsertPatient inserts or updates by patient_code and returns the row id.
	UpsertPatient(ctx context.Context, row *PatientRow) (uuid.UUID, error)
	// InsertPrescription always inserts. A folio collision returns
	// ErrDuplicatePrescription.
	InsertPrescription(ctx context.Context, row *PrescriptionRow) (uuid.UUID, error)
	BulkInsertMedications(ctx context.Context, rows []MedicationRow) error
	BulkInsertSupplements(ctx context.Context, rows []SupplementRow) error
	// UpsertSOAP inserts or updates by prescription reference.
	UpsertSOAP(ctx context.Context, row *SOAPRow) error

	// GetPrescriptionRow returns ErrNotFound when the folio does not exist.
	GetPrescriptionRow(ctx context.Context, folio string) (*PrescriptionRow, error)
	MarkCorrected(ctx context.Context, ref uuid.UUID, at time.Time) error
	LinkCorrection(ctx context.Context, ref, originalRef uuid.UUID, reason string) error

	// SelectJoined returns matches newest first.
	SelectJoined(ctx context.Context, f JoinFilter) ([]*JoinedPrescription, error)
	SearchPatients(ctx context.Context, query string, limit, offset int) ([]*PatientRow, int, error)

	// PatientRef returns ErrNotFound when the code does not exist.
	PatientRef(ctx context.Context, code string) (uuid.UUID, error)
	PrescriptionRefs(ctx context.Context, patientRef uuid.UUID) ([]uuid.UUID, error)
	DeleteMedications(ctx context.Context, rxRefs []uuid.UUID) error
	DeleteSupplements(ctx context.Context, rxRefs []uuid.UUID) error
	DeleteSOAP(ctx context.Context, rxRefs []uuid.UUID) error
	DeletePrescriptions(ctx context.Context, rxRefs []uuid.UUID) error
	DeletePatient(ctx context.Context, ref uuid.UUID) error
}

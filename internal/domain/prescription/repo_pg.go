package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receta/receta/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

const pgUniqueViolation = "23505"

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *storePG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- writes --

func (r *storePG) UpsertDoctor(ctx context.Context, d *DoctorRow) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctors (id, professional_id, name, university, clinic_name, clinic_address,
			contact, clinic_email, logo1_url, logo2_url, signature_image_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (professional_id) DO UPDATE SET
			name = EXCLUDED.name, university = EXCLUDED.university,
			clinic_name = EXCLUDED.clinic_name, clinic_address = EXCLUDED.clinic_address,
			contact = EXCLUDED.contact, clinic_email = EXCLUDED.clinic_email,
			logo1_url = EXCLUDED.logo1_url, logo2_url = EXCLUDED.logo2_url,
			signature_image_url = EXCLUDED.signature_image_url, updated_at = NOW()
		RETURNING id`,
		uuid.New(), d.ProfessionalID, d.Name, d.University, d.ClinicName, d.ClinicAddress,
		d.Contact, d.ClinicEmail, d.Logo1URL, d.Logo2URL, d.SignatureImageURL).Scan(&id)
	return id, err
}

func (r *storePG) UpsertPatient(ctx context.Context, p *PatientRow) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, patient_code, name, age, date_of_birth, doctor_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (patient_code) DO UPDATE SET
			name = EXCLUDED.name, age = EXCLUDED.age, date_of_birth = EXCLUDED.date_of_birth,
			doctor_id = EXCLUDED.doctor_id, updated_at = NOW()
		RETURNING id`,
		uuid.New(), p.PatientCode, p.Name, p.Age, p.DateOfBirth, p.DoctorID).Scan(&id)
	return id, err
}

func (r *storePG) InsertPrescription(ctx context.Context, rx *PrescriptionRow) (uuid.UUID, error) {
	id := uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO prescriptions (id, prescription_id, patient_id, doctor_id, prescription_date,
			next_appointment, general_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, rx.PrescriptionID, rx.PatientID, rx.DoctorID, rx.PrescriptionDate,
		rx.NextAppointment, rx.GeneralNotes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicatePrescription, rx.PrescriptionID)
		}
		return uuid.Nil, err
	}
	return id, nil
}

var medicationCopyCols = []string{"id", "prescription_id", "medication_name", "dosage", "duration", "instructions", "item_number"}

func (r *storePG) BulkInsertMedications(ctx context.Context, rows []MedicationRow) error {
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"prescription_medications"}, medicationCopyCols,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			m := rows[i]
			return []interface{}{m.ID, m.PrescriptionID, m.MedicationName, m.Dosage, m.Duration, m.Instructions, m.ItemNumber}, nil
		}))
	if err != nil {
		return err
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copied %d of %d medication rows", n, len(rows))
	}
	return nil
}

var supplementCopyCols = []string{"id", "prescription_id", "supplement_id", "supplement_name", "supplement_brand",
	"supplement_category", "supplement_presentation", "dosage", "duration", "instructions", "item_number"}

func (r *storePG) BulkInsertSupplements(ctx context.Context, rows []SupplementRow) error {
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"prescription_supplements"}, supplementCopyCols,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			s := rows[i]
			return []interface{}{s.ID, s.PrescriptionID, s.SupplementID, s.SupplementName, s.Brand,
				s.Category, s.Presentation, s.Dosage, s.Duration, s.Instructions, s.ItemNumber}, nil
		}))
	if err != nil {
		return err
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copied %d of %d supplement rows", n, len(rows))
	}
	return nil
}

func (r *storePG) UpsertSOAP(ctx context.Context, s *SOAPRow) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO soap_notes (id, prescription_id, subjective, objective, assessment, plan)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (prescription_id) DO UPDATE SET
			subjective = EXCLUDED.subjective, objective = EXCLUDED.objective,
			assessment = EXCLUDED.assessment, plan = EXCLUDED.plan, updated_at = NOW()`,
		uuid.New(), s.PrescriptionID, s.Subjective, s.Objective, s.Assessment, s.Plan)
	return err
}

// -- corrections --

const rxCols = `id, prescription_id, patient_id, doctor_id, prescription_date, next_appointment,
	general_notes, is_corrected, corrected_at, original_prescription_id, correction_reason, created_at`

func scanPrescription(row pgx.Row) (*PrescriptionRow, error) {
	var rx PrescriptionRow
	err := row.Scan(&rx.ID, &rx.PrescriptionID, &rx.PatientID, &rx.DoctorID, &rx.PrescriptionDate,
		&rx.NextAppointment, &rx.GeneralNotes, &rx.IsCorrected, &rx.CorrectedAt,
		&rx.OriginalPrescriptionID, &rx.CorrectionReason, &rx.CreatedAt)
	return &rx, err
}

func (r *storePG) GetPrescriptionRow(ctx context.Context, folio string) (*PrescriptionRow, error) {
	rx, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescriptions WHERE prescription_id = $1`, folio))
	if err != nil {
		return nil, notFound(err)
	}
	return rx, nil
}

func (r *storePG) MarkCorrected(ctx context.Context, ref uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE prescriptions SET is_corrected = TRUE, corrected_at = $2 WHERE id = $1`, ref, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storePG) LinkCorrection(ctx context.Context, ref, originalRef uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET original_prescription_id = $2, correction_reason = $3 WHERE id = $1`,
		ref, originalRef, reason)
	return err
}

// -- joined reads --

const joinedCols = `rx.id, rx.prescription_id, rx.patient_id, rx.doctor_id, rx.prescription_date,
	rx.next_appointment, rx.general_notes, rx.is_corrected, rx.corrected_at,
	rx.original_prescription_id, rx.correction_reason, rx.created_at,
	p.id, p.patient_code, p.name, p.age, p.date_of_birth, p.doctor_id, p.created_at, p.updated_at,
	d.id, d.professional_id, d.name, d.university, d.clinic_name, d.clinic_address, d.contact,
	d.clinic_email, d.logo1_url, d.logo2_url, d.signature_image_url, d.updated_at,
	s.id, s.subjective, s.objective, s.assessment, s.plan`

func scanJoined(row pgx.Row) (*JoinedPrescription, error) {
	var j JoinedPrescription
	rx, p, d := &j.Prescription, &j.Patient, &j.Doctor
	var (
		soapID     *uuid.UUID
		subjective *Subjective
		objective  *Objective
		assessment *Assessment
		plan       *Plan
	)
	err := row.Scan(&rx.ID, &rx.PrescriptionID, &rx.PatientID, &rx.DoctorID, &rx.PrescriptionDate,
		&rx.NextAppointment, &rx.GeneralNotes, &rx.IsCorrected, &rx.CorrectedAt,
		&rx.OriginalPrescriptionID, &rx.CorrectionReason, &rx.CreatedAt,
		&p.ID, &p.PatientCode, &p.Name, &p.Age, &p.DateOfBirth, &p.DoctorID, &p.CreatedAt, &p.UpdatedAt,
		&d.ID, &d.ProfessionalID, &d.Name, &d.University, &d.ClinicName, &d.ClinicAddress, &d.Contact,
		&d.ClinicEmail, &d.Logo1URL, &d.Logo2URL, &d.SignatureImageURL, &d.UpdatedAt,
		&soapID, &subjective, &objective, &assessment, &plan)
	if err != nil {
		return nil, err
	}
	if soapID != nil {
		j.SOAP = &SOAPRow{ID: *soapID, PrescriptionID: rx.ID}
		if subjective != nil {
			j.SOAP.Subjective = *subjective
		}
		if objective != nil {
			j.SOAP.Objective = *objective
		}
		if assessment != nil {
			j.SOAP.Assessment = *assessment
		}
		if plan != nil {
			j.SOAP.Plan = *plan
		}
	}
	return &j, nil
}

func (r *storePG) SelectJoined(ctx context.Context, f JoinFilter) ([]*JoinedPrescription, error) {
	query := `SELECT ` + joinedCols + `
		FROM prescriptions rx
		JOIN patients p ON p.id = rx.patient_id
		JOIN doctors d ON d.id = rx.doctor_id
		LEFT JOIN soap_notes s ON s.prescription_id = rx.id`
	var arg string
	switch {
	case f.PrescriptionID != "":
		query += ` WHERE rx.prescription_id = $1`
		arg = f.PrescriptionID
	case f.PatientCode != "":
		query += ` WHERE p.patient_code = $1`
		arg = f.PatientCode
	default:
		return nil, fmt.Errorf("join filter is empty")
	}
	query += ` ORDER BY rx.prescription_date DESC, rx.created_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JoinedPrescription
	byRef := make(map[uuid.UUID]*JoinedPrescription)
	var refs []uuid.UUID
	for rows.Next() {
		j, err := scanJoined(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
		byRef[j.Prescription.ID] = j
		refs = append(refs, j.Prescription.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return out, nil
	}

	if err := r.attachMedications(ctx, refs, byRef); err != nil {
		return nil, err
	}
	if err := r.attachSupplements(ctx, refs, byRef); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *storePG) attachMedications(ctx context.Context, refs []uuid.UUID, byRef map[uuid.UUID]*JoinedPrescription) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, medication_name, dosage, duration, instructions, item_number
		FROM prescription_medications WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, item_number`, refs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var m MedicationRow
		if err := rows.Scan(&m.ID, &m.PrescriptionID, &m.MedicationName, &m.Dosage, &m.Duration, &m.Instructions, &m.ItemNumber); err != nil {
			return err
		}
		if j := byRef[m.PrescriptionID]; j != nil {
			j.Medications = append(j.Medications, m)
		}
	}
	return rows.Err()
}

func (r *storePG) attachSupplements(ctx context.Context, refs []uuid.UUID, byRef map[uuid.UUID]*JoinedPrescription) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, prescription_id, supplement_id, supplement_name, supplement_brand, supplement_category,
			supplement_presentation, dosage, duration, instructions, item_number
		FROM prescription_supplements WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, item_number`, refs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s SupplementRow
		if err := rows.Scan(&s.ID, &s.PrescriptionID, &s.SupplementID, &s.SupplementName, &s.Brand, &s.Category,
			&s.Presentation, &s.Dosage, &s.Duration, &s.Instructions, &s.ItemNumber); err != nil {
			return err
		}
		if j := byRef[s.PrescriptionID]; j != nil {
			j.Supplements = append(j.Supplements, s)
		}
	}
	return rows.Err()
}

const patientCols = `id, patient_code, name, age, date_of_birth, doctor_id, created_at, updated_at`

func scanPatient(row pgx.Row) (*PatientRow, error) {
	var p PatientRow
	err := row.Scan(&p.ID, &p.PatientCode, &p.Name, &p.Age, &p.DateOfBirth, &p.DoctorID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

// likePattern escapes LIKE metacharacters so the query matches literally.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func (r *storePG) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*PatientRow, int, error) {
	pattern := likePattern(query)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE name ILIKE $1 ESCAPE '\'`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients WHERE name ILIKE $1 ESCAPE '\'
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*PatientRow
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// -- deletes --

func (r *storePG) PatientRef(ctx context.Context, code string) (uuid.UUID, error) {
	var id uuid.UUID
	if err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM patients WHERE patient_code = $1`, code).Scan(&id); err != nil {
		return uuid.Nil, notFound(err)
	}
	return id, nil
}

func (r *storePG) PrescriptionRefs(ctx context.Context, patientRef uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM prescriptions WHERE patient_id = $1`, patientRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, id)
	}
	return refs, rows.Err()
}

func (r *storePG) deleteByPrescription(ctx context.Context, table string, rxRefs []uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM `+table+` WHERE prescription_id = ANY($1)`, rxRefs)
	return err
}

func (r *storePG) DeleteMedications(ctx context.Context, rxRefs []uuid.UUID) error {
	return r.deleteByPrescription(ctx, "prescription_medications", rxRefs)
}

func (r *storePG) DeleteSupplements(ctx context.Context, rxRefs []uuid.UUID) error {
	return r.deleteByPrescription(ctx, "prescription_supplements", rxRefs)
}

func (r *storePG) DeleteSOAP(ctx context.Context, rxRefs []uuid.UUID) error {
	return r.deleteByPrescription(ctx, "soap_notes", rxRefs)
}

func (r *storePG) DeletePrescriptions(ctx context.Context, rxRefs []uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM prescriptions WHERE id = ANY($1)`, rxRefs)
	return err
}

func (r *storePG) DeletePatient(ctx context.Context, ref uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, ref)
	return err
}

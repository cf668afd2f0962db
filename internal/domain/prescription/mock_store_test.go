package prescription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. WithinTx snapshots every table and
// restores it when fn fails. Set fail[method] to make a method error.
type memStore struct {
	doctors  map[uuid.UUID]DoctorRow
	patients map[uuid.UUID]PatientRow
	rxs      map[uuid.UUID]PrescriptionRow
	meds     map[uuid.UUID]MedicationRow
	supps    map[uuid.UUID]SupplementRow
	soaps    map[uuid.UUID]SOAPRow

	fail  map[string]error
	calls []string
	inTx  bool
	clock time.Time
}

func newMemStore() *memStore {
	return &memStore{
		doctors:  make(map[uuid.UUID]DoctorRow),
		patients: make(map[uuid.UUID]PatientRow),
		rxs:      make(map[uuid.UUID]PrescriptionRow),
		meds:     make(map[uuid.UUID]MedicationRow),
		supps:    make(map[uuid.UUID]SupplementRow),
		soaps:    make(map[uuid.UUID]SOAPRow),
		fail:     make(map[string]error),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) call(name string) error {
	m.calls = append(m.calls, name)
	return m.fail[name]
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx {
		return fn(ctx)
	}
	doctors, patients, rxs := copyMap(m.doctors), copyMap(m.patients), copyMap(m.rxs)
	meds, supps, soaps := copyMap(m.meds), copyMap(m.supps), copyMap(m.soaps)

	m.inTx = true
	err := fn(ctx)
	m.inTx = false
	if err != nil {
		m.doctors, m.patients, m.rxs = doctors, patients, rxs
		m.meds, m.supps, m.soaps = meds, supps, soaps
	}
	return err
}

func (m *memStore) UpsertDoctor(_ context.Context, row *DoctorRow) (uuid.UUID, error) {
	if err := m.call("UpsertDoctor"); err != nil {
		return uuid.Nil, err
	}
	r := *row
	r.UpdatedAt = m.tick()
	for id, d := range m.doctors {
		if d.ProfessionalID == r.ProfessionalID {
			r.ID = id
			m.doctors[id] = r
			return id, nil
		}
	}
	r.ID = uuid.New()
	m.doctors[r.ID] = r
	return r.ID, nil
}

func (m *memStore) UpsertPatient(_ context.Context, row *PatientRow) (uuid.UUID, error) {
	if err := m.call("UpsertPatient"); err != nil {
		return uuid.Nil, err
	}
	r := *row
	r.UpdatedAt = m.tick()
	for id, p := range m.patients {
		if p.PatientCode == r.PatientCode {
			r.ID, r.CreatedAt = id, p.CreatedAt
			m.patients[id] = r
			return id, nil
		}
	}
	r.ID, r.CreatedAt = uuid.New(), r.UpdatedAt
	m.patients[r.ID] = r
	return r.ID, nil
}

func (m *memStore) InsertPrescription(_ context.Context, row *PrescriptionRow) (uuid.UUID, error) {
	if err := m.call("InsertPrescription"); err != nil {
		return uuid.Nil, err
	}
	for _, rx := range m.rxs {
		if rx.PrescriptionID == row.PrescriptionID {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicatePrescription, row.PrescriptionID)
		}
	}
	r := *row
	r.ID, r.CreatedAt = uuid.New(), m.tick()
	m.rxs[r.ID] = r
	return r.ID, nil
}

func (m *memStore) BulkInsertMedications(_ context.Context, rows []MedicationRow) error {
	if err := m.call("BulkInsertMedications"); err != nil {
		return err
	}
	for _, r := range rows {
		m.meds[r.ID] = r
	}
	return nil
}

func (m *memStore) BulkInsertSupplements(_ context.Context, rows []SupplementRow) error {
	if err := m.call("BulkInsertSupplements"); err != nil {
		return err
	}
	for _, r := range rows {
		m.supps[r.ID] = r
	}
	return nil
}

func (m *memStore) UpsertSOAP(_ context.Context, row *SOAPRow) error {
	if err := m.call("UpsertSOAP"); err != nil {
		return err
	}
	r := *row
	if old, ok := m.soaps[r.PrescriptionID]; ok {
		r.ID = old.ID
	} else {
		r.ID = uuid.New()
	}
	m.soaps[r.PrescriptionID] = r
	return nil
}

func (m *memStore) GetPrescriptionRow(_ context.Context, folio string) (*PrescriptionRow, error) {
	if err := m.call("GetPrescriptionRow"); err != nil {
		return nil, err
	}
	for _, rx := range m.rxs {
		if rx.PrescriptionID == folio {
			r := rx
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) MarkCorrected(_ context.Context, ref uuid.UUID, at time.Time) error {
	if err := m.call("MarkCorrected"); err != nil {
		return err
	}
	rx, ok := m.rxs[ref]
	if !ok {
		return ErrNotFound
	}
	rx.IsCorrected, rx.CorrectedAt = true, &at
	m.rxs[ref] = rx
	return nil
}

func (m *memStore) LinkCorrection(_ context.Context, ref, originalRef uuid.UUID, reason string) error {
	if err := m.call("LinkCorrection"); err != nil {
		return err
	}
	rx, ok := m.rxs[ref]
	if !ok {
		return ErrNotFound
	}
	rx.OriginalPrescriptionID, rx.CorrectionReason = &originalRef, &reason
	m.rxs[ref] = rx
	return nil
}

func (m *memStore) SelectJoined(_ context.Context, f JoinFilter) ([]*JoinedPrescription, error) {
	if err := m.call("SelectJoined"); err != nil {
		return nil, err
	}
	var out []*JoinedPrescription
	for _, rx := range m.rxs {
		p := m.patients[rx.PatientID]
		if f.PrescriptionID != "" && rx.PrescriptionID != f.PrescriptionID {
			continue
		}
		if f.PatientCode != "" && p.PatientCode != f.PatientCode {
			continue
		}
		j := &JoinedPrescription{Prescription: rx, Patient: p, Doctor: m.doctors[rx.DoctorID]}
		for _, med := range m.meds {
			if med.PrescriptionID == rx.ID {
				j.Medications = append(j.Medications, med)
			}
		}
		for _, s := range m.supps {
			if s.PrescriptionID == rx.ID {
				j.Supplements = append(j.Supplements, s)
			}
		}
		if s, ok := m.soaps[rx.ID]; ok {
			j.SOAP = &s
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Prescription.PrescriptionDate.After(out[b].Prescription.PrescriptionDate)
	})
	return out, nil
}

func (m *memStore) SearchPatients(_ context.Context, query string, limit, offset int) ([]*PatientRow, int, error) {
	if err := m.call("SearchPatients"); err != nil {
		return nil, 0, err
	}
	var all []*PatientRow
	for _, p := range m.patients {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			r := p
			all = append(all, &r)
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) PatientRef(_ context.Context, code string) (uuid.UUID, error) {
	if err := m.call("PatientRef"); err != nil {
		return uuid.Nil, err
	}
	for id, p := range m.patients {
		if p.PatientCode == code {
			return id, nil
		}
	}
	return uuid.Nil, ErrNotFound
}

func (m *memStore) PrescriptionRefs(_ context.Context, patientRef uuid.UUID) ([]uuid.UUID, error) {
	if err := m.call("PrescriptionRefs"); err != nil {
		return nil, err
	}
	var refs []uuid.UUID
	for id, rx := range m.rxs {
		if rx.PatientID == patientRef {
			refs = append(refs, id)
		}
	}
	return refs, nil
}

func inRefs(refs []uuid.UUID, id uuid.UUID) bool {
	for _, r := range refs {
		if r == id {
			return true
		}
	}
	return false
}

func (m *memStore) DeleteMedications(_ context.Context, rxRefs []uuid.UUID) error {
	if err := m.call("DeleteMedications"); err != nil {
		return err
	}
	for id, r := range m.meds {
		if inRefs(rxRefs, r.PrescriptionID) {
			delete(m.meds, id)
		}
	}
	return nil
}

func (m *memStore) DeleteSupplements(_ context.Context, rxRefs []uuid.UUID) error {
	if err := m.call("DeleteSupplements"); err != nil {
		return err
	}
	for id, r := range m.supps {
		if inRefs(rxRefs, r.PrescriptionID) {
			delete(m.supps, id)
		}
	}
	return nil
}

func (m *memStore) DeleteSOAP(_ context.Context, rxRefs []uuid.UUID) error {
	if err := m.call("DeleteSOAP"); err != nil {
		return err
	}
	for _, ref := range rxRefs {
		delete(m.soaps, ref)
	}
	return nil
}

func (m *memStore) DeletePrescriptions(_ context.Context, rxRefs []uuid.UUID) error {
	if err := m.call("DeletePrescriptions"); err != nil {
		return err
	}
	for _, ref := range rxRefs {
		delete(m.rxs, ref)
	}
	return nil
}

func (m *memStore) DeletePatient(_ context.Context, ref uuid.UUID) error {
	if err := m.call("DeletePatient"); err != nil {
		return err
	}
	delete(m.patients, ref)
	return nil
}

// calledInOrder reports whether every name in order appears in calls in that
// relative order.
func (m *memStore) calledInOrder(order ...string) bool {
	i := 0
	for _, c := range m.calls {
		if i < len(order) && c == order[i] {
			i++
		}
	}
	return i == len(order)
}

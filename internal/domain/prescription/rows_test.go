package prescription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/receta/receta/internal/platform/kv"
)

func TestParseAge(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"34", 34, true},
		{" 34 años", 34, true},
		{"7m", 7, true},
		{"", 0, false},
		{"años", 0, false},
		{"-3", 0, false},
		{"150", 150, true},
		{"151", 0, false},
		{"3000000000", 0, false},
	}
	for _, tt := range tests {
		got := ParseAge(tt.in)
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Errorf("ParseAge(%q) = %v, want %d (ok=%v)", tt.in, got, tt.want, tt.ok)
		}
	}
}

func TestParseDateOfBirth(t *testing.T) {
	got, err := ParseDateOfBirth("")
	if err != nil || got != nil {
		t.Errorf("empty: got %v, %v", got, err)
	}
	got, err = ParseDateOfBirth("1992-04-09")
	if err != nil || got == nil || got.Day() != 9 || got.Month() != time.April {
		t.Errorf("valid: got %v, %v", got, err)
	}
	if _, err := ParseDateOfBirth("1992-13-01"); err == nil {
		t.Error("expected error for month 13")
	}
}

func TestLineRowsNumbering(t *testing.T) {
	ref := uuid.New()
	meds, supps := lineRows(ref,
		[]MedicationItem{{Name: "A"}, {Name: "B", Dosage: " "}},
		[]SupplementItem{{Name: "C", ID: ""}, {Name: "D", ID: "cat-1"}},
	)
	if meds[0].ItemNumber != 1 || meds[1].ItemNumber != 2 || supps[0].ItemNumber != 3 || supps[1].ItemNumber != 4 {
		t.Errorf("numbers = %d %d %d %d", meds[0].ItemNumber, meds[1].ItemNumber, supps[0].ItemNumber, supps[1].ItemNumber)
	}
	if meds[1].Dosage != nil {
		t.Error("blank dosage must be stored as null")
	}
	if supps[0].SupplementID != nil || deref(supps[1].SupplementID) != "cat-1" {
		t.Error("supplement catalog id not mapped")
	}
	for _, m := range meds {
		if m.PrescriptionID != ref {
			t.Error("line item not linked to prescription")
		}
	}
}

func TestStoredFromJoinedSortsItems(t *testing.T) {
	ref := uuid.New()
	j := &JoinedPrescription{
		Prescription: PrescriptionRow{ID: ref, PrescriptionID: "RX-1"},
		Medications: []MedicationRow{
			{ID: uuid.New(), MedicationName: "second", ItemNumber: 2},
			{ID: uuid.New(), MedicationName: "first", ItemNumber: 1},
		},
		Supplements: []SupplementRow{
			{ID: uuid.New(), SupplementName: "fourth", ItemNumber: 4},
			{ID: uuid.New(), SupplementName: "third", ItemNumber: 3},
		},
	}
	sp := storedFromJoined(j)
	if sp.Medications[0].Name != "first" || sp.Supplements[0].Name != "third" {
		t.Errorf("items not ordered: %+v %+v", sp.Medications, sp.Supplements)
	}
	if sp.Supplements[0].ID == "" {
		t.Error("supplement without catalog id must fall back to row id")
	}
	if sp.SOAP != nil {
		t.Error("no SOAP row, expected nil note")
	}
}

func TestSOAPNoteIsEmpty(t *testing.T) {
	var nilNote *SOAPNote
	if !nilNote.IsEmpty() {
		t.Error("nil note must be empty")
	}
	if !(&SOAPNote{Plan: Plan{Treatment: "  "}}).IsEmpty() {
		t.Error("blank note must be empty")
	}
	if (&SOAPNote{Objective: Objective{VitalSigns: "TA 120/80"}}).IsEmpty() {
		t.Error("note with vital signs is not empty")
	}
}

func TestValidAppointment(t *testing.T) {
	for _, ok := range append([]string{""}, NextAppointmentOptions...) {
		if !ValidAppointment(ok) {
			t.Errorf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"1 año", "1 Semana", " 1 mes"} {
		if ValidAppointment(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}

func TestKVProfileStore(t *testing.T) {
	ctx := context.Background()
	store := NewKVProfileStore(kv.NewMemoryKV())

	d, err := store.Load(ctx)
	if err != nil || !d.IsZero() {
		t.Fatalf("empty store: %+v, %v", d, err)
	}
	want := Doctor{Name: "Ana Pérez", ProfessionalID: "123", SignatureImage: "data:image/png;base64,AAAA"}
	if err := store.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

type brokenKV struct{ kv.KV }

func (brokenKV) Get(context.Context, string) (string, error) { return "{", nil }

func TestKVProfileStore_Corrupt(t *testing.T) {
	store := NewKVProfileStore(brokenKV{})
	if _, err := store.Load(context.Background()); err == nil || errors.Is(err, kv.ErrMiss) {
		t.Fatalf("err = %v, want decode error", err)
	}
}

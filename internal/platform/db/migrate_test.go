package db

import (
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/receta/receta/migrations"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"001_core.sql":        {Data: []byte("CREATE TABLE doctors (id UUID PRIMARY KEY);")},
		"002_patients.sql":    {Data: []byte("CREATE TABLE patients (id UUID PRIMARY KEY);")},
		"003_medications.sql": {Data: []byte("CREATE TABLE medications (id UUID PRIMARY KEY);")},
	}

	migrator := NewMigrator(nil, src)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_core.sql" {
		t.Errorf("expected name 001_core.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE doctors (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 || migrations[2].Version != 3 {
		t.Errorf("unexpected versions %d, %d", migrations[1].Version, migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	src := fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"005_middle.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expected := []int{1, 2, 5, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	src := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not a sql file")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("unexpected versions %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_prescriptions.sql": {Data: []byte("SELECT 1;")},
		"001_patients.sql":      {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil {
		t.Fatal("expected error for two files with version 1")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewMigrator(nil, os.DirFS("/nonexistent/path/that/does/not/exist")).LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migs[0].Version != 1 {
		t.Errorf("expected first embedded version 1, got %d", migs[0].Version)
	}
}

func TestPending(t *testing.T) {
	migs := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(migs, applied, 0)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 4 {
		t.Errorf("unexpected pending set %+v", got)
	}

	got = pending(migs, applied, 2)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("target version should stop at 2, got %+v", got)
	}
}

func TestStatuses(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_clinical.sql"},
		{Version: 3, Name: "003_meds.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	out := statuses(migs, map[int]time.Time{1: at})

	if len(out) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(out))
	}
	if !out[0].Applied || out[0].AppliedAt == nil || !out[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, out[0])
	}
	if out[1].Applied || out[2].Applied {
		t.Error("expected migrations 002 and 003 to be pending")
	}
	if out[1].AppliedAt != nil || out[2].AppliedAt != nil {
		t.Error("expected nil AppliedAt for pending migrations")
	}
	if out[2].Name != "003_meds.sql" {
		t.Errorf("expected name 003_meds.sql, got %s", out[2].Name)
	}
}

func TestNewMigrator(t *testing.T) {
	src := fstest.MapFS{}
	m := NewMigrator(nil, src)
	if m == nil {
		t.Fatal("expected non-nil Migrator")
	}
	if m.pool != nil {
		t.Error("expected nil pool")
	}
}

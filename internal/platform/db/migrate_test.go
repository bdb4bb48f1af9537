package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_messages.sql":  {Data: []byte("CREATE TABLE message (id TEXT PRIMARY KEY);")},
		"001_core.sql":      {Data: []byte("CREATE TABLE app_user (id TEXT PRIMARY KEY);")},
		"010_reminders.sql": {Data: []byte("CREATE TABLE reminder (id TEXT PRIMARY KEY);")},
		"README.md":         {Data: []byte("not a migration")},
		"seed.sql":          {Data: []byte("no numeric prefix")},
		"abc_skip.sql":      {Data: []byte("non-numeric prefix")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_core.sql" {
		t.Errorf("expected name 001_core.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE app_user (id TEXT PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_core.sql":  {Data: []byte("SELECT 1;")},
		"001_again.sql": {Data: []byte("SELECT 2;")},
	}

	_, err := NewMigrator(nil, files).LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "duplicate migration version 1") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, Migrations()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Name != "001_core.sql" {
		t.Fatalf("expected embedded 001_core.sql, got %+v", migrations)
	}
	for _, table := range []string{"app_user", "appointment", "vital", "doctor_availability", "message", "notification", "reminder", "consultation"} {
		if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("core migration does not create %s", table)
		}
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_messages.sql"},
		{Version: 3, Name: "003_reminders.sql"},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied := map[int]time.Time{1: at, 3: at}

	todo := pending(migrations, applied)
	if len(todo) != 1 || todo[0].Version != 2 {
		t.Errorf("pending = %+v, want only version 2", todo)
	}

	st := statuses(migrations, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("status[0] = %+v", st[0])
	}
	if st[1].Applied || st[1].AppliedAt != nil {
		t.Errorf("status[1] should be pending, got %+v", st[1])
	}
}

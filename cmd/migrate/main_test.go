package main

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_create_runs.sql", true, 1, "create_runs"},
		{"0012_add_index.sql", true, 12, "add_index"},
		{"001_invalid.sql", false, 0, ""},
		{"0001_test", false, 0, ""},
		{"0001.sql", false, 0, ""},
		{"invalid_0001_test.sql", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseFilename(tt.filename)
			if ok != tt.valid {
				t.Fatalf("parseFilename() ok = %v, want %v", ok, tt.valid)
			}
			if version != tt.version || name != tt.name {
				t.Errorf("parseFilename() = (%d, %q), want (%d, %q)", version, name, tt.version, tt.name)
			}
		})
	}
}

func TestReadMigrationsTemplatesAndSorts(t *testing.T) {
	dir := fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.b` (x INT64);")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.a` (x INT64);")},
		"README.md":       {Data: []byte("ignored")},
	}

	got, err := readMigrations(dir, "proj", "ds")
	if err != nil {
		t.Fatalf("readMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("readMigrations() returned %d migrations, want 2", len(got))
	}
	if got[0].Version != 1 || got[1].Version != 2 {
		t.Errorf("migrations not sorted: %d, %d", got[0].Version, got[1].Version)
	}
	if !strings.Contains(got[0].SQL, "`proj.ds.a`") {
		t.Errorf("placeholders not replaced: %s", got[0].SQL)
	}

	other, err := readMigrations(dir, "other", "ds2")
	if err != nil {
		t.Fatalf("readMigrations() error = %v", err)
	}
	if other[0].Checksum != got[0].Checksum {
		t.Error("checksum should not depend on project or dataset")
	}
}

func TestReadMigrationsRejectsDuplicateVersion(t *testing.T) {
	dir := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1")},
		"0001_b.sql": {Data: []byte("SELECT 2")},
	}
	if _, err := readMigrations(dir, "p", "d"); err == nil {
		t.Error("readMigrations() expected error for duplicate version")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		t.Fatalf("fs.Sub() error = %v", err)
	}
	got, err := readMigrations(sub, "p", "d")
	if err != nil {
		t.Fatalf("readMigrations() error = %v", err)
	}
	want := []string{"create_runs", "create_records", "create_quarantine"}
	if len(got) != len(want) {
		t.Fatalf("got %d embedded migrations, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Name != want[i] {
			t.Errorf("migration %d = %s, want %s", i, m.Name, want[i])
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	all := []Migration{
		{Version: 1, Name: "a", Checksum: "c1"},
		{Version: 2, Name: "b", Checksum: "c2"},
		{Version: 3, Name: "c", Checksum: "c3"},
	}
	applied := []AppliedMigration{
		{Version: 1, Checksum: "c1"},
		{Version: 2, Checksum: "changed"},
	}

	pending, drift := pendingMigrations(all, applied)
	if len(pending) != 1 || pending[0].Version != 3 {
		t.Errorf("pending = %+v, want only version 3", pending)
	}
	if len(drift) != 1 || drift[0].Version != 2 {
		t.Errorf("drift = %+v, want only version 2", drift)
	}
}

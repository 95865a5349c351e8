package storage

import (
	"context"
	"errors"
	"slices"
	"testing"
	"testing/fstest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	want := []int{1, 2, 3}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("versions = %v, want %v", versions, want)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_inbox_entries_created_at", "idx_generated_cards_entry_id", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	s := openTestStore(t)

	var on int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if on != 1 {
		t.Errorf("foreign_keys = %d, want 1", on)
	}
}

func TestLoadMigrations(t *testing.T) {
	got, err := loadMigrations(fstest.MapFS{
		"10_later.sql":  {Data: []byte("SELECT 10;")},
		"2_second.sql":  {Data: []byte("SELECT 2;")},
		"001_first.sql": {Data: []byte("SELECT 1;")},
		"README.md":     {Data: []byte("not a migration")},
	})
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	var order []int
	for _, m := range got {
		order = append(order, m.version)
	}
	if !slices.Equal(order, []int{1, 2, 10}) {
		t.Errorf("order = %v, want [1 2 10]", order)
	}
	if got[2].name != "10_later.sql" || got[2].sql != "SELECT 10;" {
		t.Errorf("last migration = %+v", got[2])
	}

	bad := []fstest.MapFS{
		{"settings.sql": {Data: []byte("SELECT 1;")}},
		{"x_settings.sql": {Data: []byte("SELECT 1;")}},
		{"1_a.sql": {Data: []byte("SELECT 1;")}, "01_b.sql": {Data: []byte("SELECT 1;")}},
	}
	for _, fsys := range bad {
		if _, err := loadMigrations(fsys); err == nil {
			t.Errorf("loadMigrations(%v) succeeded", fsys)
		}
	}
}

func TestMigrationNamesRecorded(t *testing.T) {
	s := openTestStore(t)

	var name string
	if err := s.db.QueryRow("SELECT name FROM schema_version WHERE version = 2").Scan(&name); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if name != "002_app_settings.sql" {
		t.Errorf("name = %q, want 002_app_settings.sql", name)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "default_deck"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting missing: err = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting(ctx, "default_deck", "Biology"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "default_deck", "Chemistry"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := s.GetSetting(ctx, "default_deck")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "Chemistry" {
		t.Errorf("GetSetting = %q, want %q", got, "Chemistry")
	}

	all, err := s.AllSettings(ctx)
	if err != nil {
		t.Fatalf("AllSettings: %v", err)
	}
	if len(all) != 1 || all["default_deck"] != "Chemistry" {
		t.Errorf("AllSettings = %v", all)
	}

	if err := s.DeleteSetting(ctx, "default_deck"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.GetSetting(ctx, "default_deck"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting after delete: err = %v, want ErrNotFound", err)
	}
}

package admin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestMigrator_UpThenRollbackRestoresBitForBit(t *testing.T) {
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	original := map[string]interface{}{"u1": map[string]interface{}{"tier": "basic"}}
	writeJSON(t, usersPath, original)

	m := &Migrator{
		DataDir: dir,
		Steps: []MigrationStep{
			{
				Version: 1,
				Up: func(dataDir string) error {
					var data map[string]interface{}
					raw, err := os.ReadFile(filepath.Join(dataDir, "users.json"))
					if err != nil {
						return err
					}
					if err := json.Unmarshal(raw, &data); err != nil {
						return err
					}
					data["u1"].(map[string]interface{})["tier"] = "pro"
					writeJSON(t, filepath.Join(dataDir, "users.json"), data)
					return nil
				},
				Down: func(dataDir string) error {
					// restore from the backup taken just before this step's Up
					entries, err := os.ReadDir(filepath.Join(dataDir, "backups"))
					if err != nil {
						return err
					}
					var latest string
					for _, e := range entries {
						if e.Name() > latest {
							latest = e.Name()
						}
					}
					raw, err := os.ReadFile(filepath.Join(dataDir, "backups", latest, "users.json"))
					if err != nil {
						return err
					}
					return os.WriteFile(filepath.Join(dataDir, "users.json"), raw, 0o600)
				},
			},
		},
	}

	if err := m.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	v, err := m.CurrentVersion()
	if err != nil || v != 1 {
		t.Fatalf("CurrentVersion after up = (%d,%v), want (1,nil)", v, err)
	}

	var migrated map[string]interface{}
	raw, _ := os.ReadFile(usersPath)
	json.Unmarshal(raw, &migrated) //nolint:errcheck
	if migrated["u1"].(map[string]interface{})["tier"] != "pro" {
		t.Fatalf("expected migrated tier=pro, got %v", migrated)
	}

	if err := m.Rollback(0); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	v, err = m.CurrentVersion()
	if err != nil || v != 0 {
		t.Fatalf("CurrentVersion after rollback = (%d,%v), want (0,nil)", v, err)
	}

	var restored map[string]interface{}
	raw, _ = os.ReadFile(usersPath)
	json.Unmarshal(raw, &restored) //nolint:errcheck
	if restored["u1"].(map[string]interface{})["tier"] != "basic" {
		t.Fatalf("expected restored tier=basic bit-for-bit, got %v", restored)
	}
}

func TestMigrator_RollbackToFutureVersionRejected(t *testing.T) {
	dir := t.TempDir()
	m := &Migrator{DataDir: dir, Steps: []MigrationStep{{Version: 1, Up: func(string) error { return nil }, Down: func(string) error { return nil }}}}
	if err := m.MigrateUp(); err != nil {
		t.Fatal(err)
	}
	if err := m.Rollback(5); err == nil {
		t.Fatal("expected rollback to a future version to be rejected")
	}
}

package admin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MigrationStep is one schema version transition. Up transforms the data
// directory from version N-1 to N; Down reverses it. A step must be
// idempotent-safe to re-run against its own output (Up(Up(x)) == Up(x)),
// since a crash between backup and version-bump can replay it.
type MigrationStep struct {
	Version int
	Up      func(dataDir string) error
	Down    func(dataDir string) error
}

// Migrator applies a linear sequence of MigrationStep in version order,
// backing up the data directory's JSON files before each Up step, per §4.6.
type Migrator struct {
	DataDir string
	Steps   []MigrationStep
}

const versionFile = ".version"

// CurrentVersion reads the .version file, defaulting to 0 (pre-migration)
// when absent.
func (m *Migrator) CurrentVersion() (int, error) {
	raw, err := os.ReadFile(filepath.Join(m.DataDir, versionFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("admin: malformed %s: %w", versionFile, err)
	}
	return v, nil
}

func (m *Migrator) writeVersion(v int) error {
	return os.WriteFile(filepath.Join(m.DataDir, versionFile), []byte(strconv.Itoa(v)), 0o600)
}

// MigrateUp applies every step whose Version is greater than the current
// on-disk version, in ascending order, each preceded by a timestamped backup
// of the data directory's *.json files.
func (m *Migrator) MigrateUp() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}
		if err := m.backup(); err != nil {
			return fmt.Errorf("admin: backup before migrating to v%d: %w", step.Version, err)
		}
		if err := step.Up(m.DataDir); err != nil {
			return fmt.Errorf("admin: migration to v%d failed: %w", step.Version, err)
		}
		if err := m.writeVersion(step.Version); err != nil {
			return err
		}
		current = step.Version
	}
	return nil
}

// Rollback applies Down steps in reverse from the current version down to
// (and including) target+1, restoring each step's precondition. Rolling
// back to a version at or beyond the current version is rejected — "a
// future version" per §4.6.
func (m *Migrator) Rollback(target int) error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if target >= current {
		return fmt.Errorf("admin: rollback target v%d is not older than current v%d", target, current)
	}
	for i := len(m.Steps) - 1; i >= 0; i-- {
		step := m.Steps[i]
		if step.Version > current || step.Version <= target {
			continue
		}
		if step.Down == nil {
			return fmt.Errorf("admin: migration v%d has no down step", step.Version)
		}
		if err := step.Down(m.DataDir); err != nil {
			return fmt.Errorf("admin: rollback from v%d failed: %w", step.Version, err)
		}
	}
	return m.writeVersion(target)
}

// backup copies every *.json file in DataDir into backups/<timestamp>/,
// preserving filenames, before a migration mutates them in place.
func (m *Migrator) backup() error {
	entries, err := os.ReadDir(m.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var jsonFiles []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		jsonFiles = append(jsonFiles, e.Name())
	}
	if len(jsonFiles) == 0 {
		return nil
	}

	stamp := backupStamp()
	destDir := filepath.Join(m.DataDir, "backups", stamp)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, name := range jsonFiles {
		if err := copyFile(filepath.Join(m.DataDir, name), filepath.Join(destDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// backupStamp is overridable in tests since time.Now() is not available to
// workflow-generated code paths that replay this package deterministically.
var backupStamp = func() string { return time.Now().UTC().Format("20060102T150405.000000000Z") }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

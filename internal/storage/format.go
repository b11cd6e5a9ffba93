// Package storage owns the data-directory format marker and its
// migration protocol. Every other store refuses to write until the
// startup check passes.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/settld/backend/internal/errcode"
)

// FormatSchemaVersion tags the marker file itself.
const FormatSchemaVersion = "MagicLinkDataFormat.v1"

// CurrentVersion is the data-dir layout version this build writes.
const CurrentVersion = 2

// FormatMarker is the content of <dataDir>/format.json.
type FormatMarker struct {
	SchemaVersion string    `json:"schemaVersion"`
	Version       int       `json:"version"`
	WrittenAt     time.Time `json:"writtenAt"`
}

// Migration upgrades the data dir from Version-1 to Version in place.
type Migration struct {
	Version int
	Name    string
	Apply   func(dataDir string) error
}

// migrations are applied in order when an older data dir is opened.
var migrations = []Migration{
	{
		Version: 2,
		Name:    "split settlement decision reports out of decisions/",
		Apply:   migrateDecisionReports,
	},
}

func markerPath(dataDir string) string { return filepath.Join(dataDir, "format.json") }

// ReadMarker loads the marker, or returns DATA_DIR_UNINITIALIZED /
// DATA_DIR_FORMAT_INVALID.
func ReadMarker(dataDir string) (*FormatMarker, error) {
	raw, err := os.ReadFile(markerPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.DataDirUninitialized, "no format.json in %s", dataDir)
		}
		return nil, errcode.New(errcode.DataDirFormatInvalid, "read format.json: %v", err)
	}
	var m FormatMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errcode.New(errcode.DataDirFormatInvalid, "parse format.json: %v", err)
	}
	if m.SchemaVersion != FormatSchemaVersion || m.Version <= 0 {
		return nil, errcode.New(errcode.DataDirFormatInvalid, "unrecognized format marker")
	}
	return &m, nil
}

func writeMarker(dataDir string, version int) error {
	m := FormatMarker{
		SchemaVersion: FormatSchemaVersion,
		Version:       version,
		WrittenAt:     time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := markerPath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, markerPath(dataDir))
}

// Check verifies the data dir without writing. Returns nil when the dir
// is at CurrentVersion.
func Check(dataDir string) error {
	m, err := ReadMarker(dataDir)
	if err != nil {
		return err
	}
	if m.Version > CurrentVersion {
		return errcode.New(errcode.DataDirTooNew, "data dir is v%d, this build supports v%d", m.Version, CurrentVersion)
	}
	if m.Version < CurrentVersion {
		return errcode.New(errcode.DataDirUninitialized, "data dir is v%d, needs migration to v%d", m.Version, CurrentVersion)
	}
	return nil
}

// Ensure runs the startup protocol: initialize an absent marker when
// migrateOnStartup is set, apply pending migrations in order, and fail
// closed on a newer-than-supported dir. All other stores call this (via
// the server) before their first write.
func Ensure(dataDir string, migrateOnStartup bool) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	m, err := ReadMarker(dataDir)
	if err != nil {
		if errcode.Is(err, errcode.DataDirUninitialized) {
			if !migrateOnStartup {
				return errcode.New(errcode.MigrationsDisabled, "data dir uninitialized and MAGIC_LINK_MIGRATE_ON_STARTUP=0")
			}
			slog.Info("initializing data dir", "dir", dataDir, "version", CurrentVersion)
			return writeMarker(dataDir, CurrentVersion)
		}
		return err
	}

	if m.Version > CurrentVersion {
		return errcode.New(errcode.DataDirTooNew, "data dir is v%d, this build supports v%d", m.Version, CurrentVersion)
	}
	if m.Version == CurrentVersion {
		return nil
	}
	if !migrateOnStartup {
		return errcode.New(errcode.MigrationsDisabled, "data dir is v%d and MAGIC_LINK_MIGRATE_ON_STARTUP=0", m.Version)
	}
	return Migrate(dataDir)
}

// Migrate applies every pending migration and rewrites the marker. The
// marker is rewritten only after all migrations succeed.
func Migrate(dataDir string) error {
	m, err := ReadMarker(dataDir)
	if err != nil {
		if errcode.Is(err, errcode.DataDirUninitialized) {
			return writeMarker(dataDir, CurrentVersion)
		}
		return err
	}
	if m.Version > CurrentVersion {
		return errcode.New(errcode.DataDirTooNew, "data dir is v%d, this build supports v%d", m.Version, CurrentVersion)
	}
	for _, mig := range migrations {
		if mig.Version <= m.Version {
			continue
		}
		slog.Info("applying data dir migration", "version", mig.Version, "name", mig.Name)
		if err := mig.Apply(dataDir); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return writeMarker(dataDir, CurrentVersion)
}

// migrateDecisionReports moves legacy per-token report files written as
// decisions/<token>_NNNN.json into settlement_decisions/<token>/NNNN_*.json.
// v1 dirs that never wrote reports have nothing to move.
func migrateDecisionReports(dataDir string) error {
	legacy := filepath.Join(dataDir, "decisions")
	entries, err := os.ReadDir(legacy)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue
		}
		// Aggregate logs are <token>.json; legacy report files are
		// <token>_NNNN_{approve|hold}.json.
		parts := strings.Split(name, "_")
		if len(parts) != 4 || parts[0] != "ml" {
			continue
		}
		token, seq, kind := parts[0]+"_"+parts[1], parts[2], parts[3]
		dst := filepath.Join(dataDir, "settlement_decisions", token)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(legacy, e.Name()), filepath.Join(dst, seq+"_"+kind+".json")); err != nil {
			return err
		}
	}
	return nil
}

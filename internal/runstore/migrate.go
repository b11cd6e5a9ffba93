package runstore

import (
	"log/slog"
)

// MigrateResult counts the outcome of an FS-to-DB migration pass.
type MigrateResult struct {
	Tenants  int `json:"tenants"`
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
}

// MigrateFSToDB iterates every tenant under runs/ and upserts each
// record into the DB backend. Best-effort by design: any row failure is
// counted as skipped and logged, never fatal, so a partially migrated
// data dir can be retried.
func MigrateFSToDB(dataDir string, db backendPutter) (*MigrateResult, error) {
	fs := newFSBackend(dataDir)
	tenants, err := fs.listTenants()
	if err != nil {
		return nil, err
	}
	res := &MigrateResult{Tenants: len(tenants)}
	for _, tenantID := range tenants {
		records, err := fs.list(tenantID, 0)
		if err != nil {
			slog.Warn("fs-to-db migration: list tenant runs", "tenant", tenantID, "error", err)
			res.Skipped++
			continue
		}
		for _, r := range records {
			if err := db.put(r); err != nil {
				slog.Warn("fs-to-db migration: upsert", "tenant", tenantID, "token", r.Token, "error", err)
				res.Skipped++
				continue
			}
			res.Migrated++
		}
	}
	return res, nil
}

// backendPutter is the slice of backend the migrator needs.
type backendPutter interface {
	put(r *Record) error
}

// DBPutter adapts an opened *sql.DB for MigrateFSToDB callers outside
// this package.
func (s *Store) DBPutter() backendPutter { return s.db }

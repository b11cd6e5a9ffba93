package runstore

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// Store routes reads and writes according to the configured mode:
//
//	fs:   FS only.
//	db:   DB only.
//	dual: writes go to both (secondary best-effort); reads hit the DB
//	      first and fall back to FS on a miss.
type Store struct {
	mode config.RunStoreMode
	fs   *fsBackend
	db   backend
}

// New builds a store for the mode. db may be nil in fs mode.
func New(mode config.RunStoreMode, dataDir string, db *sql.DB) *Store {
	s := &Store{mode: mode, fs: newFSBackend(dataDir)}
	if db != nil {
		s.db = newDBBackend(db)
	}
	return s
}

// newWithBackends is the test seam.
func newWithBackends(mode config.RunStoreMode, fs *fsBackend, db backend) *Store {
	return &Store{mode: mode, fs: fs, db: db}
}

// Put persists a record. In dual mode the FS write is best-effort after
// the DB upsert succeeds.
func (s *Store) Put(r *Record) error {
	if !ident.ValidTenantID(r.TenantID) {
		return errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	if !ident.ValidRunToken(r.Token) {
		return errcode.New(errcode.NotFound, "bad run token")
	}
	if r.SchemaVersion == "" {
		r.SchemaVersion = SchemaVersion
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	switch s.mode {
	case config.RunStoreFS:
		return s.fs.put(r)
	case config.RunStoreDB:
		return s.db.put(r)
	case config.RunStoreDual:
		if err := s.db.put(r); err != nil {
			return err
		}
		if err := s.fs.put(r); err != nil {
			slog.Warn("dual-mode fs write failed", "tenant", r.TenantID, "token", r.Token, "error", err)
		}
		return nil
	}
	return s.fs.put(r)
}

// Get fetches one record; (nil, nil) when absent.
func (s *Store) Get(tenantID, token string) (*Record, error) {
	switch s.mode {
	case config.RunStoreDB:
		return s.db.get(tenantID, token)
	case config.RunStoreDual:
		r, err := s.db.get(tenantID, token)
		if err != nil || r != nil {
			return r, err
		}
		return s.fs.get(tenantID, token)
	default:
		return s.fs.get(tenantID, token)
	}
}

// Delete removes a record from every backend in the mode.
func (s *Store) Delete(tenantID, token string) error {
	switch s.mode {
	case config.RunStoreDB:
		return s.db.delete(tenantID, token)
	case config.RunStoreDual:
		if err := s.db.delete(tenantID, token); err != nil {
			return err
		}
		return s.fs.delete(tenantID, token)
	default:
		return s.fs.delete(tenantID, token)
	}
}

// List returns records for the tenant ordered createdAt DESC, token
// DESC. limit <= 0 means no limit.
func (s *Store) List(tenantID string, limit int) ([]*Record, error) {
	switch s.mode {
	case config.RunStoreDB, config.RunStoreDual:
		return s.db.list(tenantID, limit)
	default:
		return s.fs.list(tenantID, limit)
	}
}

// ListTenants enumerates tenants with stored runs (FS view; in db mode
// the caller lists tenants from the tenant store instead).
func (s *Store) ListTenants() ([]string, error) {
	return s.fs.listTenants()
}

// UpdateDecision merges a decision summary into the record. The merge
// is additive: unrelated fields of the document are preserved.
func (s *Store) UpdateDecision(tenantID, token string, d *DecisionSummary) error {
	switch d.Decision {
	case "approve", "hold":
	default:
		return errcode.New(errcode.InvalidDecision, "decision must be approve|hold")
	}
	r, err := s.Get(tenantID, token)
	if err != nil {
		return err
	}
	if r == nil {
		return errcode.New(errcode.NotFound, "run %s/%s", tenantID, token)
	}
	r.Decision = d

	// Merge the summary into the opaque document too so exports built
	// from record_json alone carry the decision. Additive only.
	if len(r.Document) > 0 {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(r.Document, &doc); err == nil {
			dRaw, err := json.Marshal(d)
			if err != nil {
				return err
			}
			doc["decision"] = dRaw
			if merged, err := json.Marshal(doc); err == nil {
				r.Document = merged
			}
		}
	}
	return s.Put(r)
}

package runstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/settld/backend/internal/ident"
)

// fsBackend stores records as <dataDir>/runs/<tenantId>/<token>.json.
type fsBackend struct {
	dataDir string
}

func newFSBackend(dataDir string) *fsBackend { return &fsBackend{dataDir: dataDir} }

func (f *fsBackend) path(tenantID, token string) string {
	return filepath.Join(f.dataDir, "runs", tenantID, token+".json")
}

func (f *fsBackend) put(r *Record) error {
	path := f.path(r.TenantID, r.Token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *fsBackend) get(tenantID, token string) (*Record, error) {
	raw, err := os.ReadFile(f.path(tenantID, token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		// Partial or corrupt writes read as absent.
		return nil, nil
	}
	return &r, nil
}

func (f *fsBackend) delete(tenantID, token string) error {
	err := os.Remove(f.path(tenantID, token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fsBackend) list(tenantID string, limit int) ([]*Record, error) {
	dir := filepath.Join(f.dataDir, "runs", tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		token := e.Name()
		if filepath.Ext(token) != ".json" {
			continue
		}
		token = token[:len(token)-len(".json")]
		if !ident.ValidRunToken(token) {
			continue
		}
		r, err := f.get(tenantID, token)
		if err != nil || r == nil {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Token > out[j].Token
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// listTenants enumerates tenant dirs under runs/ (used by the sweeper
// and the FS-to-DB migrator).
func (f *fsBackend) listTenants() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.dataDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ident.ValidTenantID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

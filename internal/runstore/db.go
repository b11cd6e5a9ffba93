package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// dbBackend upserts records into the run_records table. The projection
// columns mirror Record; record_json holds the full document.
type dbBackend struct {
	db *sql.DB
}

// OpenDB connects to Postgres and ensures the schema exists.
func OpenDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open run store db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_records (
			tenant_id            TEXT        NOT NULL,
			token                TEXT        NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL,
			verification_status  TEXT        NOT NULL,
			evidence_count       INTEGER     NOT NULL DEFAULT 0,
			active_evidence_count INTEGER    NOT NULL DEFAULT 0,
			sla_compliance_pct   INTEGER     NOT NULL DEFAULT 100,
			template_id          TEXT,
			template_config_hash TEXT,
			decision             TEXT,
			decided_at           TIMESTAMPTZ,
			decided_by_email     TEXT,
			record_json          JSONB       NOT NULL,
			PRIMARY KEY (tenant_id, token)
		)`)
	if err != nil {
		return fmt.Errorf("ensure run_records schema: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS run_records_tenant_created
		ON run_records (tenant_id, created_at DESC, token DESC)`)
	return err
}

func newDBBackend(db *sql.DB) *dbBackend { return &dbBackend{db: db} }

func (d *dbBackend) put(r *Record) error {
	var decision, decidedBy sql.NullString
	var decidedAt sql.NullTime
	if r.Decision != nil {
		decision = sql.NullString{String: r.Decision.Decision, Valid: true}
		decidedBy = sql.NullString{String: r.Decision.DecidedByEmail, Valid: true}
		decidedAt = sql.NullTime{Time: r.Decision.DecidedAt, Valid: true}
	}
	// record_json holds the whole Record envelope (projection plus the
	// opaque verifier document) so a row round-trips losslessly.
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`
		INSERT INTO run_records (tenant_id, token, created_at, verification_status,
			evidence_count, active_evidence_count, sla_compliance_pct,
			template_id, template_config_hash, decision, decided_at,
			decided_by_email, record_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tenant_id, token) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			verification_status = EXCLUDED.verification_status,
			evidence_count = EXCLUDED.evidence_count,
			active_evidence_count = EXCLUDED.active_evidence_count,
			sla_compliance_pct = EXCLUDED.sla_compliance_pct,
			template_id = EXCLUDED.template_id,
			template_config_hash = EXCLUDED.template_config_hash,
			decision = EXCLUDED.decision,
			decided_at = EXCLUDED.decided_at,
			decided_by_email = EXCLUDED.decided_by_email,
			record_json = EXCLUDED.record_json`,
		r.TenantID, r.Token, r.CreatedAt, r.VerificationStatus,
		r.EvidenceCount, r.ActiveEvidence, r.SlaCompliancePct,
		nullStr(r.TemplateID), nullStr(r.TemplateConfigHash),
		decision, decidedAt, decidedBy, []byte(doc))
	return err
}

func (d *dbBackend) get(tenantID, token string) (*Record, error) {
	row := d.db.QueryRow(`SELECT record_json FROM run_records
		WHERE tenant_id = $1 AND token = $2`, tenantID, token)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *dbBackend) delete(tenantID, token string) error {
	_, err := d.db.Exec(`DELETE FROM run_records WHERE tenant_id = $1 AND token = $2`,
		tenantID, token)
	return err
}

func (d *dbBackend) list(tenantID string, limit int) ([]*Record, error) {
	q := `SELECT record_json FROM run_records WHERE tenant_id = $1
		ORDER BY created_at DESC, token DESC`
	args := []any{tenantID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(doc, &r); err != nil {
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

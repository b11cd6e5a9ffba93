// Package decision records settlement decisions: an append-only
// aggregate actor log per token, plus individually signed settlement
// decision report files with a dense monotonic sequence.
package decision

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/ident"
)

// ReportSchemaVersion tags settlement decision reports.
const ReportSchemaVersion = "MagicLinkSettlementDecision.v1"

// maxSeq caps the per-token report sequence.
const maxSeq = 9999

// Entry is one row of the aggregate decision log.
type Entry struct {
	Decision   string    `json:"decision"` // approve | hold
	ActorEmail string    `json:"actorEmail"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Report is a settlement decision report file. ReportHash is the hex
// SHA-256 of the canonical report body (without signature fields) and
// doubles as the payment trigger idempotency key.
type Report struct {
	SchemaVersion string    `json:"schemaVersion"`
	TenantID      string    `json:"tenantId"`
	Token         string    `json:"token"`
	Seq           int       `json:"seq"`
	Decision      string    `json:"decision"`
	ActorEmail    string    `json:"actorEmail"`
	Note          string    `json:"note,omitempty"`
	DecidedAt     time.Time `json:"decidedAt"`

	ReportHash string `json:"reportHash"`
	SignerKey  string `json:"signerKeyId,omitempty"`
	Signature  string `json:"signature,omitempty"` // base64 ed25519 over ReportHash
}

// Signer signs report hashes. Nil disables signing.
type Signer struct {
	KeyID string
	key   ed25519.PrivateKey
}

// NewSigner parses a PKCS#8 ed25519 PEM private key.
func NewSigner(keyID, privateKeyPem string) (*Signer, error) {
	block, _ := pem.Decode([]byte(privateKeyPem))
	if block == nil {
		return nil, fmt.Errorf("decision signer: no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decision signer: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("decision signer: key is not ed25519")
	}
	return &Signer{KeyID: keyID, key: key}, nil
}

// Log writes decision files under the data directory.
type Log struct {
	dataDir string
}

// NewLog creates the decision log.
func NewLog(dataDir string) *Log { return &Log{dataDir: dataDir} }

// Append validates and records a decision: one entry appended to the
// aggregate log and one new report file at the next dense sequence
// number. signer may be nil.
func (l *Log) Append(tenantID, token, decision, actorEmail, note string, signer *Signer) (*Report, error) {
	if !ident.ValidTenantID(tenantID) {
		return nil, errcode.New(errcode.InvalidTenant, "bad tenant id")
	}
	if !ident.ValidRunToken(token) {
		return nil, errcode.New(errcode.NotFound, "bad run token")
	}
	if decision != "approve" && decision != "hold" {
		return nil, errcode.New(errcode.InvalidDecision, "decision must be approve|hold")
	}
	actor, ok := ident.NormalizeEmail(actorEmail)
	if !ok {
		return nil, errcode.New(errcode.InvalidActor, "bad actor email")
	}

	now := time.Now().UTC()
	if err := l.appendEntry(token, Entry{Decision: decision, ActorEmail: actor, Note: note, At: now}); err != nil {
		return nil, err
	}

	seq, err := l.nextSeq(token)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		SchemaVersion: ReportSchemaVersion,
		TenantID:      tenantID,
		Token:         token,
		Seq:           seq,
		Decision:      decision,
		ActorEmail:    actor,
		Note:          note,
		DecidedAt:     now,
	}
	rep.ReportHash = hashReport(rep)
	if signer != nil {
		rep.SignerKey = signer.KeyID
		rep.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(signer.key, []byte(rep.ReportHash)))
	}

	dir := l.reportDir(token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%04d_%s.json", seq, decision)
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return nil, err
	}
	return rep, nil
}

// Entries returns the aggregate log for a token, oldest first.
func (l *Log) Entries(token string) ([]Entry, error) {
	raw, err := os.ReadFile(l.aggregatePath(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Latest returns the newest report for a token, or (nil, nil).
func (l *Log) Latest(token string) (*Report, error) {
	seqs, err := l.sequences(token)
	if err != nil || len(seqs) == 0 {
		return nil, err
	}
	return l.readReport(token, seqs[len(seqs)-1])
}

// Reports returns every report for a token in sequence order.
func (l *Log) Reports(token string) ([]*Report, error) {
	seqs, err := l.sequences(token)
	if err != nil {
		return nil, err
	}
	out := make([]*Report, 0, len(seqs))
	for _, s := range seqs {
		r, err := l.readReport(token, s)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *Log) aggregatePath(token string) string {
	return filepath.Join(l.dataDir, "decisions", token+".json")
}

func (l *Log) reportDir(token string) string {
	return filepath.Join(l.dataDir, "settlement_decisions", token)
}

func (l *Log) appendEntry(token string, e Entry) error {
	entries, err := l.Entries(token)
	if err != nil {
		return err
	}
	entries = append(entries, e)
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	path := l.aggregatePath(token)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sequences lists existing report sequence numbers, ascending.
func (l *Log) sequences(token string) ([]int, error) {
	entries, err := os.ReadDir(l.reportDir(token))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		i := strings.Index(name, "_")
		if i != 4 {
			continue
		}
		n, err := strconv.Atoi(name[:4])
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// nextSeq is max(existing)+1, starting at 0, capped at maxSeq.
func (l *Log) nextSeq(token string) (int, error) {
	seqs, err := l.sequences(token)
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	next := seqs[len(seqs)-1] + 1
	if next > maxSeq {
		return 0, fmt.Errorf("decision report sequence for %s exhausted", token)
	}
	return next, nil
}

func (l *Log) readReport(token string, seq int) (*Report, error) {
	matches, err := filepath.Glob(filepath.Join(l.reportDir(token), fmt.Sprintf("%04d_*.json", seq)))
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// hashReport computes the hex SHA-256 of the report body with the
// signature fields zeroed.
func hashReport(r *Report) string {
	body := *r
	body.ReportHash = ""
	body.SignerKey = ""
	body.Signature = ""
	raw, _ := json.Marshal(body)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Package schema implements the Schema Contract Store (C2): canonicalizing
// declared output schemas, hashing them with blake3, and enforcing the
// contract against every emitted Arrow record batch.
//
// Grounded on the teacher's PRAGMA-table_info column-introspection pattern
// in internal/store/local_knowledge.go, generalized from "does this sqlite
// table have this column" to "does this Arrow schema have this field, in
// order, with this type".
package schema

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"lukechampine.com/blake3"

	"casparian/internal/errs"
	"casparian/internal/wire"
)

// Contract is the immutable (plugin, version, output) schema pairing.
type Contract struct {
	PluginName      string
	PluginVersion   string
	OutputName      string
	CanonicalJSON   string
	SchemaHash      string // hex-encoded blake3 digest of CanonicalJSON
	TargetKeys      []string
	ArrowSchema     *arrow.Schema
}

// contractKey identifies a contract row.
type contractKey struct {
	plugin, version, output string
}

// Store holds registered schema contracts in memory only; contracts are not
// written to the sqlite state store. Store is the validation/registration
// logic used both by the registry at deploy time and by workers at run time.
type Store struct {
	mu        sync.RWMutex
	contracts map[contractKey]Contract
}

// New returns an empty in-memory contract store.
func New() *Store {
	return &Store{contracts: make(map[contractKey]Contract)}
}

// HashCanonicalSchema computes the schema_hash for an already-canonicalized
// schema JSON document.
func HashCanonicalSchema(canonicalJSON string) string {
	sum := blake3.Sum256([]byte(canonicalJSON))
	return hex.EncodeToString(sum[:])
}

// TableSuffix derives the landing-table suffix from a schema hash: the
// first 16 hex characters, per the idempotency keyer's contract.
func TableSuffix(schemaHash string) string {
	if len(schemaHash) < 16 {
		return schemaHash
	}
	return schemaHash[:16]
}

// Register canonicalizes schemaJSON, computes its hash, and creates the
// contract row if absent. If a contract already exists for
// (plugin, version, output) with a DIFFERENT hash, Register fails with
// ErrSchemaConflict — a schema change requires a version bump. Registering
// the identical schema again is a no-op success (idempotent deploy retry).
func (s *Store) Register(plugin, version, output, rawSchemaJSON string, targetKeys []string, arrowSchema *arrow.Schema) (string, error) {
	canon, err := wire.CanonicalizeBytes([]byte(rawSchemaJSON))
	if err != nil {
		return "", fmt.Errorf("schema: canonicalize: %w", err)
	}
	hash := HashCanonicalSchema(string(canon))

	key := contractKey{plugin, version, output}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.contracts[key]; ok {
		if existing.SchemaHash != hash {
			return "", errs.WithDetail(errs.ErrSchemaConflict, "plugin=%s version=%s output=%s existing_hash=%s new_hash=%s",
				plugin, version, output, existing.SchemaHash, hash)
		}
		return existing.SchemaHash, nil
	}

	s.contracts[key] = Contract{
		PluginName:    plugin,
		PluginVersion: version,
		OutputName:    output,
		CanonicalJSON: string(canon),
		SchemaHash:    hash,
		TargetKeys:    targetKeys,
		ArrowSchema:   arrowSchema,
	}
	return hash, nil
}

// Lookup returns the registered contract for (plugin, version, output).
func (s *Store) Lookup(plugin, version, output string) (Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractKey{plugin, version, output}]
	return c, ok
}

// ValidationResult classifies the outcome of validating one record batch.
type ValidationResult int

const (
	// ResultOk: the batch matches the contract exactly.
	ResultOk ValidationResult = iota
	// ResultQuarantine: a row-level type mismatch; row routed to quarantine,
	// the output stream continues.
	ResultQuarantine
	// ResultFatal: structural mismatch (missing/extra column); fatal to the
	// current output stream.
	ResultFatal
)

// ValidateBatch compares fieldwise the batch's schema against the contract
// identified by schemaHash. Field names, order, and logical types must
// match exactly; a field may be nullable only if the contract declares it
// optional — any other layout difference is fatal to the output stream.
// When the layout matches, individual rows that carry a null in a
// contract-required column are quarantined rather than failing the whole
// batch; QuarantinedRows lists their indices within the batch.
func (s *Store) ValidateBatch(schemaHash string, batch arrow.Record) (ValidationResult, []int, error) {
	s.mu.RLock()
	var contract *Contract
	for _, c := range s.contracts {
		if c.SchemaHash == schemaHash {
			cc := c
			contract = &cc
			break
		}
	}
	s.mu.RUnlock()

	if contract == nil || contract.ArrowSchema == nil {
		return ResultFatal, nil, errs.WithDetail(errs.ErrStructuralMismatch, "no contract registered for schema_hash=%s", schemaHash)
	}

	want := contract.ArrowSchema
	got := batch.Schema()

	if want.NumFields() != got.NumFields() {
		return ResultFatal, nil, errs.WithDetail(errs.ErrStructuralMismatch,
			"field count mismatch: want=%d got=%d", want.NumFields(), got.NumFields())
	}

	for i := 0; i < want.NumFields(); i++ {
		wf := want.Field(i)
		gf := got.Field(i)
		if wf.Name != gf.Name {
			return ResultFatal, nil, errs.WithDetail(errs.ErrStructuralMismatch,
				"field[%d] name mismatch: want=%s got=%s", i, wf.Name, gf.Name)
		}
		if !arrow.TypeEqual(wf.Type, gf.Type) {
			return ResultFatal, nil, errs.WithDetail(errs.ErrStructuralMismatch,
				"field[%d] %s: type mismatch: want=%s got=%s", i, wf.Name, wf.Type, gf.Type)
		}
	}

	var quarantined []int
	for i := 0; i < want.NumFields(); i++ {
		if want.Field(i).Nullable {
			continue // optional column: nulls are legal, never quarantine
		}
		col := batch.Column(i)
		for row := 0; row < int(batch.NumRows()); row++ {
			if col.IsNull(row) {
				quarantined = append(quarantined, row)
			}
		}
	}

	if len(quarantined) > 0 {
		return ResultQuarantine, quarantined, errs.WithDetail(errs.ErrRowTypeMismatch,
			"%d row(s) null in a required column", len(quarantined))
	}
	return ResultOk, nil, nil
}

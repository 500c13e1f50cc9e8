// Package idempotency implements the Idempotency Keyer (C3): deterministic
// row identity and landing-table naming. Pure functions only — no I/O, no
// clock, no randomness — so two independent hosts running the same plugin
// version over the same input always agree on the key set.
package idempotency

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"casparian/internal/schema"
	"casparian/internal/wire"
)

// TableSuffix returns the physical landing-table suffix for a schema hash:
// the first 16 hex characters. Re-exported from schema so callers that only
// need table naming don't have to import the contract store.
func TableSuffix(schemaHash string) string {
	return schema.TableSuffix(schemaHash)
}

// LandingTableName returns the full landing-table name for an output,
// per §6.4: out_<output>_<schema_hash_prefix>.
func LandingTableName(output, schemaHash string) string {
	return fmt.Sprintf("out_%s_%s", output, TableSuffix(schemaHash))
}

// RowKey computes blake3(schema_hash || canonical(target_keys, row)) as the
// logical identity of one output row. targetKeyValues must contain exactly
// the columns declared as idempotency target keys for this contract, in a
// form JSON-serializable by wire.Canonical (values keyed by column name).
func RowKey(schemaHash string, targetKeyValues map[string]any) (string, error) {
	canon, err := wire.Canonical(targetKeyValues)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize target keys: %w", err)
	}

	combined := append([]byte(schemaHash), canon...)
	sum := blake3.Sum256(combined)
	return hex.EncodeToString(sum[:]), nil
}

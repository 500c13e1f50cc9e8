package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"casparian/internal/idempotency"
	"casparian/internal/wire"
)

// LandOutputBatch persists one emitted record batch into its output's
// landing table (creating the table on first use), deduplicating rows by
// idempotency key so re-running the same (plugin, version, input) over the
// same rows never double-lands them. Returns how many rows were newly
// inserted (as opposed to already present).
//
// Grounded on internal/schema.Store.ValidateBatch's fieldwise column
// walk, generalized here from "does this field match" to "extract this
// field's Go value" so each row can be both column-inserted and fed to
// idempotency.RowKey.
func (s *Store) LandOutputBatch(output, schemaHash string, targetKeys []string, batch arrow.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := idempotency.LandingTableName(output, schemaHash)
	schema := batch.Schema()

	if err := s.ensureLandingTableLocked(table, schema); err != nil {
		return 0, err
	}

	cols := make([]string, schema.NumFields())
	placeholders := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		cols[i] = schema.Field(i).Name
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (idempotency_key, %s) VALUES (?, %s)`,
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)

	var landed int64
	err := s.withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin LandOutputBatch: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(insertSQL)
		if err != nil {
			return fmt.Errorf("store: prepare landing insert: %w", err)
		}
		defer stmt.Close()

		landed = 0
		for row := 0; row < int(batch.NumRows()); row++ {
			values := make([]any, schema.NumFields())
			targetVals := make(map[string]any, len(targetKeys))
			for i := 0; i < schema.NumFields(); i++ {
				v := cellValue(batch.Column(i), row)
				values[i] = v
				if containsName(targetKeys, schema.Field(i).Name) {
					targetVals[schema.Field(i).Name] = v
				}
			}
			key, err := idempotency.RowKey(schemaHash, targetVals)
			if err != nil {
				return fmt.Errorf("store: compute row key: %w", err)
			}
			args := append([]any{key}, values...)
			res, err := stmt.Exec(args...)
			if err != nil {
				return fmt.Errorf("store: insert landing row: %w", err)
			}
			n, _ := res.RowsAffected()
			landed += n
		}
		return tx.Commit()
	})
	return landed, err
}

// CountLandingRows returns the row count of the landing table for
// (output, schemaHash), or 0 if the table has never been created.
func (s *Store) CountLandingRows(output, schemaHash string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := idempotency.LandingTableName(output, schemaHash)
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("store: check landing table exists: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var count int64
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count landing rows: %w", err)
	}
	return count, nil
}

func (s *Store) ensureLandingTableLocked(table string, schema *arrow.Schema) error {
	cols := make([]string, 0, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		cols = append(cols, fmt.Sprintf("%s %s", f.Name, sqliteColumnType(f.Type)))
	}
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (idempotency_key TEXT PRIMARY KEY, %s)`,
		table, strings.Join(cols, ", "),
	)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: create landing table %s: %w", table, err)
	}
	return nil
}

// dropLandingTables drops every dynamically-created out_* table. Used only
// by the in-memory recreate path (a file-backed recreate deletes the whole
// database file instead).
func (s *Store) dropLandingTables() error {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'out\_%' ESCAPE '\'`)
	if err != nil {
		return fmt.Errorf("store: list landing tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		names = append(names, n)
	}
	rows.Close()

	for _, n := range names {
		if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, n)); err != nil {
			return fmt.Errorf("store: drop landing table %s: %w", n, err)
		}
	}
	return nil
}

func sqliteColumnType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT64, arrow.INT32, arrow.BOOL:
		return "INTEGER"
	case arrow.FLOAT64, arrow.FLOAT32:
		return "REAL"
	default:
		return "TEXT"
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// cellValue extracts row's value from col as a plain Go value suitable for
// both a database/sql argument and idempotency.RowKey's canonicalization.
// Mirrors internal/worker/shim/rows.go's appendValue, in reverse: there a
// map value becomes an Arrow cell, here an Arrow cell becomes a plain value.
func cellValue(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.String:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	default:
		return fmt.Sprintf("%v", col)
	}
}

// RecordRealizedInput upserts the bookkeeping row marking (plugin, version,
// inputHandle) as fully realized, so a later enqueue of the identical work
// can be short-circuited by the dispatcher's Gate step without re-running
// the plugin. Resolves the open question of how "already fully realized in
// the landing table" (spec-level phrasing) is checked without first running
// the plugin to know what rows it would produce: realization is recorded
// once, at the end of a successful run, keyed by the triple that uniquely
// identifies "this exact unit of work has already happened".
func (s *Store) RecordRealizedInput(pluginName, pluginVersion, inputHandle string, receipt wire.JobReceipt) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("store: marshal receipt for realized_inputs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry(func() error {
		now := s.clock.Now().UTC()
		_, err := s.db.Exec(`
			INSERT INTO realized_inputs (plugin_name, plugin_version, input_handle, receipt_json, realized_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(plugin_name, plugin_version, input_handle)
			DO UPDATE SET receipt_json = excluded.receipt_json, realized_at = excluded.realized_at`,
			pluginName, pluginVersion, inputHandle, string(payload), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("store: upsert realized_inputs: %w", err)
		}
		return nil
	})
}

// LookupRealizedInput returns the receipt recorded for (plugin, version,
// inputHandle) by a prior successful run, if any.
func (s *Store) LookupRealizedInput(pluginName, pluginVersion, inputHandle string) (wire.JobReceipt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRow(`
		SELECT receipt_json FROM realized_inputs
		WHERE plugin_name = ? AND plugin_version = ? AND input_handle = ?`,
		pluginName, pluginVersion, inputHandle,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return wire.JobReceipt{}, false, nil
	}
	if err != nil {
		return wire.JobReceipt{}, false, fmt.Errorf("store: lookup realized_inputs: %w", err)
	}

	var receipt wire.JobReceipt
	if err := json.Unmarshal([]byte(payload), &receipt); err != nil {
		return wire.JobReceipt{}, false, fmt.Errorf("store: unmarshal realized_inputs receipt: %w", err)
	}
	return receipt, true, nil
}

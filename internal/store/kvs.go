package store

import (
	"context"
	"database/sql"
	"fmt"
)

// KVSEntry is one (partition, aspect, key) metadata property of a
// table: display names, color rules, view settings, and other
// app-level configuration that syncs alongside the schema.
type KVSEntry struct {
	TableID   string
	Partition string
	Aspect    string
	Key       string
	ValueType string
	Value     *string
}

// GetKVSEntries returns a table's metadata entries, optionally
// filtered by partition and aspect (empty string matches all), sorted
// by (partition, aspect, key) so serializations are deterministic.
func (db *DB) GetKVSEntries(ctx context.Context, tableID, partition, aspect string) ([]KVSEntry, error) {
	query := `SELECT table_id, partition, aspect, key, value_type, value
	          FROM key_value_store WHERE table_id = ?`
	args := []any{tableID}
	if partition != "" {
		query += ` AND partition = ?`
		args = append(args, partition)
	}
	if aspect != "" {
		query += ` AND aspect = ?`
		args = append(args, aspect)
	}
	query += ` ORDER BY partition ASC, aspect ASC, key ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load kvs entries for %s: %w", tableID, err)
	}
	defer rows.Close()

	var entries []KVSEntry
	for rows.Next() {
		var e KVSEntry
		var value sql.NullString
		if err := rows.Scan(&e.TableID, &e.Partition, &e.Aspect, &e.Key, &e.ValueType, &value); err != nil {
			return nil, fmt.Errorf("failed to scan kvs entry: %w", err)
		}
		if value.Valid {
			v := value.String
			e.Value = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutKVSEntry inserts or overwrites one metadata entry.
func (db *DB) PutKVSEntry(ctx context.Context, e KVSEntry) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO key_value_store (table_id, partition, aspect, key, value_type, value)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(table_id, partition, aspect, key)
		 DO UPDATE SET value_type = excluded.value_type, value = excluded.value`,
		e.TableID, e.Partition, e.Aspect, e.Key, e.ValueType, e.Value)
	if err != nil {
		return fmt.Errorf("failed to store kvs entry %s/%s/%s/%s: %w",
			e.TableID, e.Partition, e.Aspect, e.Key, err)
	}
	return nil
}

// ReplaceKVSEntries atomically swaps a table's entire metadata set for
// the given entries, as happens when the server's properties replace
// the local ones during sync or a properties.csv import.
func (db *DB) ReplaceKVSEntries(ctx context.Context, tableID string, entries []KVSEntry) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM key_value_store WHERE table_id = ?`, tableID); err != nil {
			return fmt.Errorf("failed to clear kvs entries for %s: %w", tableID, err)
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO key_value_store (table_id, partition, aspect, key, value_type, value)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				tableID, e.Partition, e.Aspect, e.Key, e.ValueType, e.Value); err != nil {
				return fmt.Errorf("failed to store kvs entry %s/%s/%s/%s: %w",
					tableID, e.Partition, e.Aspect, e.Key, err)
			}
		}
		return nil
	})
}

// DeleteKVSEntry removes one metadata entry if present.
func (db *DB) DeleteKVSEntry(ctx context.Context, tableID, partition, aspect, key string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM key_value_store WHERE table_id = ? AND partition = ? AND aspect = ? AND key = ?`,
		tableID, partition, aspect, key)
	if err != nil {
		return fmt.Errorf("failed to delete kvs entry %s/%s/%s/%s: %w",
			tableID, partition, aspect, key, err)
	}
	return nil
}

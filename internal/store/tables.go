package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/types"
)

// ErrTableNotFound reports an operation against a table id with no
// local definition.
var ErrTableNotFound = errors.New("table not found")

// CreateTable registers a table definition and creates its data table.
//
// The data table carries the admin columns followed by one TEXT column
// per unit of retention, in canonical order. Creating an already
// existing table is an error; use GetColumnDefinitions to detect
// presence first.
func (db *DB) CreateTable(ctx context.Context, oc *schema.OrderedColumns) error {
	tableID := oc.TableID
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}
	for _, name := range oc.RetentionColumnNames() {
		if !validIdent(name) {
			return &schema.SchemaError{TableID: tableID,
				Reason: fmt.Sprintf("element key %q is not a valid identifier", name)}
		}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO table_definitions (table_id, schema_etag) VALUES (?, ?)
			 ON CONFLICT(table_id) DO NOTHING`,
			tableID, oc.SchemaETag())
		if err != nil {
			return fmt.Errorf("failed to register table %s: %w", tableID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("table %s already exists", tableID)
		}

		for _, rc := range oc.Raw() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO column_definitions
				 (table_id, element_key, element_name, element_type, list_child_element_keys)
				 VALUES (?, ?, ?, ?, ?)`,
				tableID, rc.ElementKey, rc.ElementName, rc.ElementType, rc.ListChildElementKeys); err != nil {
				return fmt.Errorf("failed to store column %s.%s: %w", tableID, rc.ElementKey, err)
			}
		}

		if _, err := tx.ExecContext(ctx, dataTableDDL(tableID, oc)); err != nil {
			return fmt.Errorf("failed to create data table %s: %w", tableID, err)
		}
		return nil
	})
}

// dataTableDDL builds the CREATE TABLE statement for a table's data.
// Identifiers are validated by CreateTable before reaching here.
func dataTableDDL(tableID string, oc *schema.OrderedColumns) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", tableID)
	b.WriteString("\t_id TEXT NOT NULL,\n")
	b.WriteString("\t_row_etag TEXT,\n")
	b.WriteString("\t_sync_state TEXT NOT NULL,\n")
	b.WriteString("\t_conflict_type INTEGER,\n")
	b.WriteString("\t_form_id TEXT,\n")
	b.WriteString("\t_locale TEXT,\n")
	b.WriteString("\t_savepoint_type TEXT,\n")
	b.WriteString("\t_savepoint_timestamp TEXT NOT NULL,\n")
	b.WriteString("\t_savepoint_creator TEXT")
	for _, name := range oc.RetentionColumnNames() {
		fmt.Fprintf(&b, ",\n\t%q TEXT", name)
	}
	b.WriteString("\n);\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %q ON %q(_id);", "idx_"+tableID+"_id", tableID)
	return b.String()
}

// DeleteTable drops a table's data, definition, column definitions,
// metadata entries, and all of its cached sync ETags.
func (db *DB) DeleteTable(ctx context.Context, tableID string) error {
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM table_definitions WHERE table_id = ?`, tableID)
		if err != nil {
			return fmt.Errorf("failed to delete table definition %s: %w", tableID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete table %s: %w", tableID, ErrTableNotFound)
		}

		// column_definitions and key_value_store cascade; the etag cache
		// and the data table do not.
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_etags WHERE table_id = ?`, tableID); err != nil {
			return fmt.Errorf("failed to delete sync etags for %s: %w", tableID, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", tableID)); err != nil {
			return fmt.Errorf("failed to drop data table %s: %w", tableID, err)
		}
		return nil
	})
}

// ListTableIDs returns all locally defined table ids in sorted order.
func (db *DB) ListTableIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT table_id FROM table_definitions ORDER BY table_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan table id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetColumnDefinitions loads and rebuilds a table's column forest.
func (db *DB) GetColumnDefinitions(ctx context.Context, tableID string) (*schema.OrderedColumns, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT element_key, element_name, element_type, list_child_element_keys
		 FROM column_definitions WHERE table_id = ? ORDER BY element_key ASC`,
		tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load column definitions for %s: %w", tableID, err)
	}
	defer rows.Close()

	var raw []schema.RawColumn
	for rows.Next() {
		var rc schema.RawColumn
		if err := rows.Scan(&rc.ElementKey, &rc.ElementName, &rc.ElementType, &rc.ListChildElementKeys); err != nil {
			return nil, fmt.Errorf("failed to scan column definition: %w", err)
		}
		raw = append(raw, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("load columns for %s: %w", tableID, ErrTableNotFound)
	}

	return schema.BuildColumnDefinitions(db.appName, tableID, raw)
}

// GetSchemaETag returns the stored schema ETag for a table, empty when
// the table has never been pushed.
func (db *DB) GetSchemaETag(ctx context.Context, tableID string) (string, error) {
	var etag sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT schema_etag FROM table_definitions WHERE table_id = ?`, tableID).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("schema etag for %s: %w", tableID, ErrTableNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema etag for %s: %w", tableID, err)
	}
	return etag.String, nil
}

// SetSchemaETag records the server-acknowledged schema ETag.
func (db *DB) SetSchemaETag(ctx context.Context, tableID, etag string) error {
	return db.setTableField(ctx, tableID, "schema_etag", etag)
}

// GetLastDataETag returns the data ETag of the last fully applied
// server changeset, empty when no row sync has completed.
func (db *DB) GetLastDataETag(ctx context.Context, tableID string) (string, error) {
	var etag sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_data_etag FROM table_definitions WHERE table_id = ?`, tableID).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("data etag for %s: %w", tableID, ErrTableNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read data etag for %s: %w", tableID, err)
	}
	return etag.String, nil
}

// SetLastDataETag records the data ETag after a successful row sync.
func (db *DB) SetLastDataETag(ctx context.Context, tableID, etag string) error {
	return db.setTableField(ctx, tableID, "last_data_etag", etag)
}

// SetLastSyncTime records when this table last completed a sync pass.
func (db *DB) SetLastSyncTime(ctx context.Context, tableID, when string) error {
	return db.setTableField(ctx, tableID, "last_sync_time", when)
}

// GetLastSyncTime returns when this table last completed a sync pass,
// empty when it never has.
func (db *DB) GetLastSyncTime(ctx context.Context, tableID string) (string, error) {
	var when sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync_time FROM table_definitions WHERE table_id = ?`, tableID).Scan(&when)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("last sync time for %s: %w", tableID, ErrTableNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last sync time for %s: %w", tableID, err)
	}
	return when.String, nil
}

func (db *DB) setTableField(ctx context.Context, tableID, field, value string) error {
	res, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE table_definitions SET %s = ? WHERE table_id = ?`, field),
		value, tableID)
	if err != nil {
		return fmt.Errorf("failed to update %s for %s: %w", field, tableID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s for %s: %w", field, tableID, ErrTableNotFound)
	}
	return nil
}

// TableHealth summarizes whether a table is fit to participate in row
// synchronization.
type TableHealth struct {
	TableID        string
	HasCheckpoints bool
	HasConflicts   bool
}

// GetTableHealth reports whether the table currently holds checkpoint
// or conflict rows. Tables with either must be resolved before their
// row data can sync.
func (db *DB) GetTableHealth(ctx context.Context, tableID string) (*TableHealth, error) {
	if !validIdent(tableID) {
		return nil, &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}

	health := &TableHealth{TableID: tableID}

	var n int
	err := db.conn.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %q WHERE %s IS NULL OR %s = ''`,
		tableID, types.ColSavepointType, types.ColSavepointType)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("failed to count checkpoints in %s: %w", tableID, err)
	}
	health.HasCheckpoints = n > 0

	err = db.conn.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %q WHERE %s IS NOT NULL`,
		tableID, types.ColConflictType)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts in %s: %w", tableID, err)
	}
	health.HasConflicts = n > 0

	return health, nil
}

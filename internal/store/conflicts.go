package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/types"
)

// ErrNotInConflict reports a resolution attempt on a row that has no
// conflict pair.
var ErrNotInConflict = errors.New("row is not in conflict")

// PlaceRowIntoConflict converts a row into a conflict pair: the local
// revision is stamped in_conflict with localType, and a sibling
// revision holding the server's version is inserted with serverType.
// The two types must form a legal pairing.
//
// For a server delete the sibling carries the server's last known
// values, so the user resolving the conflict can still see what the
// server deleted.
func (db *DB) PlaceRowIntoConflict(ctx context.Context, oc *schema.OrderedColumns,
	rowID string, localType, serverType types.ConflictType, server ServerRow) error {

	if !localType.IsLocal() || serverType.IsLocal() {
		return fmt.Errorf("conflict pair for row %s: %s/%s is not local/server", rowID, localType, serverType)
	}
	if !localType.PairsWith(serverType) {
		return fmt.Errorf("conflict pair for row %s: %s cannot pair with %s", rowID, localType, serverType)
	}
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		// Re-running conflict detection must not accumulate siblings.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND _conflict_type IN (?, ?)`, oc.TableID),
			rowID,
			int(types.ConflictServerDeletedOldValues),
			int(types.ConflictServerUpdatedUpdatedValues)); err != nil {
			return fmt.Errorf("failed to clear stale conflict sibling for %s: %w", rowID, err)
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET _sync_state = ?, _conflict_type = ? WHERE _id = ?`, oc.TableID),
			types.SyncStateInConflict.String(), int(localType), rowID)
		if err != nil {
			return fmt.Errorf("failed to mark row %s in conflict: %w", rowID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("place row %s into conflict: %w", rowID, ErrRowNotFound)
		}

		etag := server.RowETag
		st := types.SyncStateInConflict
		ct := serverType
		rv := RowValues{
			FormID:             server.FormID,
			Locale:             server.Locale,
			SavepointType:      server.SavepointType,
			SavepointTimestamp: server.SavepointTimestamp,
			SavepointCreator:   server.SavepointCreator,
			Values:             server.Values,
		}
		return insertRevision(ctx, tx, oc, rowID, &etag, st, &ct, rv)
	})
}

// conflictPair reads the local and server conflict types of a row's
// conflict pair, plus the server sibling's ETag.
func conflictPair(ctx context.Context, ex Execer, tableID, rowID string) (local, server types.ConflictType, serverETag string, err error) {
	rows, err := ex.QueryContext(ctx, fmt.Sprintf(
		`SELECT _conflict_type, _row_etag FROM %q
		 WHERE _id = ? AND _conflict_type IS NOT NULL`, tableID), rowID)
	if err != nil {
		return 0, 0, "", fmt.Errorf("failed to read conflict pair for %s: %w", rowID, err)
	}
	defer rows.Close()

	var haveLocal, haveServer bool
	for rows.Next() {
		var ctRaw int
		var etag sql.NullString
		if err := rows.Scan(&ctRaw, &etag); err != nil {
			return 0, 0, "", fmt.Errorf("failed to scan conflict pair for %s: %w", rowID, err)
		}
		ct, err := types.ParseConflictType(ctRaw)
		if err != nil {
			return 0, 0, "", fmt.Errorf("conflict pair for %s: %w", rowID, err)
		}
		if ct.IsLocal() {
			local, haveLocal = ct, true
		} else {
			server, haveServer = ct, true
			serverETag = etag.String
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, "", err
	}
	if !haveLocal || !haveServer {
		return 0, 0, "", fmt.Errorf("row %s in %s: %w", rowID, tableID, ErrNotInConflict)
	}
	return local, server, serverETag, nil
}

// ResolveConflictTakeLocal resolves a conflict in favor of the local
// version. The server sibling is dropped and the local row re-enters
// the push queue: changed for an edit conflict, deleted for a local
// delete. The row adopts the server's ETag so the next push targets
// the version the server actually holds.
func (db *DB) ResolveConflictTakeLocal(ctx context.Context, oc *schema.OrderedColumns, rowID string) error {
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		local, _, serverETag, err := conflictPair(ctx, tx, oc.TableID, rowID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND _conflict_type IN (?, ?)`, oc.TableID),
			rowID,
			int(types.ConflictServerDeletedOldValues),
			int(types.ConflictServerUpdatedUpdatedValues)); err != nil {
			return fmt.Errorf("failed to drop server sibling for %s: %w", rowID, err)
		}

		next := types.SyncStateChanged
		if local == types.ConflictLocalDeletedOldValues {
			next = types.SyncStateDeleted
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET _sync_state = ?, _conflict_type = NULL, _row_etag = ? WHERE _id = ?`,
			oc.TableID),
			next.String(), nullIfEmpty(serverETag), rowID)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict for %s: %w", rowID, err)
		}
		return nil
	})
}

// ResolveConflictTakeServer resolves a conflict in favor of the server
// version. The local revision is dropped and the server sibling
// becomes the finalized row in state synced. When the server had
// deleted the row, the row disappears entirely.
func (db *DB) ResolveConflictTakeServer(ctx context.Context, oc *schema.OrderedColumns, rowID string) error {
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, server, _, err := conflictPair(ctx, tx, oc.TableID, rowID)
		if err != nil {
			return err
		}

		if server == types.ConflictServerDeletedOldValues {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %q WHERE _id = ?`, oc.TableID), rowID); err != nil {
				return fmt.Errorf("failed to apply server delete for %s: %w", rowID, err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND _conflict_type IN (?, ?)`, oc.TableID),
			rowID,
			int(types.ConflictLocalDeletedOldValues),
			int(types.ConflictLocalUpdatedUpdatedValues)); err != nil {
			return fmt.Errorf("failed to drop local revision for %s: %w", rowID, err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET _sync_state = ?, _conflict_type = NULL WHERE _id = ?`, oc.TableID),
			types.SyncStateSynced.String(), rowID)
		if err != nil {
			return fmt.Errorf("failed to promote server version for %s: %w", rowID, err)
		}
		return nil
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Package types defines the shared vocabulary for row synchronization:
// sync states, conflict types, savepoint types, and the admin column
// names every data table carries alongside its user-defined columns.
package types

import "fmt"

// SyncState is the synchronization lifecycle tag of a single row.
//
// Transitions are driven by local CRUD operations and by the
// synchronizer. A row is in exactly one state at a time.
type SyncState string

const (
	// SyncStateNewRow marks a row created locally that has never been
	// pushed to the server.
	SyncStateNewRow SyncState = "new_row"

	// SyncStateChanged marks a row that was synced before and has been
	// modified locally since.
	SyncStateChanged SyncState = "changed"

	// SyncStateSynced marks a row with no pending local changes.
	SyncStateSynced SyncState = "synced"

	// SyncStateSyncedPendingFiles marks a row whose values are synced
	// but whose attachment files are still outstanding.
	SyncStateSyncedPendingFiles SyncState = "synced_pending_files"

	// SyncStateDeleted marks a local tombstone pending push. The row is
	// physically removed once the server acknowledges the delete.
	SyncStateDeleted SyncState = "deleted"

	// SyncStateInConflict marks a row whose local and server versions
	// diverge. Conflict rows always exist as a matched local/server pair
	// sharing the same row id.
	SyncStateInConflict SyncState = "in_conflict"
)

// ParseSyncState converts a stored string into a SyncState.
// Unrecognized values are an error, never silently defaulted.
func ParseSyncState(s string) (SyncState, error) {
	switch SyncState(s) {
	case SyncStateNewRow, SyncStateChanged, SyncStateSynced,
		SyncStateSyncedPendingFiles, SyncStateDeleted, SyncStateInConflict:
		return SyncState(s), nil
	}
	return "", fmt.Errorf("unrecognized sync state %q", s)
}

// String returns the persisted representation of the state.
func (s SyncState) String() string { return string(s) }

// IsSynced reports whether the row has no pending local value changes.
func (s SyncState) IsSynced() bool {
	return s == SyncStateSynced || s == SyncStateSyncedPendingFiles
}

// ConflictType sub-classifies a row whose SyncState is in_conflict.
//
// Conflict rows occur in pairs: a LOCAL_* row and a SERVER_* sibling
// with the same row id. The value is meaningless for any other state.
type ConflictType int

const (
	// ConflictLocalDeletedOldValues is the local half of a pair where
	// the local row was deleted while the server updated it.
	ConflictLocalDeletedOldValues ConflictType = 0

	// ConflictLocalUpdatedUpdatedValues is the local half of a pair
	// where both sides updated the row.
	ConflictLocalUpdatedUpdatedValues ConflictType = 1

	// ConflictServerDeletedOldValues is the server half of a pair where
	// the server deleted the row while it was updated locally.
	ConflictServerDeletedOldValues ConflictType = 2

	// ConflictServerUpdatedUpdatedValues is the server half of a pair
	// where both sides updated the row.
	ConflictServerUpdatedUpdatedValues ConflictType = 3
)

// ParseConflictType converts a stored integer into a ConflictType.
func ParseConflictType(v int) (ConflictType, error) {
	switch ConflictType(v) {
	case ConflictLocalDeletedOldValues, ConflictLocalUpdatedUpdatedValues,
		ConflictServerDeletedOldValues, ConflictServerUpdatedUpdatedValues:
		return ConflictType(v), nil
	}
	return 0, fmt.Errorf("unrecognized conflict type %d", v)
}

// IsLocal reports whether this is the locally-authored half of the pair.
func (c ConflictType) IsLocal() bool {
	return c == ConflictLocalDeletedOldValues || c == ConflictLocalUpdatedUpdatedValues
}

// PairsWith reports whether two conflict types form a legal
// local/server pair. A deleted half always pairs with an updated half;
// two deletes never conflict.
func (c ConflictType) PairsWith(other ConflictType) bool {
	if c.IsLocal() == other.IsLocal() {
		return false
	}
	local, server := c, other
	if !local.IsLocal() {
		local, server = server, local
	}
	switch local {
	case ConflictLocalDeletedOldValues:
		return server == ConflictServerUpdatedUpdatedValues
	case ConflictLocalUpdatedUpdatedValues:
		return server == ConflictServerUpdatedUpdatedValues ||
			server == ConflictServerDeletedOldValues
	default:
		return false
	}
}

// String returns a human-readable representation of the conflict type.
func (c ConflictType) String() string {
	switch c {
	case ConflictLocalDeletedOldValues:
		return "local_deleted_old_values"
	case ConflictLocalUpdatedUpdatedValues:
		return "local_updated_updated_values"
	case ConflictServerDeletedOldValues:
		return "server_deleted_old_values"
	case ConflictServerUpdatedUpdatedValues:
		return "server_updated_updated_values"
	default:
		return "unknown"
	}
}

// Savepoint types. A row whose savepoint type is empty is a checkpoint:
// an incomplete edit that must be completed or discarded before the row
// participates in synchronization.
const (
	// SavepointTypeComplete marks a finalized edit.
	SavepointTypeComplete = "COMPLETE"

	// SavepointTypeIncomplete marks an explicitly saved-as-incomplete edit.
	SavepointTypeIncomplete = "INCOMPLETE"
)

// IsCheckpoint reports whether a stored savepoint type value denotes a
// checkpoint row.
func IsCheckpoint(savepointType *string) bool {
	return savepointType == nil || *savepointType == ""
}

// Admin columns present on every data table, preceding the user-defined
// retained columns in positional layouts and CSV files.
const (
	ColID                 = "_id"
	ColRowETag            = "_row_etag"
	ColSyncState          = "_sync_state"
	ColConflictType       = "_conflict_type"
	ColFormID             = "_form_id"
	ColLocale             = "_locale"
	ColSavepointType      = "_savepoint_type"
	ColSavepointTimestamp = "_savepoint_timestamp"
	ColSavepointCreator   = "_savepoint_creator"
)

// AdminColumns returns the admin column names in canonical order.
func AdminColumns() []string {
	return []string{
		ColID,
		ColRowETag,
		ColSyncState,
		ColConflictType,
		ColFormID,
		ColLocale,
		ColSavepointType,
		ColSavepointTimestamp,
		ColSavepointCreator,
	}
}

// IsAdminColumn reports whether the element key names an admin column.
func IsAdminColumn(elementKey string) bool {
	switch elementKey {
	case ColID, ColRowETag, ColSyncState, ColConflictType, ColFormID,
		ColLocale, ColSavepointType, ColSavepointTimestamp, ColSavepointCreator:
		return true
	}
	return false
}

// Package sync drives synchronization of local tables against a
// remote aggregation server: schema reconciliation, row push/pull with
// conflict pairing, attachment transfer, and ETag-gated file caching.
package sync

import (
	"context"
	"errors"

	"github.com/tablekit/tablesync/internal/schema"
)

// Sentinel errors a Transport uses to signal non-transient failure
// classes. Any other error from a transport verb is treated as a
// transient network failure and the affected table is retried on the
// next run.
var (
	// ErrAuth reports missing or rejected credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrAccessDenied reports valid credentials without permission for
	// the requested resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrIncompatibleServer reports a server speaking an unsupported
	// protocol revision.
	ErrIncompatibleServer = errors.New("incompatible server version")

	// ErrServerInternal reports a server-side failure that is not the
	// client's fault and not obviously transient.
	ErrServerInternal = errors.New("internal server failure")

	// ErrNotFound reports a resource the server does not have.
	ErrNotFound = errors.New("not found on server")
)

// TableResource describes one table as the server sees it.
type TableResource struct {
	TableID    string `json:"table_id"`
	SchemaETag string `json:"schema_etag"`
	DataETag   string `json:"data_etag"`
}

// RowResource is one row version on the wire: the server's current
// version when pulling, the local version when pushing. Values holds
// only retained columns, keyed by element key.
type RowResource struct {
	RowID              string             `json:"row_id"`
	RowETag            string             `json:"row_etag"`
	Deleted            bool               `json:"deleted"`
	HasAttachments     bool               `json:"has_attachments"`
	FormID             *string            `json:"form_id"`
	Locale             *string            `json:"locale"`
	SavepointType      *string            `json:"savepoint_type"`
	SavepointTimestamp string             `json:"savepoint_timestamp"`
	SavepointCreator   *string            `json:"savepoint_creator"`
	Values             map[string]*string `json:"values"`
}

// RowChangeSet is the server's row delta since a known data ETag.
type RowChangeSet struct {
	Rows     []RowResource `json:"rows"`
	DataETag string        `json:"data_etag"`
}

// RowOutcomeCode classifies the server's verdict on one pushed row.
type RowOutcomeCode int

const (
	// RowOutcomeSuccess: the server accepted the change and Row holds
	// the new server version (fresh RowETag).
	RowOutcomeSuccess RowOutcomeCode = iota

	// RowOutcomeDenied: the caller may not modify this row.
	RowOutcomeDenied

	// RowOutcomeInConflict: the server holds a version the local
	// change was not based on; Row holds that server version.
	RowOutcomeInConflict

	// RowOutcomeFailed: the server could not process the change.
	RowOutcomeFailed
)

// RowOutcome pairs one pushed row with the server's verdict.
type RowOutcome struct {
	Row     RowResource    `json:"row"`
	Outcome RowOutcomeCode `json:"outcome"`
}

// RowOutcomeSet is the server's response to a row push.
type RowOutcomeSet struct {
	Outcomes []RowOutcome `json:"outcomes"`
	DataETag string       `json:"data_etag"`
}

// Manifest is a server-side listing of the files attached to an app
// or table, cacheable as a unit by its ETag.
type Manifest struct {
	ETag  string         `json:"etag"`
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one entry of a Manifest.
type ManifestFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	MD5Hash  string `json:"md5_hash"`
}

// Transport is the remote server as a set of black-box verbs. The
// synchronizer never sees wire bytes; it sees these operations and
// their classified errors.
//
// Implementations must be safe for use from the single sync worker
// goroutine; they need not be safe for concurrent use.
type Transport interface {
	// VerifyServer checks connectivity, credentials, and protocol
	// compatibility for the given app. Called once at the start of a
	// run; an error here aborts the run before any table is touched.
	VerifyServer(ctx context.Context, appName string) error

	// ListTables returns every table the server holds for the app.
	ListTables(ctx context.Context) ([]TableResource, error)

	// GetTableDefinition returns the server's column definitions and
	// schema ETag for a table. Returns ErrNotFound when the server
	// does not have the table.
	GetTableDefinition(ctx context.Context, tableID string) ([]schema.RawColumn, string, error)

	// CreateTable registers a local-only table on the server and
	// returns the resource the server assigned.
	CreateTable(ctx context.Context, tableID string, columns []schema.RawColumn) (*TableResource, error)

	// GetRowsSince returns the server's row changes after the given
	// data ETag; an empty dataETag requests the full row set.
	GetRowsSince(ctx context.Context, tableID, dataETag string) (*RowChangeSet, error)

	// PushRows submits local row changes based on the given data ETag
	// and returns the server's per-row verdicts.
	PushRows(ctx context.Context, tableID, dataETag string, rows []RowResource) (*RowOutcomeSet, error)

	// GetManifest returns the file manifest for a table, or for the
	// app level when tableID is nil.
	GetManifest(ctx context.Context, tableID *string) (*Manifest, error)

	// FetchFile downloads one manifest file. The synchronizer only
	// calls this for files whose cached ETag no longer matches.
	FetchFile(ctx context.Context, file ManifestFile) error

	// SyncRowAttachments transfers the attachment files of one row in
	// both directions. It reports whether every attachment is now on
	// both sides; false with a nil error means some transfers remain
	// and the row stays in synced_pending_files.
	SyncRowAttachments(ctx context.Context, tableID, rowID string) (bool, error)
}

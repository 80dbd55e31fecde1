// Package etag caches per-resource ETags so the synchronizer can skip
// re-downloading config files and attachment manifests that have not
// changed on the server.
package etag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tablekit/tablesync/internal/store"
)

// Cache reads and writes the sync_etags table. Entries are keyed by
// (table id, manifest flag, url); app-level resources carry a null
// table id.
//
// A Cache bound to a *store.DB opens a short transaction around each
// multi-statement update; bind to a caller-owned transaction with
// WithExecer when an update must land atomically with other writes.
type Cache struct {
	ex store.Execer
	db *store.DB // non-nil when the cache owns its transactions
}

// New returns a cache over the given database.
func New(db *store.DB) *Cache {
	return &Cache{ex: db.RawDB(), db: db}
}

// WithExecer returns a cache bound to ex, typically a *sql.Tx. The
// caller's transaction then carries the cache's writes.
func (c *Cache) WithExecer(ex store.Execer) *Cache {
	return &Cache{ex: ex}
}

// inTx runs fn inside a transaction of the cache's own when it owns
// the database, and directly against the bound Execer otherwise, so a
// caller-owned transaction is participated in instead of nested.
func (c *Cache) inTx(ctx context.Context, fn func(ex store.Execer) error) error {
	if c.db == nil {
		return fn(c.ex)
	}
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(tx)
	})
}

func tableArg(tableID *string) any {
	if tableID == nil {
		return nil
	}
	return *tableID
}

// GetFileETag returns the cached ETag for a file resource, but only
// when the caller's modification timestamp matches the cached one
// exactly. On a timestamp mismatch the stale entry is dropped and the
// lookup reports a miss, forcing a re-fetch.
func (c *Cache) GetFileETag(ctx context.Context, tableID *string, rawURL string, lastModified int64) (string, error) {
	var cachedModified int64
	var hash string
	err := c.ex.QueryRowContext(ctx,
		`SELECT last_modified, etag_md5_hash FROM sync_etags
		 WHERE table_id IS ? AND is_manifest = 0 AND url = ?`,
		tableArg(tableID), rawURL).Scan(&cachedModified, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file etag for %s: %w", rawURL, err)
	}

	if cachedModified != lastModified {
		if _, err := c.ex.ExecContext(ctx,
			`DELETE FROM sync_etags WHERE table_id IS ? AND is_manifest = 0 AND url = ?`,
			tableArg(tableID), rawURL); err != nil {
			return "", fmt.Errorf("failed to drop stale etag for %s: %w", rawURL, err)
		}
		return "", nil
	}
	return hash, nil
}

// UpdateFileETag replaces the cached ETag for a file resource. A nil
// etag removes the entry. Delete and insert land atomically: in a
// transaction of the cache's own, or in the caller's when bound via
// WithExecer.
func (c *Cache) UpdateFileETag(ctx context.Context, tableID *string, rawURL string, lastModified int64, etag *string) error {
	return c.inTx(ctx, func(ex store.Execer) error {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM sync_etags WHERE table_id IS ? AND is_manifest = 0 AND url = ?`,
			tableArg(tableID), rawURL); err != nil {
			return fmt.Errorf("failed to clear file etag for %s: %w", rawURL, err)
		}
		if etag == nil {
			return nil
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO sync_etags (table_id, is_manifest, url, last_modified, etag_md5_hash)
			 VALUES (?, 0, ?, ?, ?)`,
			tableArg(tableID), rawURL, lastModified, *etag); err != nil {
			return fmt.Errorf("failed to store file etag for %s: %w", rawURL, err)
		}
		return nil
	})
}

// GetManifestETag returns the cached ETag for a manifest resource.
// Manifests are server-side listings with no meaningful local
// modification time, so the lookup is by hash alone.
func (c *Cache) GetManifestETag(ctx context.Context, tableID *string, rawURL string) (string, error) {
	var hash string
	err := c.ex.QueryRowContext(ctx,
		`SELECT etag_md5_hash FROM sync_etags
		 WHERE table_id IS ? AND is_manifest = 1 AND url = ?`,
		tableArg(tableID), rawURL).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read manifest etag for %s: %w", rawURL, err)
	}
	return hash, nil
}

// UpdateManifestETag replaces the cached ETag for a manifest resource.
// Delete and insert land atomically, as for file entries.
func (c *Cache) UpdateManifestETag(ctx context.Context, tableID *string, rawURL, etag string) error {
	return c.inTx(ctx, func(ex store.Execer) error {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM sync_etags WHERE table_id IS ? AND is_manifest = 1 AND url = ?`,
			tableArg(tableID), rawURL); err != nil {
			return fmt.Errorf("failed to clear manifest etag for %s: %w", rawURL, err)
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO sync_etags (table_id, is_manifest, url, last_modified, etag_md5_hash)
			 VALUES (?, 1, ?, 0, ?)`,
			tableArg(tableID), rawURL, etag); err != nil {
			return fmt.Errorf("failed to store manifest etag for %s: %w", rawURL, err)
		}
		return nil
	})
}

// DeleteAllForTable drops every cached entry for one table, as when
// the table is deleted or its schema is replaced.
func (c *Cache) DeleteAllForTable(ctx context.Context, tableID string) error {
	if _, err := c.ex.ExecContext(ctx,
		`DELETE FROM sync_etags WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("failed to delete etags for table %s: %w", tableID, err)
	}
	return nil
}

// serverPrefix reduces a server URL to its scheme and hostname so that
// cache invalidation treats differing ports and paths on the same host
// as the same server.
func serverPrefix(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no scheme or host", serverURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Hostname()), nil
}

// escapeLike escapes the SQL LIKE metacharacters in s for use with
// ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteOutsideServer drops every cached entry whose URL does not
// belong to the given server. Called when the configured server
// changes, so stale entries from the old server cannot satisfy lookups
// against the new one.
func (c *Cache) DeleteOutsideServer(ctx context.Context, serverURL string) error {
	prefix, err := serverPrefix(serverURL)
	if err != nil {
		return err
	}
	if _, err := c.ex.ExecContext(ctx,
		`DELETE FROM sync_etags WHERE url NOT LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("failed to delete etags outside %s: %w", prefix, err)
	}
	return nil
}

// DeleteUnderServer drops every cached entry belonging to the given
// server, forcing full re-validation on the next sync.
func (c *Cache) DeleteUnderServer(ctx context.Context, serverURL string) error {
	prefix, err := serverPrefix(serverURL)
	if err != nil {
		return err
	}
	if _, err := c.ex.ExecContext(ctx,
		`DELETE FROM sync_etags WHERE url LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("failed to delete etags under %s: %w", prefix, err)
	}
	return nil
}

package etag

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tablekit/tablesync/internal/store"
)

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("default", filepath.Join(t.TempDir(), "tables.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return db
}

func testCache(t *testing.T) *Cache {
	t.Helper()
	return New(testStore(t))
}

func strPtr(s string) *string { return &s }

func TestFileETagStrictness(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	tableID := strPtr("census")
	url := "https://sync.example.org/default/files/census/forms/census.xml"

	if err := c.UpdateFileETag(ctx, tableID, url, 1700000000, strPtr("abc123")); err != nil {
		t.Fatalf("UpdateFileETag() error = %v", err)
	}

	t.Run("hit on exact timestamp", func(t *testing.T) {
		got, err := c.GetFileETag(ctx, tableID, url, 1700000000)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "abc123" {
			t.Errorf("GetFileETag() = %q, want abc123", got)
		}
	})

	t.Run("miss on changed timestamp drops the entry", func(t *testing.T) {
		got, err := c.GetFileETag(ctx, tableID, url, 1700000999)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "" {
			t.Errorf("GetFileETag() = %q after local modification, want miss", got)
		}
		// Entry is gone even for the original timestamp.
		got, err = c.GetFileETag(ctx, tableID, url, 1700000000)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "" {
			t.Errorf("stale entry survived: GetFileETag() = %q", got)
		}
	})

	t.Run("nil etag deletes", func(t *testing.T) {
		if err := c.UpdateFileETag(ctx, tableID, url, 1700000000, strPtr("abc123")); err != nil {
			t.Fatalf("UpdateFileETag() error = %v", err)
		}
		if err := c.UpdateFileETag(ctx, tableID, url, 1700000000, nil); err != nil {
			t.Fatalf("UpdateFileETag(nil) error = %v", err)
		}
		got, err := c.GetFileETag(ctx, tableID, url, 1700000000)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "" {
			t.Errorf("GetFileETag() = %q after nil update, want miss", got)
		}
	})

	t.Run("app-level entry with nil table id", func(t *testing.T) {
		appURL := "https://sync.example.org/default/files/config.properties"
		if err := c.UpdateFileETag(ctx, nil, appURL, 5, strPtr("app-etag")); err != nil {
			t.Fatalf("UpdateFileETag() error = %v", err)
		}
		got, err := c.GetFileETag(ctx, nil, appURL, 5)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "app-etag" {
			t.Errorf("GetFileETag() = %q, want app-etag", got)
		}
		// The same URL under a table id is a distinct key.
		got, err = c.GetFileETag(ctx, tableID, appURL, 5)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "" {
			t.Errorf("table-scoped lookup matched app-level entry: %q", got)
		}
	})
}

func TestManifestETag(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	tableID := strPtr("census")
	url := "https://sync.example.org/default/manifest/census"

	got, err := c.GetManifestETag(ctx, tableID, url)
	if err != nil {
		t.Fatalf("GetManifestETag() error = %v", err)
	}
	if got != "" {
		t.Errorf("GetManifestETag() = %q on empty cache, want miss", got)
	}

	if err := c.UpdateManifestETag(ctx, tableID, url, "m1"); err != nil {
		t.Fatalf("UpdateManifestETag() error = %v", err)
	}
	if err := c.UpdateManifestETag(ctx, tableID, url, "m2"); err != nil {
		t.Fatalf("UpdateManifestETag() error = %v", err)
	}

	got, err = c.GetManifestETag(ctx, tableID, url)
	if err != nil {
		t.Fatalf("GetManifestETag() error = %v", err)
	}
	if got != "m2" {
		t.Errorf("GetManifestETag() = %q, want m2", got)
	}

	// Manifest and file entries for the same URL do not collide.
	fgot, err := c.GetFileETag(ctx, tableID, url, 0)
	if err != nil {
		t.Fatalf("GetFileETag() error = %v", err)
	}
	if fgot != "" {
		t.Errorf("file lookup matched manifest entry: %q", fgot)
	}
}

func TestUpdateAtomicity(t *testing.T) {
	db := testStore(t)
	c := New(db)
	ctx := context.Background()
	tableID := strPtr("census")
	url := "https://sync.example.org/default/files/census/forms/census.xml"

	t.Run("caller transaction carries the update", func(t *testing.T) {
		if err := c.UpdateFileETag(ctx, tableID, url, 1, strPtr("before")); err != nil {
			t.Fatalf("UpdateFileETag() error = %v", err)
		}

		abort := errors.New("abort after update")
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := c.WithExecer(tx).UpdateFileETag(ctx, tableID, url, 2, strPtr("after")); err != nil {
				return err
			}
			return abort
		})
		if !errors.Is(err, abort) {
			t.Fatalf("WithTx() error = %v, want the aborting error", err)
		}

		// The rollback must restore the original entry in full.
		got, err := c.GetFileETag(ctx, tableID, url, 1)
		if err != nil {
			t.Fatalf("GetFileETag() error = %v", err)
		}
		if got != "before" {
			t.Errorf("GetFileETag() = %q after rollback, want before", got)
		}
	})

	t.Run("replacement leaves one entry per key", func(t *testing.T) {
		if err := c.UpdateManifestETag(ctx, tableID, url, "m1"); err != nil {
			t.Fatalf("UpdateManifestETag() error = %v", err)
		}
		if err := c.UpdateManifestETag(ctx, tableID, url, "m2"); err != nil {
			t.Fatalf("UpdateManifestETag() error = %v", err)
		}
		var n int
		err := db.RawDB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_etags WHERE table_id IS ? AND is_manifest = 1 AND url = ?`,
			"census", url).Scan(&n)
		if err != nil {
			t.Fatalf("count query error = %v", err)
		}
		if n != 1 {
			t.Errorf("manifest key has %d entries, want 1", n)
		}
	})
}

func TestServerScopedInvalidation(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	seed := func(url string) {
		t.Helper()
		if err := c.UpdateFileETag(ctx, nil, url, 1, strPtr("e-"+url)); err != nil {
			t.Fatalf("UpdateFileETag(%s) error = %v", url, err)
		}
	}
	oldURL := "https://old.example.org/default/files/a"
	newURL := "https://new.example.org/default/files/a"
	seed(oldURL)
	seed(newURL)

	t.Run("outside-server delete keeps only the configured server", func(t *testing.T) {
		if err := c.DeleteOutsideServer(ctx, "https://new.example.org:8443/odktables"); err != nil {
			t.Fatalf("DeleteOutsideServer() error = %v", err)
		}
		if got, _ := c.GetFileETag(ctx, nil, oldURL, 1); got != "" {
			t.Errorf("old-server entry survived: %q", got)
		}
		if got, _ := c.GetFileETag(ctx, nil, newURL, 1); got == "" {
			t.Error("configured-server entry was dropped")
		}
	})

	t.Run("under-server delete clears the configured server", func(t *testing.T) {
		if err := c.DeleteUnderServer(ctx, "https://new.example.org"); err != nil {
			t.Fatalf("DeleteUnderServer() error = %v", err)
		}
		if got, _ := c.GetFileETag(ctx, nil, newURL, 1); got != "" {
			t.Errorf("entry under server survived: %q", got)
		}
	})

	t.Run("invalid server url", func(t *testing.T) {
		if err := c.DeleteOutsideServer(ctx, "not a url"); err == nil {
			t.Error("expected error for unparseable server url")
		}
	})
}

func TestDeleteAllForTable(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	tableID := strPtr("census")

	if err := c.UpdateFileETag(ctx, tableID, "https://s/x", 1, strPtr("e1")); err != nil {
		t.Fatalf("UpdateFileETag() error = %v", err)
	}
	if err := c.UpdateManifestETag(ctx, tableID, "https://s/m", "e2"); err != nil {
		t.Fatalf("UpdateManifestETag() error = %v", err)
	}
	if err := c.UpdateFileETag(ctx, nil, "https://s/app", 1, strPtr("e3")); err != nil {
		t.Fatalf("UpdateFileETag() error = %v", err)
	}

	if err := c.DeleteAllForTable(ctx, "census"); err != nil {
		t.Fatalf("DeleteAllForTable() error = %v", err)
	}

	if got, _ := c.GetFileETag(ctx, tableID, "https://s/x", 1); got != "" {
		t.Errorf("table file entry survived: %q", got)
	}
	if got, _ := c.GetManifestETag(ctx, tableID, "https://s/m"); got != "" {
		t.Errorf("table manifest entry survived: %q", got)
	}
	if got, _ := c.GetFileETag(ctx, nil, "https://s/app", 1); got == "" {
		t.Error("app-level entry was dropped by table delete")
	}
}

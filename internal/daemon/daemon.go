// Package daemon runs background synchronization for one app: a
// periodic sync loop against the server, plus a watched drop-in
// directory whose CSV bundles bootstrap or update tables as they
// arrive.
//
// The drop-in directory holds one subdirectory per table, each
// carrying the table's interchange files (definition.csv,
// properties.csv, <tableID>.csv). Dropping a bundle in imports it;
// the next sync pass pushes it to the server.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tablekit/tablesync/internal/csvutil"
	"github.com/tablekit/tablesync/internal/store"
	tsync "github.com/tablekit/tablesync/internal/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a synchronization run starts.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after the last file event
	// for a table before importing it, so half-written bundles settle.
	DebounceInterval time.Duration

	// SyncOptions are passed to every synchronization run.
	SyncOptions tsync.Options

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the drop-in watch and the periodic sync loop.
type Daemon struct {
	db      *store.DB
	syn     *tsync.Synchronizer
	dropDir string
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // tableID -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an initialized database, a synchronizer,
// and the drop-in directory to watch.
func New(db *store.DB, syn *tsync.Synchronizer, dropDir string, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if syn == nil {
		return nil, fmt.Errorf("synchronizer cannot be nil")
	}
	if dropDir == "" {
		return nil, fmt.Errorf("dropDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		db:          db,
		syn:         syn,
		dropDir:     dropDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation: an initial import of every
// bundle already present, then file watching, debounced imports, and
// the periodic sync ticker. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.dropDir, 0755); err != nil {
		return fmt.Errorf("failed to create drop-in directory: %w", err)
	}

	if err := d.ImportAll(); err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}

	if err := d.watcher.Add(d.dropDir); err != nil {
		return fmt.Errorf("failed to watch drop-in directory: %w", err)
	}
	entries, err := os.ReadDir(d.dropDir)
	if err != nil {
		return fmt.Errorf("failed to read drop-in directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := d.watcher.Add(filepath.Join(d.dropDir, entry.Name())); err != nil {
				d.config.Logger.Printf("WARNING: Failed to watch bundle %s: %v", entry.Name(), err)
			}
		}
	}

	d.config.Logger.Printf("Watching: %s", d.dropDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.runPeriodicSync()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// ImportAll imports every bundle currently in the drop-in directory.
// Individual bundle failures are logged and do not stop the scan.
func (d *Daemon) ImportAll() error {
	entries, err := os.ReadDir(d.dropDir)
	if os.IsNotExist(err) {
		d.config.Logger.Printf("Drop-in directory doesn't exist: %s (skipping)", d.dropDir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read drop-in directory: %w", err)
	}

	imported, failed := 0, 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := d.importBundle(entry.Name()); err != nil {
			d.config.Logger.Printf("WARNING: Failed to import bundle %s: %v", entry.Name(), err)
			failed++
			continue
		}
		imported++
	}

	d.config.Logger.Printf("Initial import complete: bundles=%d (failed=%d)", imported, failed)
	return nil
}

// importBundle imports one table's interchange files. The bundle
// directory name is the table id.
func (d *Daemon) importBundle(tableID string) error {
	dir := filepath.Join(d.dropDir, tableID)
	if _, err := os.Stat(filepath.Join(dir, "definition.csv")); os.IsNotExist(err) {
		// Not a bundle (yet); the definition may still be arriving.
		return nil
	}

	n, err := csvutil.ImportTable(d.ctx, d.db, tableID, dir, "")
	if err != nil {
		return err
	}
	d.config.Logger.Printf("Imported bundle %s: %d rows", tableID, n)
	return nil
}

// watchFileEvents monitors filesystem events and queues table imports.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// handleEvent maps one fsnotify event to a queued table import. A new
// subdirectory is also added to the watch so its files are seen.
func (d *Daemon) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	rel, err := filepath.Rel(d.dropDir, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	if filepath.Dir(rel) == "." {
		// Top level: a new bundle directory appearing.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := d.watcher.Add(event.Name); err != nil {
				d.config.Logger.Printf("WARNING: Failed to watch bundle %s: %v", rel, err)
			}
			d.queueChange(rel)
		}
		return
	}

	if filepath.Ext(event.Name) != ".csv" {
		return
	}
	tableID := strings.SplitN(rel, string(filepath.Separator), 2)[0]
	d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
	d.queueChange(tableID)
}

// queueChange records a pending import for a table, restarting its
// debounce window.
func (d *Daemon) queueChange(tableID string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[tableID] = time.Now()
}

// processChangeQueue imports tables whose bundles have settled.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports every queued table whose debounce
// window has elapsed.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for tableID, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		d.config.Logger.Printf("Processing change: %s", tableID)
		if err := d.importBundle(tableID); err != nil {
			d.config.Logger.Printf("Error importing bundle %s: %v", tableID, err)
		}
		delete(d.changeQueue, tableID)
	}
}

// runPeriodicSync starts a synchronization run on every tick. A run
// still in flight makes the tick a no-op via the synchronizer's own
// single-run guard.
func (d *Daemon) runPeriodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			result, err := d.syn.Run(d.ctx, d.config.SyncOptions)
			if err != nil {
				d.config.Logger.Printf("Sync error: %v", err)
				continue
			}
			if !result.Started {
				continue
			}
			d.config.Logger.Printf("Periodic sync: %s (%d tables)", result.Status, len(result.Tables))
		}
	}
}

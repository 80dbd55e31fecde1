package main

import (
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tablekit/tablesync/internal/daemon"
	"github.com/tablekit/tablesync/internal/status"
	"github.com/tablekit/tablesync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon: a periodic synchronization loop, a watched
drop-in directory whose CSV bundles import as they arrive, and a
WebSocket endpoint broadcasting sync progress.

The drop-in directory holds one subdirectory per table with that
table's interchange files. Connect a WebSocket client to /ws on the
status port for typed progress messages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		transport, err := newTransport()
		if err != nil {
			return err
		}

		logFile := viper.GetString("daemon.log_file")
		if logFile == "" {
			logFile = filepath.Join(appDir(), "tsync.log")
		}
		logger := log.New(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "[daemon] ", log.LstdFlags)

		syn := sync.New(db, transport, logger)

		statusServer := status.NewServer(&status.Config{
			Port:   viper.GetInt("status.port"),
			Logger: logger,
		})
		if err := statusServer.Start(); err != nil {
			return err
		}
		defer statusServer.Stop()
		syn.SetNotifier(status.NewNotifier(statusServer, logger))

		dropDir := viper.GetString("daemon.drop_dir")
		if dropDir == "" {
			dropDir = filepath.Join(appDir(), "incoming")
		}

		cfg := daemon.DefaultConfig()
		cfg.Logger = logger
		cfg.SyncInterval = viper.GetDuration("daemon.sync_interval")
		cfg.SyncOptions = sync.Options{
			ServerURL:        viper.GetString("server.url"),
			PushLocalTables:  viper.GetBool("push.tables"),
			DeferAttachments: viper.GetBool("attachments.defer"),
		}

		d, err := daemon.New(db, syn, dropDir, cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Drop-in directory: %s\n", dropDir)
		fmt.Printf("Status endpoint: ws://%s/ws\n", statusServer.GetAddr())
		fmt.Printf("Log file: %s\n", logFile)
		fmt.Println("\nPress Ctrl+C to stop")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8097, "Status WebSocket port")
	serveCmd.Flags().String("drop-dir", "", "CSV drop-in directory (default <data-dir>/<app>/incoming)")
	serveCmd.Flags().Duration("sync-interval", 5*time.Minute, "Time between synchronization runs")
	serveCmd.Flags().String("log-file", "", "Daemon log file (default <data-dir>/<app>/tsync.log)")
	_ = viper.BindPFlag("status.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("daemon.drop_dir", serveCmd.Flags().Lookup("drop-dir"))
	_ = viper.BindPFlag("daemon.sync_interval", serveCmd.Flags().Lookup("sync-interval"))
	_ = viper.BindPFlag("daemon.log_file", serveCmd.Flags().Lookup("log-file"))

	rootCmd.AddCommand(serveCmd)
}

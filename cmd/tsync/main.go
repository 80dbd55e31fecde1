// Command tsync manages an app's local tables and synchronizes them
// against a remote aggregation server.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tablekit/tablesync/internal/store"
	"github.com/tablekit/tablesync/internal/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "Local table storage and server synchronization",
	Long: `tsync keeps an app's tables in a local SQLite database and
synchronizes them against a remote aggregation server: schemas first,
then row deltas with conflict detection, then file attachments.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("app-name", "default", "App name the tables belong to")
	flags.String("data-dir", defaultDataDir(), "Directory holding the database and synced files")
	flags.String("server-url", "", "Aggregation server base URL")
	flags.String("auth-token", "", "Bearer token for the server")

	bindFlag("app.name", "app-name")
	bindFlag("data.dir", "data-dir")
	bindFlag("server.url", "server-url")
	bindFlag("auth.token", "auth-token")

	viper.SetEnvPrefix("TSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func bindFlag(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tsync")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "tsync"))
		}
	}

	// A missing default config is fine; an explicit --config that
	// cannot be read is fatal, as is a malformed config anywhere.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tsync"
	}
	return filepath.Join(home, ".tsync")
}

func appDir() string {
	return filepath.Join(viper.GetString("data.dir"), viper.GetString("app.name"))
}

// openStore opens (creating if needed) the app's database and ensures
// its bookkeeping schema exists.
func openStore(cmd *cobra.Command) (*store.DB, error) {
	dir := appDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := store.Open(viper.GetString("app.name"), filepath.Join(dir, "tables.db"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newTransport builds the HTTP transport from configuration. Fetched
// manifest files land under the app's files directory.
func newTransport() (*sync.HTTPTransport, error) {
	serverURL := viper.GetString("server.url")
	if serverURL == "" {
		return nil, fmt.Errorf("no server configured: set --server-url or server.url")
	}
	return sync.NewHTTPTransport(
		serverURL,
		viper.GetString("app.name"),
		viper.GetString("auth.token"),
		filepath.Join(appDir(), "files"),
		http.DefaultClient,
	)
}

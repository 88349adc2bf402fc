// Command licksd runs the licks server: registration, directory, and
// relay services exposed over the two websocket endpoints.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/licks-chat/licks/internal/server"
	"github.com/licks-chat/licks/internal/server/directory"
	"github.com/licks-chat/licks/internal/server/relay"
	"github.com/licks-chat/licks/internal/xcrypto"
)

var (
	dbPath     string
	identity   string
	unauthAddr string
	authAddr   string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "licksd",
		Short: "Run the licks relay server",
		Long:  `licksd serves unauthenticated registration/directory/relay traffic on one port and authenticated directory mutations on another.`,
		RunE:  runServe,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&dbPath, "db", "d", "licksd.db", "SQLite database path")
	rootCmd.Flags().StringVarP(&identity, "identity", "i", "licks.chat", "server identity string bound into issued certificates")
	rootCmd.Flags().StringVar(&unauthAddr, "unauth-addr", server.DefaultUnauthAddr, "listen address for the unauthenticated endpoint")
	rootCmd.Flags().StringVar(&authAddr, "auth-addr", server.DefaultAuthAddr, "listen address for the authenticated endpoint")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("licksd: open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	usernames, err := directory.NewUsernames(ctx, db)
	if err != nil {
		return fmt.Errorf("licksd: open usernames directory: %w", err)
	}
	keyPackages, err := directory.NewKeyPackages(ctx, db)
	if err != nil {
		return fmt.Errorf("licksd: open key package directory: %w", err)
	}
	rel, err := relay.Open(ctx, db)
	if err != nil {
		return fmt.Errorf("licksd: open relay: %w", err)
	}

	srv := server.New(ctx, identity, xcrypto.Default, log, usernames, keyPackages, rel, unauthAddr, authAddr)

	log.Info().Str("unauth_addr", unauthAddr).Str("auth_addr", authAddr).Str("identity", identity).Msg("licksd: listening")
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("licksd: serve: %w", err)
	}
	return nil
}

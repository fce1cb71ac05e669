package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/detector/internal/store"
)

const defaultDBURL = "postgres://localhost:5432/detector"

// getenv is swapped out in tests
var getenv = os.Getenv

// addDBFlag registers --db on a host subcommand.
func addDBFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "db", "", "PostgreSQL connection string (default: POSTGRES_* environment, then "+defaultDBURL+")")
}

// envDBURL builds a connection string from the POSTGRES_* variables. It
// returns "" when POSTGRES_HOST is unset.
func envDBURL(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := getenv("POSTGRES_USER")
	pass := getenv("POSTGRES_PASSWORD")
	name := getenv("POSTGRES_DB")
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// resolveDBURL picks the flag value, then the environment, then fallback.
func resolveDBURL(flag string, getenv func(string) string, fallback string) string {
	if flag != "" {
		return flag
	}
	if url := envDBURL(getenv); url != "" {
		return url
	}
	return fallback
}

func connectDB(ctx context.Context, url string) (*store.Store, error) {
	db, err := store.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// closeDB uses Background because the command context might be cancelled
// already (due to Ctrl+C) and we still need to send the "Close" command to the DB.
func closeDB(db *store.Store) {
	if db != nil {
		db.Close(context.Background())
	}
}

package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/weave/internal/relay"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/store/pgstore"
)

// docStore is a store the CLI can open, read, write and close.
type docStore interface {
	relay.Store
	Close() error
}

// StoreFlags selects the SQLite file or PostgreSQL database a command
// works against.
type StoreFlags struct {
	Database string
	PGURL    string
}

func (f *StoreFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&f.PGURL, "pg-url", "", "PostgreSQL connection URL (instead of --db)")
	cmd.MarkFlagsMutuallyExclusive("db", "pg-url")
	cmd.MarkFlagsOneRequired("db", "pg-url")
}

func (f *StoreFlags) open(ctx context.Context) (docStore, error) {
	if f.PGURL != "" {
		st, err := pgstore.Open(ctx, f.PGURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		return st, nil
	}
	st, err := store.Open(f.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

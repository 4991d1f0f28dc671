package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/config"
	"scenariolab/api/internal/logger"
	"scenariolab/api/internal/store"
)

// backend opens the ledger store. close releases it.
type backend func(ctx context.Context, cfg config.Config) (data store.Store, db *sql.DB, close func(), err error)

func defaultBackend(ctx context.Context, cfg config.Config) (store.Store, *sql.DB, func(), error) {
	if cfg.StoreDriver == "memory" {
		return nil, nil, nil, fmt.Errorf("STORE_DRIVER=memory has no persistent ledger to inspect")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 4, MaxIdleConns: 2})
	if err != nil {
		return nil, nil, nil, err
	}
	return store.NewPostgresStore(db), db, func() { _ = db.Close() }, nil
}

type cli struct {
	open    backend
	cfg     config.Config
	asEmail string
	asName  string
}

func newRootCmd(open backend) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "scenarioctl",
		Short:         "Operate the scenario ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.cfg = config.Load()
		},
	}
	root.PersistentFlags().StringVar(&c.asEmail, "as-email", "", "acting user email for write commands")
	root.PersistentFlags().StringVar(&c.asName, "as-name", "", "acting user display name")

	root.AddCommand(
		c.migrateCmd(),
		c.historyCmd(),
		c.branchesCmd(),
		c.compareCmd(),
		c.restoreCmd(),
		c.mergeCmd(),
		c.archiveCmd(),
	)
	return root
}

// withService opens the store, builds the ledger service acting as the
// --as-email user and runs fn.
func (c *cli) withService(cmd *cobra.Command, fn func(*app.Service) error) error {
	ctx := cmd.Context()
	data, _, closeFn, err := c.open(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	opts := app.Options{
		Logger: logger.New(logger.Config{Level: c.cfg.LogLevel, Output: cmd.ErrOrStderr()}),
	}
	if strings.TrimSpace(c.cfg.ArchiveDir) != "" {
		opts.Archiver = archive.New(c.cfg.ArchiveDir)
	}
	identity := auth.StaticIdentity{Email: strings.TrimSpace(c.asEmail), FullName: strings.TrimSpace(c.asName)}
	return fn(app.New(data, identity, opts))
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

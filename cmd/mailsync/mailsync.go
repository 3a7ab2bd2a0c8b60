// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mailsync pulls message metadata from an IMAP mailbox into a
// local SQLite store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matta/mailsync/internal/auth"
	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/logging"
	"github.com/matta/mailsync/internal/mailbox"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/trace"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// app holds what the subcommands share.
type app struct {
	configPath string
	trace      bool
	verbose    bool

	cfg *config.Config

	// Replaced in tests.
	openKeyring func() (*auth.Keyring, error)
	stderr      io.Writer
}

func newApp() *app {
	return &app{
		openKeyring: auth.OpenKeyring,
		stderr:      os.Stderr,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailsync",
		Short: "Sync IMAP message metadata into a local store",
		Long: `mailsync downloads new messages and message metadata from one
IMAP mailbox into a SQLite store, and backfills the UIDs of stored
messages that were imported without one.

  mailsync sync        # download messages newer than the last sync
  mailsync meta        # pull metadata of every message
  mailsync import F... # add message files as unkeyed rows
  mailsync reconcile   # match unkeyed rows against pulled metadata
  mailsync list        # show recently pulled messages`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "configuration file")
	root.PersistentFlags().BoolVarP(&a.trace, "trace", "T", false, "dump the IMAP exchange to stderr")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.syncCmd(),
		a.metaCmd(),
		a.importCmd(),
		a.reconcileCmd(),
		a.listCmd(),
		a.passwordCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logging.ConfigureRuntime(logging.WithLevel(cfg.Log.Level), logging.WithVerbose(a.verbose))
	return nil
}

func (a *app) openDB(ctx context.Context) (*persist.DB, error) {
	db, err := persist.Open(ctx, a.cfg.Store.Path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, nil
}

// dial connects and authenticates to the configured server.
func (a *app) dial(ctx context.Context) (*mailbox.Service, error) {
	if err := a.cfg.CheckIMAP(); err != nil {
		return nil, err
	}
	method, err := auth.FromConfig(&a.cfg.IMAP, a.openKeyring)
	if err != nil {
		return nil, errors.Wrap(err, "unable to set up login")
	}
	mcfg := mailbox.Config{
		Server:    a.cfg.IMAP.Server,
		BatchSize: a.cfg.IMAP.BatchSize,
		Rate:      rate.Limit(a.cfg.IMAP.FetchRate),
		Burst:     a.cfg.IMAP.FetchBurst,
	}
	if a.trace {
		mcfg.Trace = trace.Wrap(a.stderr)
	}
	svc, err := mailbox.Dial(ctx, mcfg, method)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect")
	}
	return svc, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp()).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		stop()
		os.Exit(1)
	}
}

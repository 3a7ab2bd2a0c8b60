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

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/auth"
	"github.com/matta/mailsync/internal/listing"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/rawstore"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download messages newer than the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			raw, err := rawstore.New(a.cfg.Store.RawDir)
			if err != nil {
				return errors.Wrap(err, "unable to initialize raw store")
			}
			svc, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := sync.Sync(ctx, svc, db, raw, a.cfg.IMAP.Account, a.cfg.IMAP.Mailbox)
			if err != nil {
				return errors.Wrap(err, "unable to synchronize")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d new messages, %d write errors\n", stats.Written, stats.WriteErrors)
			return nil
		},
	}
}

func (a *app) metaCmd() *cobra.Command {
	var noFlags, idsOnly bool
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Pull the metadata of every message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := sync.MetaFull
			switch {
			case idsOnly:
				mode = sync.MetaIDsOnly
			case noFlags:
				mode = sync.MetaNoFlags
			}

			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := sync.PullMeta(ctx, svc, db, a.cfg.IMAP.Mailbox, mode)
			if err != nil {
				return errors.Wrap(err, "unable to pull metadata")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records, %d malformed, %d incomplete\n",
				stats.Written, stats.Malformed, stats.Discarded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noFlags, "no-flags", false, "do not fetch FLAGS")
	cmd.Flags().BoolVar(&idsOnly, "ids-only", false, "fetch only UID, MODSEQ and ENVELOPE")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Add message files as rows without a UID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := sync.Import(ctx, db, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d imported, %d unreadable\n", stats.Written, stats.WriteErrors)
			return nil
		},
	}
}

func (a *app) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Backfill UIDs of stored messages from pulled metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := sync.Reconcile(ctx, db)
			if err != nil {
				return err
			}
			var counts persist.Counts
			err = db.Update(ctx, func(tx *persist.Tx) (err error) {
				counts, err = tx.Counts(ctx)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d matched, %d ambiguous, %d unmatched; %d of %d messages still without a UID\n",
				stats.Matched, stats.Ambiguous, stats.Unmatched, counts.Unkeyed, counts.Messages)
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent pulled messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var recs []*message.Metadata
			err = db.Update(ctx, func(tx *persist.Tx) (err error) {
				recs, err = tx.RecentMeta(ctx, limit)
				return err
			})
			if err != nil {
				return err
			}
			return listing.Write(cmd.OutOrStdout(), recs, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages")
	return cmd
}

func (a *app) passwordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "password",
		Short: "Store the IMAP password in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.CheckIMAP(); err != nil {
				return err
			}
			pw, err := readPassword(cmd)
			if err != nil {
				return err
			}
			k, err := a.openKeyring()
			if err != nil {
				return err
			}
			if err := k.SetPassword(a.cfg.IMAP.Server, a.cfg.IMAP.Account, pw); err != nil {
				return err
			}
			log.Info().Str("key", auth.Key(a.cfg.IMAP.Server, a.cfg.IMAP.Account)).Msg("password stored")
			return nil
		},
	}
}

// readPassword prompts on a terminal, or reads one line otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", errors.Wrap(err, "reading password")
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "reading password")
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}

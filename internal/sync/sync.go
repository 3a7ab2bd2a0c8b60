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

// Package sync pulls message metadata from an IMAP mailbox into the
// local store and reconciles it with stored messages lacking a UID.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matta/mailsync/internal/fetch"
	"github.com/matta/mailsync/internal/match"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrUIDValidityChanged is returned when the mailbox's UIDVALIDITY no
// longer matches the stored one.  Stored UIDs are then meaningless.
var ErrUIDValidityChanged = errors.New("UIDVALIDITY changed")

const (
	// Records written per transaction.
	commitEvery = 500

	// Completed records buffered between fetching and writing.
	queueLen = 1000
)

// MetaMode selects the attributes pulled by PullMeta.
type MetaMode int

const (
	// UID, MODSEQ, FLAGS, ENVELOPE and the Date header.
	MetaFull MetaMode = iota

	// As MetaFull without FLAGS.
	MetaNoFlags

	// UID, MODSEQ and ENVELOPE.
	MetaIDsOnly
)

func (m MetaMode) request() message.Request {
	kinds := message.NewKindSet(message.KindUID, message.KindModSeq, message.KindEnvelope)
	switch m {
	case MetaFull:
		kinds = kinds.With(message.KindFlags).With(message.KindDate)
	case MetaNoFlags:
		kinds = kinds.With(message.KindDate)
	case MetaIDsOnly:
	}
	return message.Request{Kinds: kinds, DateSource: message.DateHeader}
}

var syncRequest = message.Request{
	Kinds: message.NewKindSet(message.KindUID, message.KindModSeq,
		message.KindDate, message.KindFlags, message.KindRaw),
	DateSource: message.DateInternal,
}

// Stats summarizes one run.
type Stats struct {
	Session string

	// Completed records received from the server.
	Records int

	Written     int
	WriteErrors int

	// Records the server sent outside the requested range.
	Skipped int

	Malformed int
	Anomalies int
	Discarded int

	Matched   int
	Unmatched int
	Ambiguous int
}

// MarshalZerologObject satisfies zerolog.LogObjectMarshaler.
func (s *Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Str("session", s.Session).
		Int("records", s.Records).
		Int("written", s.Written).
		Int("write_errors", s.WriteErrors).
		Int("skipped", s.Skipped).
		Int("malformed", s.Malformed).
		Int("anomalies", s.Anomalies).
		Int("discarded", s.Discarded).
		Int("matched", s.Matched).
		Int("unmatched", s.Unmatched).
		Int("ambiguous", s.Ambiguous)
}

func (s *Stats) addCorrelator(cs fetch.Stats) {
	s.Malformed += cs.Malformed
	s.Anomalies += cs.Anomalies
	s.Discarded += cs.Discarded
}

func newSession(mailbox string) (*Stats, zerolog.Logger) {
	id := uuid.NewString()
	lc := log.With().Str("session", id)
	if mailbox != "" {
		lc = lc.Str("mailbox", mailbox)
	}
	return &Stats{Session: id}, lc.Logger()
}

// examine opens mailbox and checks its UIDVALIDITY against the stored
// one.
func examine(ctx context.Context, src MailboxExaminer, db *persist.DB, mailbox string) (*message.MailboxStatus, error) {
	status, err := src.Examine(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	err = db.Update(ctx, func(tx *persist.Tx) error {
		prev, err := tx.MailboxState(ctx, mailbox)
		if err != nil {
			return err
		}
		if prev != nil && prev.UIDValidity != status.UIDValidity {
			return errors.Wrapf(ErrUIDValidityChanged, "mailbox %q: stored %d, server %d",
				mailbox, prev.UIDValidity, status.UIDValidity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func writeState(ctx context.Context, db *persist.DB, status *message.MailboxStatus) error {
	return db.Update(ctx, func(tx *persist.Tx) error {
		return tx.WriteMailboxState(ctx, status)
	})
}

// produce runs fetchFn, feeding every fragment to c and sending each
// completed record to out.  Malformed records are logged and dropped.
func produce(ctx context.Context, l zerolog.Logger, c *fetch.Correlator,
	fetchFn func(handler func(uint32, message.Fragment) error) error,
	out chan<- *message.Metadata) error {
	defer close(out)

	err := fetchFn(func(seq uint32, f message.Fragment) error {
		meta, err := c.Push(seq, f)
		if err != nil {
			var merr *fetch.MalformedError
			if errors.As(err, &merr) {
				l.Warn().Err(err).Uint32("seq", seq).Msg("dropping malformed message")
				return nil
			}
			return err
		}
		if meta == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- meta:
			return nil
		}
	})
	if seqs := c.Close(); len(seqs) > 0 {
		l.Warn().Int("count", len(seqs)).Uints32("seqs", seqs).Msg("discarded incomplete messages")
	}
	return err
}

// consume writes records from in, committing every commitEvery
// records.  A failed write is logged and counted; it does not stop the
// run.
func consume(ctx context.Context, l zerolog.Logger, db *persist.DB, stats *Stats,
	in <-chan *message.Metadata,
	write func(context.Context, *persist.Tx, *message.Metadata) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { tx.Rollback() }()

	n := 0
	for meta := range in {
		stats.Records++
		if err := write(ctx, tx, meta); err != nil {
			if errors.Cause(err) == errSkip {
				stats.Skipped++
				continue
			}
			l.Error().Err(err).Uint32("uid", meta.UID).Uint32("seq", meta.Seq).Msg("write failed")
			stats.WriteErrors++
			continue
		}
		stats.Written++
		n++
		if n%commitEvery != 0 {
			continue
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		l.Info().Int("written", stats.Written).Msg("committed")
		if tx, err = db.Begin(ctx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var errSkip = errors.New("record outside requested range")

// run fetches with kinds req through fetchFn and writes each
// completed record with write.
func run(ctx context.Context, l zerolog.Logger, db *persist.DB, stats *Stats, req message.Request,
	fetchFn func(ctx context.Context, handler func(uint32, message.Fragment) error) error,
	write func(context.Context, *persist.Tx, *message.Metadata) error) error {
	c, err := fetch.New(req.Kinds, fetch.WithLogger(l))
	if err != nil {
		return err
	}
	records := make(chan *message.Metadata, queueLen)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return produce(gctx, l, c, func(h func(uint32, message.Fragment) error) error {
			return fetchFn(gctx, h)
		}, records)
	})
	grp.Go(func() error {
		return consume(gctx, l, db, stats, records, write)
	})
	err = grp.Wait()
	stats.addCorrelator(c.Stats())
	return err
}

// rawScope names the space in which a UID identifies one message for
// good.
func rawScope(account, mailbox string, uidValidity uint32) string {
	return fmt.Sprintf("%s/%s/%d", account, mailbox, uidValidity)
}

// Sync downloads the messages of mailbox newer than the highest stored
// UID, storing their raw content in raw and their metadata in db.
// Raw content is filed under account, mailbox and UIDVALIDITY.
// Running it twice in a row leaves the store unchanged.
func Sync(ctx context.Context, src FragmentSource, db *persist.DB, raw RawStore, account, mailbox string) (*Stats, error) {
	stats, l := newSession(mailbox)
	start := time.Now()

	status, err := examine(ctx, src, db, mailbox)
	if err != nil {
		return stats, errors.Wrap(err, "sync failed")
	}

	var from uint32
	err = db.Update(ctx, func(tx *persist.Tx) error {
		maxUID, err := tx.MaxUID(ctx)
		from = maxUID + 1
		return err
	})
	if err != nil {
		return stats, errors.Wrap(err, "sync failed")
	}
	l.Info().Uint32("from_uid", from).Uint32("uid_next", status.UIDNext).Msg("incremental sync")

	if status.Exists > 0 && (status.UIDNext == 0 || from < status.UIDNext) {
		scope := rawScope(account, mailbox, status.UIDValidity)
		write := func(ctx context.Context, tx *persist.Tx, meta *message.Metadata) error {
			if meta.UID < from {
				return errSkip
			}
			if err := fillFromHeader(meta); err != nil {
				l.Debug().Err(err).Uint32("uid", meta.UID).Msg("unreadable header")
			}
			ref, err := raw.Put(scope, meta.UID, meta.Raw)
			if err != nil {
				return err
			}
			return tx.UpsertMessage(ctx, meta, ref)
		}
		fetchFn := func(ctx context.Context, h func(uint32, message.Fragment) error) error {
			return src.FetchUIDsFrom(ctx, from, syncRequest, h)
		}
		if err := run(ctx, l, db, stats, syncRequest, fetchFn, write); err != nil {
			return stats, errors.Wrap(err, "sync failed")
		}
	}

	if err := writeState(ctx, db, status); err != nil {
		return stats, errors.Wrap(err, "sync failed")
	}
	l.Info().EmbedObject(stats).Dur("elapsed", time.Since(start)).Msg("sync done")
	return stats, nil
}

// PullMeta fetches the metadata of every message in mailbox into the
// imap_meta table.
func PullMeta(ctx context.Context, src FragmentSource, db *persist.DB, mailbox string, mode MetaMode) (*Stats, error) {
	stats, l := newSession(mailbox)
	start := time.Now()

	status, err := examine(ctx, src, db, mailbox)
	if err != nil {
		return stats, errors.Wrap(err, "metadata pull failed")
	}
	l.Info().Uint32("exists", status.Exists).Msg("pulling metadata")

	if status.Exists > 0 {
		req := mode.request()
		write := func(ctx context.Context, tx *persist.Tx, meta *message.Metadata) error {
			return tx.UpsertMeta(ctx, meta)
		}
		fetchFn := func(ctx context.Context, h func(uint32, message.Fragment) error) error {
			return src.FetchSeqRange(ctx, 1, status.Exists, req, h)
		}
		if err := run(ctx, l, db, stats, req, fetchFn, write); err != nil {
			return stats, errors.Wrap(err, "metadata pull failed")
		}
	}

	if err := writeState(ctx, db, status); err != nil {
		return stats, errors.Wrap(err, "metadata pull failed")
	}
	l.Info().EmbedObject(stats).Dur("elapsed", time.Since(start)).Msg("metadata pull done")
	return stats, nil
}

// Reconcile backfills the UID of stored messages lacking one from the
// pulled metadata.  Records sharing a send date are matched together
// so that two of them never claim the same row.
func Reconcile(ctx context.Context, db *persist.DB) (*Stats, error) {
	stats, l := newSession("")
	err := db.Update(ctx, func(tx *persist.Tx) error {
		rows, err := tx.UnkeyedRows(ctx)
		if err != nil {
			return err
		}
		var recs []*message.Metadata
		err = tx.ListUnlinkedMeta(ctx, func(m *message.Metadata) error {
			recs = append(recs, m)
			return nil
		})
		if err != nil {
			return err
		}
		l.Info().Int("rows", len(rows)).Int("records", len(recs)).Msg("reconciling")

		idx := match.NewIndex(rows)
		for _, group := range groupByDate(recs) {
			if idx.Len() == 0 {
				stats.Records += len(group)
				stats.Unmatched += len(group)
				continue
			}
			for _, r := range idx.MatchGroup(group) {
				stats.Records++
				apply(ctx, l, tx, idx, stats, r)
			}
		}
		return nil
	})
	if err != nil {
		return stats, errors.Wrap(err, "reconcile failed")
	}
	l.Info().EmbedObject(stats).Msg("reconcile done")
	return stats, nil
}

func apply(ctx context.Context, l zerolog.Logger, tx *persist.Tx, idx *match.Index, stats *Stats, r match.Result) {
	d := r.Decision
	switch d.Outcome {
	case match.Unmatched:
		stats.Unmatched++
	case match.Ambiguous:
		stats.Ambiguous++
		l.Warn().Uint32("uid", r.Record.UID).Str("rule", d.Rule.String()).
			Int("candidates", d.Candidates).Msg("ambiguous match, leaving rows untouched")
	case match.Matched:
		if err := tx.ApplyMatch(ctx, d.Row.ID, r.Record); err != nil {
			stats.WriteErrors++
			l.Error().Err(err).Uint32("uid", r.Record.UID).Int64("row", d.Row.ID).Msg("apply failed")
			return
		}
		idx.Remove(d.Row.ID)
		stats.Matched++
		l.Debug().Uint32("uid", r.Record.UID).Int64("row", d.Row.ID).Str("rule", d.Rule.String()).Msg("matched")
	}
}

// groupByDate splits recs, ordered by date, into runs sharing one
// instant.  Undated records stand alone.
func groupByDate(recs []*message.Metadata) [][]*message.Metadata {
	var groups [][]*message.Metadata
	for _, r := range recs {
		n := len(groups)
		if n > 0 && r.HasDate() {
			last := groups[n-1][0]
			if last.HasDate() && last.Date.Equal(r.Date) {
				groups[n-1] = append(groups[n-1], r)
				continue
			}
		}
		groups = append(groups, []*message.Metadata{r})
	}
	return groups
}

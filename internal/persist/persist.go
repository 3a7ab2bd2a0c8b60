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

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/date"
	"github.com/matta/mailsync/internal/match"
	"github.com/matta/mailsync/internal/message"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyKeyed is returned by ApplyMatch when the row already has a
// UID.
var ErrAlreadyKeyed = errors.New("row already has a uid")

var (
	createTableSql = []string{
		// The messages table holds one row per stored message.
		//
		// Field: id
		//
		//   Local row identity.  Stable for the life of the
		//   database; never sent to the server.
		//
		// Field: uid
		//
		//   IMAP UID of the message in the synced mailbox.  NULL
		//   for rows created by an archive import until
		//   reconciliation backfills it.  Once set it is never
		//   changed by reconciliation.
		//
		// Field: mod_seq
		//
		//   IMAP MODSEQ at which the row was last written, stored
		//   with orderedToSigned so that SQL comparisons follow
		//   uint64 order.  NULL together with uid.
		//
		// Field: flags
		//
		//   Recognized flags, space separated in a fixed order
		//   (see message.Flags.String).
		//
		// Field: dt
		//
		//   Normalized send or internal date in RFC 3339 form,
		//   keeping the original offset.  NULL when absent or
		//   unparsable.
		//
		// Field: date_header
		//
		//   The Date header as found in an archive import, before
		//   normalization.
		//
		// Field: raw_ref
		//
		//   Reference to the raw message content in the raw
		//   store, or NULL.
		`
CREATE TABLE IF NOT EXISTS messages (
id INTEGER PRIMARY KEY AUTOINCREMENT,
uid INTEGER UNIQUE,
mod_seq INTEGER,
flags TEXT NOT NULL DEFAULT '',
dt TEXT,
date_header TEXT,
subject TEXT,
mid TEXT,
sender TEXT,
raw_ref TEXT
);`,
		`CREATE INDEX IF NOT EXISTS messages_dt ON messages (dt);`,
		`CREATE INDEX IF NOT EXISTS messages_mid ON messages (mid);`,
		// The imap_meta table holds the metadata most recently
		// pulled for each UID of the mailbox, keyed and versioned
		// like messages.
		//
		// Field: seq
		//
		//   Sequence number at the time of the pull.  Informational
		//   only; it is not an identity.
		`
CREATE TABLE IF NOT EXISTS imap_meta (
uid INTEGER NOT NULL PRIMARY KEY,
seq INTEGER,
mod_seq INTEGER NOT NULL,
flags TEXT NOT NULL DEFAULT '',
mid TEXT,
dt TEXT,
subject TEXT,
sender TEXT
);`,
		// The mailbox_state table holds, per mailbox, the
		// UIDVALIDITY that the stored UIDs belong to and the
		// HIGHESTMODSEQ seen at the end of the last complete sync.
		`
CREATE TABLE IF NOT EXISTS mailbox_state (
mailbox TEXT NOT NULL PRIMARY KEY,
uid_validity INTEGER NOT NULL,
highest_mod_seq INTEGER NOT NULL
);`,
	}
)

type DB struct {
	db *sqlx.DB
}

type Tx struct {
	tx *sqlx.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debug().Str("dsn", dsn).Msg("opening database")
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

// Update runs fn in a transaction, committing if it returns nil.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

// Rollback aborts the transaction.  Calling it after Commit is a
// harmless no-op, so it may be deferred.
func (tx *Tx) Rollback() error {
	err := tx.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func initSchema(ctx context.Context, db *sqlx.DB) error {
	for _, sql := range createTableSql {
		log.Trace().Str("sql", sql).Msg("SQL Exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func parseDate(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		log.Warn().Err(err).Str("dt", s.String).Msg("bad stored date")
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpsertMessage inserts meta or updates the row with the same UID.  An
// existing row is only updated when meta's MODSEQ is not lower than
// the stored one, so replaying the same records leaves the table
// unchanged.  An empty rawRef keeps the stored reference.
func (tx *Tx) UpsertMessage(ctx context.Context, meta *message.Metadata, rawRef string) error {
	const q = `
INSERT INTO messages (uid, mod_seq, flags, dt, subject, mid, sender, raw_ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uid) DO UPDATE SET
	mod_seq = excluded.mod_seq,
	flags = excluded.flags,
	dt = COALESCE(excluded.dt, messages.dt),
	subject = COALESCE(excluded.subject, messages.subject),
	mid = COALESCE(excluded.mid, messages.mid),
	sender = COALESCE(excluded.sender, messages.sender),
	raw_ref = COALESCE(excluded.raw_ref, messages.raw_ref)
WHERE excluded.mod_seq >= messages.mod_seq`
	_, err := tx.tx.ExecContext(ctx, q,
		meta.UID, orderedToSigned(meta.ModSeq), meta.Flags.String(),
		formatDate(meta.Date), nullString(meta.Subject),
		nullString(meta.MessageID), nullString(meta.Sender),
		nullString(rawRef))
	if err != nil {
		return errors.Wrapf(err, "upsert of message uid %d failed", meta.UID)
	}
	return nil
}

// UpsertMeta records the metadata pulled for one UID, with the same
// MODSEQ rule as UpsertMessage.
func (tx *Tx) UpsertMeta(ctx context.Context, meta *message.Metadata) error {
	const q = `
INSERT INTO imap_meta (uid, seq, mod_seq, flags, mid, dt, subject, sender)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uid) DO UPDATE SET
	seq = excluded.seq,
	mod_seq = excluded.mod_seq,
	flags = excluded.flags,
	mid = COALESCE(excluded.mid, imap_meta.mid),
	dt = COALESCE(excluded.dt, imap_meta.dt),
	subject = COALESCE(excluded.subject, imap_meta.subject),
	sender = COALESCE(excluded.sender, imap_meta.sender)
WHERE excluded.mod_seq >= imap_meta.mod_seq`
	_, err := tx.tx.ExecContext(ctx, q,
		meta.UID, meta.Seq, orderedToSigned(meta.ModSeq),
		meta.Flags.String(), nullString(meta.MessageID),
		formatDate(meta.Date), nullString(meta.Subject),
		nullString(meta.Sender))
	if err != nil {
		return errors.Wrapf(err, "upsert of meta uid %d failed", meta.UID)
	}
	return nil
}

type metaRow struct {
	UID     int64          `db:"uid"`
	Seq     sql.NullInt64  `db:"seq"`
	ModSeq  int64          `db:"mod_seq"`
	Flags   string         `db:"flags"`
	MID     sql.NullString `db:"mid"`
	Dt      sql.NullString `db:"dt"`
	Subject sql.NullString `db:"subject"`
	Sender  sql.NullString `db:"sender"`
}

func (r *metaRow) metadata() *message.Metadata {
	return &message.Metadata{
		Seq:       uint32(r.Seq.Int64),
		UID:       uint32(r.UID),
		ModSeq:    orderedToUnsigned(r.ModSeq),
		Flags:     message.ParseFlags(r.Flags),
		MessageID: r.MID.String,
		Date:      parseDate(r.Dt),
		Subject:   r.Subject.String,
		Sender:    r.Sender.String,
	}
}

func (tx *Tx) listMeta(ctx context.Context, q string, handler func(*message.Metadata) error, args ...interface{}) error {
	rows, err := tx.tx.QueryxContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "db query failed in listMeta")
	}
	defer rows.Close()

	for rows.Next() {
		var r metaRow
		if err := rows.StructScan(&r); err != nil {
			return errors.Wrap(err, "db scan failed in listMeta")
		}
		if err := handler(r.metadata()); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "db iteration failed in listMeta")
}

// ListUnlinkedMeta calls handler for each pulled record whose UID is
// not yet attached to any message row, in date order.
func (tx *Tx) ListUnlinkedMeta(ctx context.Context, handler func(*message.Metadata) error) error {
	const q = `
SELECT m.uid, m.seq, m.mod_seq, m.flags, m.mid, m.dt, m.subject, m.sender
FROM imap_meta m
WHERE NOT EXISTS (SELECT 1 FROM messages WHERE messages.uid = m.uid)
ORDER BY strftime('%s', m.dt), m.uid`
	return tx.listMeta(ctx, q, handler)
}

// RecentMeta returns up to limit pulled records, most recent first.
func (tx *Tx) RecentMeta(ctx context.Context, limit int) ([]*message.Metadata, error) {
	const q = `
SELECT uid, seq, mod_seq, flags, mid, dt, subject, sender
FROM imap_meta
ORDER BY strftime('%s', dt) DESC, uid DESC
LIMIT ?`
	var out []*message.Metadata
	err := tx.listMeta(ctx, q, func(m *message.Metadata) error {
		out = append(out, m)
		return nil
	}, limit)
	return out, err
}

type unkeyedRow struct {
	ID      int64          `db:"id"`
	MID     sql.NullString `db:"mid"`
	Dt      sql.NullString `db:"dt"`
	Subject sql.NullString `db:"subject"`
	Sender  sql.NullString `db:"sender"`
}

// UnkeyedRows returns the message rows that still lack a UID.
func (tx *Tx) UnkeyedRows(ctx context.Context) ([]match.Row, error) {
	const q = `
SELECT id, mid, dt, subject, sender
FROM messages
WHERE uid IS NULL
ORDER BY id`
	var rows []unkeyedRow
	if err := tx.tx.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "db select failed in UnkeyedRows")
	}
	out := make([]match.Row, len(rows))
	for i, r := range rows {
		out[i] = match.Row{
			ID:        r.ID,
			MessageID: r.MID.String,
			Date:      parseDate(r.Dt),
			Subject:   r.Subject.String,
			Sender:    r.Sender.String,
		}
	}
	return out, nil
}

// ApplyMatch backfills the UID, MODSEQ and flags of row id from meta.
// It returns ErrAlreadyKeyed if the row was keyed earlier, so a row is
// backfilled at most once.
func (tx *Tx) ApplyMatch(ctx context.Context, id int64, meta *message.Metadata) error {
	const q = `
UPDATE messages SET uid = ?, mod_seq = ?, flags = ?
WHERE id = ? AND uid IS NULL`
	res, err := tx.tx.ExecContext(ctx, q,
		meta.UID, orderedToSigned(meta.ModSeq), meta.Flags.String(), id)
	if err != nil {
		return errors.Wrapf(err, "applying uid %d to row %d failed", meta.UID, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "ApplyMatch")
	}
	if n == 0 {
		return errors.Wrapf(ErrAlreadyKeyed, "row %d", id)
	}
	return nil
}

// MaxUID returns the highest UID stored in messages, or 0.
func (tx *Tx) MaxUID(ctx context.Context) (uint32, error) {
	var uid int64
	err := tx.tx.GetContext(ctx, &uid, `SELECT COALESCE(MAX(uid), 0) FROM messages`)
	if err != nil {
		return 0, errors.Wrap(err, "db query failed in MaxUID")
	}
	return uint32(uid), nil
}

// Archived is a message imported from an archive, without IMAP
// identity.
type Archived struct {
	MessageID  string
	DateHeader string
	Subject    string
	Sender     string
	RawRef     string
}

// InsertArchived adds an unkeyed message row, normalizing its Date
// header.  It returns the new row's id.
func (tx *Tx) InsertArchived(ctx context.Context, a *Archived) (int64, error) {
	var dt sql.NullString
	if t, ok := date.Normalize(a.DateHeader); ok {
		dt = formatDate(t)
	}
	const q = `
INSERT INTO messages (dt, date_header, subject, mid, sender, raw_ref)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.tx.ExecContext(ctx, q,
		dt, nullString(a.DateHeader), nullString(a.Subject),
		nullString(a.MessageID), nullString(a.Sender), nullString(a.RawRef))
	if err != nil {
		return 0, errors.Wrap(err, "db insert failed in InsertArchived")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "InsertArchived")
}

// Message is a stored message row.
type Message struct {
	ID     int64
	Keyed  bool
	Meta   message.Metadata
	RawRef string
}

type messageRow struct {
	ID      int64          `db:"id"`
	UID     sql.NullInt64  `db:"uid"`
	ModSeq  sql.NullInt64  `db:"mod_seq"`
	Flags   string         `db:"flags"`
	Dt      sql.NullString `db:"dt"`
	Subject sql.NullString `db:"subject"`
	MID     sql.NullString `db:"mid"`
	Sender  sql.NullString `db:"sender"`
	RawRef  sql.NullString `db:"raw_ref"`
}

// Messages returns every message row ordered by id.
func (tx *Tx) Messages(ctx context.Context) ([]Message, error) {
	const q = `
SELECT id, uid, mod_seq, flags, dt, subject, mid, sender, raw_ref
FROM messages
ORDER BY id`
	var rows []messageRow
	if err := tx.tx.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "db select failed in Messages")
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		m := Message{
			ID:     r.ID,
			Keyed:  r.UID.Valid,
			RawRef: r.RawRef.String,
			Meta: message.Metadata{
				UID:       uint32(r.UID.Int64),
				Flags:     message.ParseFlags(r.Flags),
				MessageID: r.MID.String,
				Date:      parseDate(r.Dt),
				Subject:   r.Subject.String,
				Sender:    r.Sender.String,
			},
		}
		if r.ModSeq.Valid {
			m.Meta.ModSeq = orderedToUnsigned(r.ModSeq.Int64)
		}
		out[i] = m
	}
	return out, nil
}

// MailboxState returns the stored state of mailbox name, or nil if
// there is none.
func (tx *Tx) MailboxState(ctx context.Context, name string) (*message.MailboxStatus, error) {
	const q = `SELECT uid_validity, highest_mod_seq FROM mailbox_state WHERE mailbox = ?`
	var row struct {
		UIDValidity   int64 `db:"uid_validity"`
		HighestModSeq int64 `db:"highest_mod_seq"`
	}
	if err := tx.tx.GetContext(ctx, &row, q, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // a non-error
		}
		return nil, errors.Wrap(err, "db query failed in MailboxState")
	}
	return &message.MailboxStatus{
		Name:          name,
		UIDValidity:   uint32(row.UIDValidity),
		HighestModSeq: orderedToUnsigned(row.HighestModSeq),
	}, nil
}

// WriteMailboxState records st.  The HIGHESTMODSEQ never decreases for
// an unchanged UIDVALIDITY.
func (tx *Tx) WriteMailboxState(ctx context.Context, st *message.MailboxStatus) error {
	const q = `
INSERT INTO mailbox_state (mailbox, uid_validity, highest_mod_seq)
VALUES (?, ?, ?)
ON CONFLICT (mailbox) DO UPDATE SET
	uid_validity = excluded.uid_validity,
	highest_mod_seq = excluded.highest_mod_seq
WHERE excluded.uid_validity != mailbox_state.uid_validity
	OR excluded.highest_mod_seq >= mailbox_state.highest_mod_seq`
	_, err := tx.tx.ExecContext(ctx, q,
		st.Name, st.UIDValidity, orderedToSigned(st.HighestModSeq))
	if err != nil {
		return errors.Wrapf(err, "db upsert failed for mailbox %q", st.Name)
	}
	return nil
}

// Counts summarizes the store.
type Counts struct {
	Messages int `db:"messages"`
	Unkeyed  int `db:"unkeyed"`
	Meta     int `db:"meta"`
}

func (tx *Tx) Counts(ctx context.Context) (Counts, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM messages) AS messages,
	(SELECT COUNT(*) FROM messages WHERE uid IS NULL) AS unkeyed,
	(SELECT COUNT(*) FROM imap_meta) AS meta`
	var c Counts
	err := tx.tx.GetContext(ctx, &c, q)
	return c, errors.Wrap(err, "db query failed in Counts")
}

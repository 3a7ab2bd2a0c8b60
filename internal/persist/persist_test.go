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
	"math"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func TestDSNFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/x.db", "file:///tmp/x.db?_busy_timeout=10"},
		{"file:/tmp/x.db?mode=ro", "file:/tmp/x.db?_busy_timeout=10&mode=ro"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, url.Values{"_busy_timeout": {"10"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) error: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func update(t *testing.T, db *DB, fn func(context.Context, *Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *Tx) error { return fn(ctx, tx) }))
}

func messages(t *testing.T, db *DB) []Message {
	t.Helper()
	var out []Message
	update(t, db, func(ctx context.Context, tx *Tx) (err error) {
		out, err = tx.Messages(ctx)
		return err
	})
	return out
}

func TestUpsertMessage(t *testing.T) {
	db := openTestDB(t)
	when := time.Date(2020, 2, 3, 4, 5, 6, 0, time.FixedZone("", 3600))
	m := &message.Metadata{
		UID:       7,
		ModSeq:    100,
		Flags:     message.Flags(0).With(message.Seen),
		MessageID: "<a@x>",
		Subject:   "hi",
		Date:      when,
	}

	for i := 0; i < 2; i++ {
		update(t, db, func(ctx context.Context, tx *Tx) error {
			return tx.UpsertMessage(ctx, m, "ref/1")
		})
	}
	got := messages(t, db)
	require.Len(t, got, 1)
	assert.True(t, got[0].Keyed)
	assert.Equal(t, uint32(7), got[0].Meta.UID)
	assert.Equal(t, uint64(100), got[0].Meta.ModSeq)
	assert.Equal(t, "ref/1", got[0].RawRef)
	assert.True(t, got[0].Meta.Date.Equal(when))
	_, off := got[0].Meta.Date.Zone()
	assert.Equal(t, 3600, off)

	// A stale observation does not replace the stored one.
	stale := *m
	stale.ModSeq = 99
	stale.Flags = 0
	update(t, db, func(ctx context.Context, tx *Tx) error {
		return tx.UpsertMessage(ctx, &stale, "")
	})
	got = messages(t, db)
	assert.Equal(t, message.Flags(0).With(message.Seen), got[0].Meta.Flags)

	// A newer one does, keeping fields it does not carry.
	newer := message.Metadata{UID: 7, ModSeq: 101, Flags: message.Flags(0).With(message.Flagged)}
	update(t, db, func(ctx context.Context, tx *Tx) error {
		return tx.UpsertMessage(ctx, &newer, "")
	})
	got = messages(t, db)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(101), got[0].Meta.ModSeq)
	assert.Equal(t, message.Flags(0).With(message.Flagged), got[0].Meta.Flags)
	assert.Equal(t, "hi", got[0].Meta.Subject)
	assert.Equal(t, "ref/1", got[0].RawRef)
}

func TestUpsertMessageHugeModSeq(t *testing.T) {
	db := openTestDB(t)
	for _, ms := range []uint64{math.MaxInt64 + 10, 5} {
		m := &message.Metadata{UID: 1, ModSeq: ms}
		update(t, db, func(ctx context.Context, tx *Tx) error {
			return tx.UpsertMessage(ctx, m, "")
		})
	}
	got := messages(t, db)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(math.MaxInt64+10), got[0].Meta.ModSeq)
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2020, 1, 1, 0, 30, 0, 0, time.FixedZone("", -3600))
	update(t, db, func(ctx context.Context, tx *Tx) error {
		for _, m := range []*message.Metadata{
			{Seq: 1, UID: 10, ModSeq: 1, Date: late, Subject: "late"},
			{Seq: 2, UID: 11, ModSeq: 1, Date: early, Subject: "early"},
			{Seq: 3, UID: 12, ModSeq: 1, Subject: "undated"},
		} {
			if err := tx.UpsertMeta(ctx, m); err != nil {
				return err
			}
		}
		return tx.UpsertMessage(ctx, &message.Metadata{UID: 12, ModSeq: 1}, "")
	})

	var unlinked []uint32
	var recent []*message.Metadata
	update(t, db, func(ctx context.Context, tx *Tx) (err error) {
		err = tx.ListUnlinkedMeta(ctx, func(m *message.Metadata) error {
			unlinked = append(unlinked, m.UID)
			return nil
		})
		if err != nil {
			return err
		}
		recent, err = tx.RecentMeta(ctx, 2)
		return err
	})
	assert.Equal(t, []uint32{11, 10}, unlinked)
	require.Len(t, recent, 2)
	assert.Equal(t, "late", recent[0].Subject)
	assert.Equal(t, uint32(1), recent[0].Seq)
	assert.Equal(t, "early", recent[1].Subject)
}

func TestApplyMatch(t *testing.T) {
	db := openTestDB(t)
	var id int64
	update(t, db, func(ctx context.Context, tx *Tx) (err error) {
		id, err = tx.InsertArchived(ctx, &Archived{
			MessageID:  "<a@x>",
			DateHeader: "Wed, 4 Jul 2001 12:00:00 GMT",
			Subject:    "s",
			Sender:     "a@x",
		})
		return err
	})

	update(t, db, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.UnkeyedRows(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, id, rows[0].ID)
		assert.Equal(t, "<a@x>", rows[0].MessageID)
		assert.True(t, rows[0].Date.Equal(time.Date(2001, 7, 4, 12, 0, 0, 0, time.UTC)))
		return nil
	})

	meta := &message.Metadata{UID: 42, ModSeq: 9, Flags: message.Flags(0).With(message.Answered)}
	update(t, db, func(ctx context.Context, tx *Tx) error {
		return tx.ApplyMatch(ctx, id, meta)
	})

	ctx := context.Background()
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.ApplyMatch(ctx, id, &message.Metadata{UID: 43, ModSeq: 10})
	})
	assert.Equal(t, ErrAlreadyKeyed, errors.Cause(err))

	got := messages(t, db)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(42), got[0].Meta.UID)
	assert.Equal(t, uint64(9), got[0].Meta.ModSeq)
	assert.Equal(t, message.Flags(0).With(message.Answered), got[0].Meta.Flags)

	update(t, db, func(ctx context.Context, tx *Tx) error {
		rows, err := tx.UnkeyedRows(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)
		uid, err := tx.MaxUID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(42), uid)
		c, err := tx.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Messages: 1}, c)
		return nil
	})
}

func TestMailboxState(t *testing.T) {
	db := openTestDB(t)
	var got *message.MailboxStatus
	update(t, db, func(ctx context.Context, tx *Tx) (err error) {
		got, err = tx.MailboxState(ctx, "INBOX")
		return err
	})
	assert.Nil(t, got)

	write := func(validity uint32, modSeq uint64) {
		update(t, db, func(ctx context.Context, tx *Tx) error {
			return tx.WriteMailboxState(ctx, &message.MailboxStatus{
				Name: "INBOX", UIDValidity: validity, HighestModSeq: modSeq,
			})
		})
	}
	read := func() *message.MailboxStatus {
		var st *message.MailboxStatus
		update(t, db, func(ctx context.Context, tx *Tx) (err error) {
			st, err = tx.MailboxState(ctx, "INBOX")
			return err
		})
		require.NotNil(t, st)
		return st
	}

	write(5, 100)
	write(5, 90)
	assert.Equal(t, uint64(100), read().HighestModSeq)
	write(6, 1)
	st := read()
	assert.Equal(t, uint32(6), st.UIDValidity)
	assert.Equal(t, uint64(1), st.HighestModSeq)
}

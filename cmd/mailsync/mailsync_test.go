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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matta/mailsync/internal/auth"
	"github.com/matta/mailsync/internal/logging"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/persist"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

type env struct {
	dir    string
	config string
	db     string
	ring   keyring.Keyring
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:    dir,
		config: filepath.Join(dir, "config.toml"),
		db:     filepath.Join(dir, "mail.db"),
		ring:   keyring.NewArrayKeyring(nil),
	}
	toml := "[imap]\nserver = \"imap.example.com:993\"\naccount = \"me\"\n\n" +
		"[store]\npath = \"" + e.db + "\"\nraw_dir = \"" + filepath.Join(dir, "raw") + "\"\n"
	require.NoError(t, os.WriteFile(e.config, []byte(toml), 0600))
	return e
}

// run executes mailsync with args and returns its standard output.
func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	a.openKeyring = func() (*auth.Keyring, error) { return auth.NewKeyring(e.ring), nil }
	var out bytes.Buffer
	root := newRootCmd(a)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	db, err := persist.Open(ctx, e.db)
	require.NoError(t, err)
	require.NoError(t, db.Update(ctx, func(tx *persist.Tx) error {
		return tx.UpsertMeta(ctx, &message.Metadata{
			Seq: 1, UID: 5, ModSeq: 1,
			Subject: "Re: quarterly report",
			Sender:  "Carol <carol@example.com>",
			Date:    time.Now().Add(-time.Hour),
		})
	}))
	require.NoError(t, db.Close())

	out, err := e.run(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "quarterly report")
	assert.Contains(t, out, "Carol")
	assert.NotContains(t, out, "Re:")
}

func TestImportReconcile(t *testing.T) {
	e := newEnv(t)
	msg := filepath.Join(e.dir, "a.eml")
	require.NoError(t, os.WriteFile(msg, []byte("Subject: hi\r\nDate: 1 Jan 2020 00:00:00 +0000\r\n\r\nx\r\n"), 0600))

	out, err := e.run(t, "", "import", msg)
	require.NoError(t, err)
	assert.Equal(t, "1 imported, 0 unreadable\n", out)

	out, err = e.run(t, "", "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "0 matched, 0 ambiguous, 0 unmatched; 1 of 1 messages still without a UID\n", out)
}

func TestPassword(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "s3cret\n", "password")
	require.NoError(t, err)

	pw, err := auth.NewKeyring(e.ring).Password("imap.example.com:993", "me")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	_, err = e.run(t, "\n", "password")
	assert.Error(t, err)
}

func TestUsageErrors(t *testing.T) {
	e := newEnv(t)
	cases := [][]string{
		{"import"},
		{"list", "extra"},
		{"nosuchcommand"},
	}
	for _, args := range cases {
		if _, err := e.run(t, "", args...); err == nil {
			t.Errorf("mailsync %v succeeded, want error", args)
		}
	}
}

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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	want := &Config{
		IMAP: IMAP{
			Mailbox:    "INBOX",
			BatchSize:  500,
			FetchRate:  10,
			FetchBurst: 4,
		},
		Store: Store{
			Path:   "/home/u/.local/share/mailsync/mail.db",
			RawDir: "/home/u/.local/share/mailsync/raw",
		},
		Log: Log{Level: "info"},
	}
	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	require.Error(t, cfg.CheckIMAP())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	const body = `
[imap]
server = "imap.example.com:993"
account = "me@example.com"
token_command = ["oauth2-helper", "--json"]
batch_size = 50

[store]
path = "/var/mail/db"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	t.Setenv("MAILSYNC_IMAP_MAILBOX", "Archive")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "imap.example.com:993", cfg.IMAP.Server)
	require.Equal(t, []string{"oauth2-helper", "--json"}, cfg.IMAP.TokenCommand)
	require.Equal(t, 50, cfg.IMAP.BatchSize)
	require.Equal(t, "Archive", cfg.IMAP.Mailbox)
	require.Equal(t, "/var/mail/db", cfg.Store.Path)
	require.NoError(t, cfg.CheckIMAP())
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[imap\nserver ="), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

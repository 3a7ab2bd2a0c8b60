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

// Package config loads the mailsync configuration file.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/matta/mailsync/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding file settings,
// e.g. MAILSYNC_IMAP_SERVER for imap.server.
const EnvPrefix = "MAILSYNC"

type IMAP struct {
	// host:port of an IMAPS server.
	Server  string `mapstructure:"server"`
	Account string `mapstructure:"account"`

	// Password for LOGIN.  When empty and TokenCommand is unset,
	// the password is looked up in the OS keyring.
	Password string `mapstructure:"password"`

	// Command printing a JSON OAuth 2.0 token.  When set,
	// OAUTHBEARER is used instead of LOGIN.
	TokenCommand []string `mapstructure:"token_command"`

	Mailbox string `mapstructure:"mailbox"`

	// Messages per FETCH command.
	BatchSize int `mapstructure:"batch_size"`

	// FETCH commands per second, and the burst allowed above it.
	FetchRate  float64 `mapstructure:"fetch_rate"`
	FetchBurst int     `mapstructure:"fetch_burst"`
}

type Store struct {
	Path   string `mapstructure:"path"`
	RawDir string `mapstructure:"raw_dir"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	IMAP  IMAP  `mapstructure:"imap"`
	Store Store `mapstructure:"store"`
	Log   Log   `mapstructure:"log"`
}

// DefaultPath returns ~/.config/mailsync/config.toml.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".config", "mailsync", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("imap.server", "")
	v.SetDefault("imap.account", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.token_command", []string{})
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.batch_size", 500)
	v.SetDefault("imap.fetch_rate", 10.0)
	v.SetDefault("imap.fetch_burst", 4)
	v.SetDefault("store.path", "~/.local/share/mailsync/mail.db")
	v.SetDefault("store.raw_dir", "~/.local/share/mailsync/raw")
	v.SetDefault("log.level", "info")
}

// Load reads the TOML file at path.  A missing file yields the
// defaults.  Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !os.IsNotExist(errors.Cause(err)) && !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Store.Path = homedir.Expand(cfg.Store.Path)
	cfg.Store.RawDir = homedir.Expand(cfg.Store.RawDir)
	return cfg, nil
}

// CheckIMAP reports settings missing for commands that connect to the
// server.
func (c *Config) CheckIMAP() error {
	var missing []string
	if c.IMAP.Server == "" {
		missing = append(missing, "imap.server")
	}
	if c.IMAP.Account == "" {
		missing = append(missing, "imap.account")
	}
	if c.IMAP.Mailbox == "" {
		missing = append(missing, "imap.mailbox")
	}
	if len(missing) > 0 {
		return errors.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	if c.IMAP.BatchSize <= 0 {
		return errors.Errorf("config: imap.batch_size must be positive, got %d", c.IMAP.BatchSize)
	}
	return nil
}

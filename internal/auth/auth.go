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

/*
Package auth logs IMAP clients in.

Two methods are supported: LOGIN with a password taken from the
configuration or the OS keyring, and OAUTHBEARER with a token printed
by an external command.

BUGS:

A token command that prints a bare token gives no expiry, so such
tokens are assumed to be good for five minutes.  The server may reject
a token at any time regardless; the sync is simply retried.
*/
package auth

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/config"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	serviceName = "mailsync"

	bareTokenLifetime = 5 * time.Minute
)

// Method logs a client in.
type Method interface {
	Authenticate(c *imapclient.Client) error
}

// Password logs in with LOGIN.
type Password struct {
	User     string
	Password string
}

func (p *Password) Authenticate(c *imapclient.Client) error {
	return errors.Wrap(c.Login(p.User, p.Password).Wait(), "LOGIN")
}

// OAuthBearer authenticates with SASL OAUTHBEARER.
type OAuthBearer struct {
	User   string
	Source oauth2.TokenSource
}

func (o *OAuthBearer) Authenticate(c *imapclient.Client) error {
	tok, err := o.Source.Token()
	if err != nil {
		return errors.Wrap(err, "getting token")
	}
	sc := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: o.User,
		Token:    tok.AccessToken,
	})
	return errors.Wrap(c.Authenticate(sc), "AUTHENTICATE OAUTHBEARER")
}

// commandTokenSource runs an external program to retrieve an OAuth
// 2.0 bearer token.  Satisfies oauth2.TokenSource.
type commandTokenSource struct {
	argv []string
	now  func() time.Time
}

type tokenJSON struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.Command(s.argv[0], s.argv[1:]...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running %s: %s", s.argv[0], strings.TrimSpace(stderr.String()))
	}
	return parseToken(out.Bytes(), s.now())
}

// parseToken accepts either a JSON token response or a bare token.
func parseToken(b []byte, now time.Time) (*oauth2.Token, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("token command printed nothing")
	}
	if b[0] == '{' {
		var tj tokenJSON
		if err := json.Unmarshal(b, &tj); err != nil {
			return nil, errors.Wrap(err, "parsing token")
		}
		if tj.AccessToken == "" {
			return nil, errors.New("token has no access_token")
		}
		tok := &oauth2.Token{AccessToken: tj.AccessToken, TokenType: tj.TokenType}
		if tj.ExpiresIn > 0 {
			tok.Expiry = now.Add(time.Duration(tj.ExpiresIn) * time.Second)
		}
		return tok, nil
	}
	return &oauth2.Token{
		AccessToken: string(b),
		Expiry:      now.Add(bareTokenLifetime),
	}, nil
}

// NewTokenSource returns a caching token source running argv.
func NewTokenSource(argv []string) (oauth2.TokenSource, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("empty token command")
	}
	return oauth2.ReuseTokenSource(nil, &commandTokenSource{argv: argv, now: time.Now}), nil
}

// Keyring stores passwords in the OS keyring.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring.
func OpenKeyring() (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps ring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// Key names the keyring item for account on server.
func Key(server, account string) string {
	return account + "@" + server
}

func (k *Keyring) Password(server, account string) (string, error) {
	item, err := k.ring.Get(Key(server, account))
	if err != nil {
		return "", errors.Wrapf(err, "getting password for %s", Key(server, account))
	}
	return string(item.Data), nil
}

func (k *Keyring) SetPassword(server, account, password string) error {
	err := k.ring.Set(keyring.Item{
		Key:   Key(server, account),
		Label: "mailsync " + Key(server, account),
		Data:  []byte(password),
	})
	return errors.Wrapf(err, "setting password for %s", Key(server, account))
}

// FromConfig picks the login method for cfg.  The keyring is opened
// by open only when a password must be looked up.
func FromConfig(cfg *config.IMAP, open func() (*Keyring, error)) (Method, error) {
	if len(cfg.TokenCommand) > 0 {
		src, err := NewTokenSource(cfg.TokenCommand)
		if err != nil {
			return nil, err
		}
		return &OAuthBearer{User: cfg.Account, Source: src}, nil
	}
	if cfg.Password != "" {
		return &Password{User: cfg.Account, Password: cfg.Password}, nil
	}
	k, err := open()
	if err != nil {
		return nil, err
	}
	pw, err := k.Password(cfg.Server, cfg.Account)
	if err != nil {
		return nil, err
	}
	return &Password{User: cfg.Account, Password: pw}, nil
}

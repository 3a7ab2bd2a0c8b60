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

// Package rawstore keeps raw message content in a two level directory
// farm, one file per message.
package rawstore

import (
	"bytes"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"
	farmDepth  = 2
)

type Service struct {
	// Root of the farm.  References returned by Put are relative
	// to it.
	path string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

func (p path) ref() string {
	return filepath.ToSlash(filepath.Join(append(p.dirs, p.base)...))
}

// New returns a Service rooted at dir, creating the farm if needed.
func New(dir string) (*Service, error) {
	if dir == "" {
		return nil, errors.New("rawstore: empty directory")
	}
	if err := os.MkdirAll(filepath.Dir(dir), dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "rawstore: creating parent of %q", dir)
	}
	if err := mkdirfarm(dir, farmDepth); err != nil {
		return nil, errors.Wrapf(err, "rawstore: creating farm at %q", dir)
	}
	return &Service{path: dir}, nil
}

// Have reports whether the message uid of scope is stored.
func (s *Service) Have(scope string, uid uint32) bool {
	_, err := os.Stat(s.makePath(scope, uid).Join())
	return err == nil
}

// Put stores raw as the message uid of scope and returns its
// reference.  Line endings are converted from CRLF to LF.  The content
// of a UID never changes, so a message already stored is left alone.
func (s *Service) Put(scope string, uid uint32, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.Errorf("rawstore: message %d has no content", uid)
	}
	p := s.makePath(scope, uid)
	if s.Have(scope, uid) {
		return p.ref(), nil
	}
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if err := os.WriteFile(p.Join(), raw, messageFileMode); err != nil {
		return "", errors.Wrapf(err, "rawstore: writing message %d", uid)
	}
	return p.ref(), nil
}

// Read returns the content stored under ref.
func (s *Service) Read(ref string) ([]byte, error) {
	if ref == "" || strings.Contains(ref, "..") {
		return nil, errors.Errorf("rawstore: bad reference %q", ref)
	}
	b, err := os.ReadFile(filepath.Join(s.path, filepath.FromSlash(ref)))
	return b, errors.Wrapf(err, "rawstore: reading %q", ref)
}

// basename holds the fields encoded into the file name of a stored
// message.
type basename struct {
	// A string designating the scope under which the id is unique
	// and permanent: the account, mailbox and UIDVALIDITY.
	scope string

	// The message UID in decimal.
	id string
}

// Return the specified string with characters that should not appear
// in a filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in a filename.
//
// The encoding uses '=' to designate the next two characters as a hex
// encoded byte.
//
// Based on the Portable Filename Character Set of IEEE Std
// 1003.1-2017, section 3.282, with all punctuation removed, leaving
// only alphanumeric characters.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}

	// Everything else must be escaped.
	return true
}

// encode returns the basename in a filename safe form, prefixed with
// "mailsync-1-" as a distinguisher followed by an encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "mailsync-1-"
	sb.Grow(len(prefix) + len(b.scope) + len(b.id) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.scope))
	sb.WriteRune('-')
	sb.WriteString(escape(b.id))
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Service) makePath(scope string, uid uint32) path {
	b := basename{scope: scope, id: strconv.FormatUint(uint64(uid), 10)}
	return path{
		root: s.path,
		dirs: pathParts(b.scope + "\x00" + b.id),
		base: b.encode(),
	}
}

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

// Package trace dumps an IMAP protocol exchange with credentials
// masked.
package trace

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"
)

const mask = "****"

// traceWriter is an io.Writer that copies complete protocol lines to
// delegate, replacing LOGIN passwords and SASL responses.
type traceWriter struct {
	mu       sync.Mutex
	delegate io.Writer
	pending  []byte

	// Set after an AUTHENTICATE command until its tagged reply.
	authTag string

	// Set after a LOGIN sending a literal until its tagged reply.
	// While secret is set every line but that reply is the password.
	// Otherwise userLen bytes of username literal lead the next
	// client line, or userLen is -1 once the password was masked.
	loginTag string
	secret   bool
	userLen  int
}

// Wrap returns a writer suitable as imapclient.Options.DebugWriter.
func Wrap(w io.Writer) io.Writer {
	return &traceWriter{delegate: w}
}

func (t *traceWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, p...)
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			break
		}
		line := string(t.pending[:i+1])
		t.pending = t.pending[i+1:]
		if _, err := io.WriteString(t.delegate, t.scrub(line)); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (t *traceWriter) scrub(line string) string {
	body := strings.TrimRight(line, "\r\n")
	eol := line[len(body):]

	if t.loginTag != "" {
		return t.scrubLogin(line, body, eol)
	}

	fields := strings.SplitN(body, " ", 4)
	if len(fields) >= 2 {
		switch strings.ToUpper(fields[1]) {
		case "LOGIN":
			if len(fields) == 4 {
				if _, ok := literal(fields[3]); ok {
					t.loginTag, t.secret = fields[0], true
					return line
				}
				return strings.Join(append(fields[:3], mask), " ") + eol
			}
			if len(fields) == 3 {
				if n, ok := literal(fields[2]); ok {
					t.loginTag, t.secret, t.userLen = fields[0], false, n
				}
			}
		case "AUTHENTICATE":
			t.authTag = fields[0]
			if len(fields) >= 4 {
				return strings.Join(append(fields[:3], mask), " ") + eol
			}
			return line
		}
	}
	if t.authTag == "" {
		return line
	}
	switch {
	case strings.HasPrefix(body, t.authTag+" "):
		t.authTag = ""
	case strings.HasPrefix(body, "+"), strings.HasPrefix(body, "*"):
	case body != "":
		return mask + eol
	}
	return line
}

// scrubLogin handles the lines between a LOGIN that sends a literal and
// its tagged reply.
func (t *traceWriter) scrubLogin(line, body, eol string) string {
	switch {
	case strings.HasPrefix(body, t.loginTag+" "):
		t.loginTag, t.secret = "", false
		return line
	case t.secret:
		return mask + eol
	case t.userLen < 0, strings.HasPrefix(body, "+"), strings.HasPrefix(body, "*"):
		return line
	case len(body) < t.userLen:
		return line
	}
	user, rest := body[:t.userLen], strings.TrimSpace(body[t.userLen:])
	if _, ok := literal(rest); ok {
		t.secret = true
		return line
	}
	t.userLen = -1
	return user + " " + mask + eol
}

// literal parses a literal announcement such as {12} or {12+}.
func literal(s string) (int, bool) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(s[1:len(s)-1], "+"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

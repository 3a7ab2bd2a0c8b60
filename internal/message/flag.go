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

package message

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Flag is one of the recognized message flags.
type Flag uint8

const (
	Answered Flag = 1 << iota
	Flagged
	Seen
)

var flagTokens = []struct {
	flag  Flag
	token string
}{
	{Answered, `\Answered`},
	{Flagged, `\Flagged`},
	{Seen, `\Seen`},
}

func (f Flag) String() string {
	for _, ft := range flagTokens {
		if ft.flag == f {
			return ft.token
		}
	}
	return ""
}

// ignoredTokens are known tokens that carry nothing worth keeping
// (spam, phishing and forwarding markers).  They are dropped without
// a warning.
var ignoredTokens = map[string]bool{
	"Junk":       true,
	"NonJunk":    true,
	"$Junk":      true,
	"$NotJunk":   true,
	"$Phishing":  true,
	"$MDNSent":   true,
	"$Forwarded": true,
}

// ParseFlag returns the flag named by token, if it is recognized.
func ParseFlag(token string) (Flag, bool) {
	for _, ft := range flagTokens {
		if ft.token == token {
			return ft.flag, true
		}
	}
	return 0, false
}

// Flags is a set of recognized flags.  The zero value is the empty
// set.
type Flags uint8

func (fs Flags) Has(f Flag) bool {
	return uint8(fs)&uint8(f) != 0
}

func (fs Flags) With(f Flag) Flags {
	return Flags(uint8(fs) | uint8(f))
}

// String returns the flags as space separated tokens in a fixed
// order, the form in which they are persisted.
func (fs Flags) String() string {
	var parts []string
	for _, ft := range flagTokens {
		if fs.Has(ft.flag) {
			parts = append(parts, ft.token)
		}
	}
	return strings.Join(parts, " ")
}

// ParseFlags is the inverse of Flags.String.  Unrecognized tokens are
// dropped.
func ParseFlags(s string) Flags {
	var fs Flags
	for _, tok := range strings.Fields(s) {
		if f, ok := ParseFlag(tok); ok {
			fs = fs.With(f)
		}
	}
	return fs
}

// Vocabulary classifies flag tokens received from a server.  Tokens
// outside the recognized set never cause an error; unknown ones are
// reported to the logger once and counted.
type Vocabulary struct {
	log     zerolog.Logger
	unknown map[string]int
}

// NewVocabulary returns a Vocabulary reporting to the global logger.
func NewVocabulary() *Vocabulary {
	return NewVocabularyWithLogger(log.Logger)
}

func NewVocabularyWithLogger(l zerolog.Logger) *Vocabulary {
	return &Vocabulary{
		log:     l.With().Str("component", "flags").Logger(),
		unknown: make(map[string]int),
	}
}

// Classify returns the flag named by token.
func (v *Vocabulary) Classify(token string) (Flag, bool) {
	if f, ok := ParseFlag(token); ok {
		return f, true
	}
	if ignoredTokens[token] {
		v.log.Debug().Str("token", token).Msg("ignored flag")
		return 0, false
	}
	v.unknown[token]++
	if v.unknown[token] == 1 {
		v.log.Warn().Str("token", token).Msg("unknown flag")
	}
	return 0, false
}

// Filter classifies each token and returns the recognized ones as a
// set.
func (v *Vocabulary) Filter(tokens []string) Flags {
	var fs Flags
	for _, tok := range tokens {
		if f, ok := v.Classify(tok); ok {
			fs = fs.With(f)
		}
	}
	return fs
}

// Unknown returns how many times each unknown token was seen.
func (v *Vocabulary) Unknown() map[string]int {
	out := make(map[string]int, len(v.unknown))
	for k, n := range v.unknown {
		out[k] = n
	}
	return out
}

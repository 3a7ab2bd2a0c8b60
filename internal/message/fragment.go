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
	"fmt"
	"strings"
)

// Kind names one of the attribute kinds a FETCH reply can carry.
type Kind int

const (
	KindUID Kind = iota
	KindModSeq
	KindDate
	KindFlags
	KindEnvelope
	KindRaw

	kindCount
)

var kindNames = [kindCount]string{
	KindUID:      "UID",
	KindModSeq:   "MODSEQ",
	KindDate:     "DATE",
	KindFlags:    "FLAGS",
	KindEnvelope: "ENVELOPE",
	KindRaw:      "RFC822",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// AllKinds returns every kind in declaration order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// KindSet is a set of kinds.
type KindSet uint8

// NewKindSet returns the set holding the given kinds.
func NewKindSet(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

func (s KindSet) With(k Kind) KindSet {
	return s | 1<<uint(k)
}

func (s KindSet) Has(k Kind) bool {
	return s&(1<<uint(k)) != 0
}

// Len returns the number of kinds in the set.
func (s KindSet) Len() int {
	n := 0
	for k := Kind(0); k < kindCount; k++ {
		if s.Has(k) {
			n++
		}
	}
	return n
}

func (s KindSet) String() string {
	var parts []string
	for k := Kind(0); k < kindCount; k++ {
		if s.Has(k) {
			parts = append(parts, k.String())
		}
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Fragment is one typed attribute value of a FETCH reply.  The set of
// implementations is closed: UID, ModSeq, Date, FlagTokens, Envelope
// and Raw.
type Fragment interface {
	Kind() Kind
	fragment()
}

// UID carries the message UID.
type UID uint32

// ModSeq carries the message modification sequence.
type ModSeq uint64

// Date carries an unparsed internal or header date.
type Date string

// FlagTokens carries the flag tokens exactly as the server sent them.
type FlagTokens []string

// Envelope carries the envelope fields relevant to metadata.  Values
// are as received and may hold invalid UTF-8.
type Envelope struct {
	MessageID string
	Date      string
	Subject   string

	// The first sender formatted as "Name <mailbox@host>".
	Sender string
}

// Raw carries the full message content.
type Raw []byte

func (UID) Kind() Kind        { return KindUID }
func (ModSeq) Kind() Kind     { return KindModSeq }
func (Date) Kind() Kind       { return KindDate }
func (FlagTokens) Kind() Kind { return KindFlags }
func (Envelope) Kind() Kind   { return KindEnvelope }
func (Raw) Kind() Kind        { return KindRaw }

func (UID) fragment()        {}
func (ModSeq) fragment()     {}
func (Date) fragment()       {}
func (FlagTokens) fragment() {}
func (Envelope) fragment()   {}
func (Raw) fragment()        {}

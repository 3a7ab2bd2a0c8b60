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

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Metadata defines the metadata assembled for one message out of the
// fragments of a FETCH reply.
type Metadata struct {
	// The message's position in the current session.  Not an
	// identity; it is only meaningful until the session ends.
	Seq uint32

	// The message's UID, stable for one UIDVALIDITY generation of
	// the mailbox.
	UID uint32

	// The mailbox modification sequence at which this record was
	// taken.  A later observation of the same UID with a higher
	// value replaces this one.
	ModSeq uint64

	// Recognized flags.  Unrecognized tokens are dropped.
	Flags Flags

	// Optional envelope and header fields.  The empty string means
	// absent.
	MessageID string
	Subject   string
	Sender    string

	// The normalized send or internal date.  The zero value means
	// the date was absent or could not be parsed.
	Date time.Time

	// The entire message in RFC 2822 form, when it was requested.
	Raw []byte
}

// HasDate reports whether the record carries a normalized date.
func (m *Metadata) HasDate() bool {
	return !m.Date.IsZero()
}

// MailboxStatus defines per-mailbox information returned when a
// mailbox is opened.
type MailboxStatus struct {
	Name string

	// Number of messages currently in the mailbox.
	Exists uint32

	// The UID generation.  UIDs from different generations must
	// not be compared.
	UIDValidity uint32

	UIDNext uint32

	// The mailbox's current highest modification sequence, or 0
	// when the server does not support CONDSTORE.
	HighestModSeq uint64
}

// DateSource selects where the KindDate fragment comes from.
type DateSource int

const (
	// The server's INTERNALDATE for the message.
	DateInternal DateSource = iota

	// The raw Date header line, fetched as a header section.
	DateHeader
)

// Request describes which attributes a fetch asks for.  The kinds in
// Kinds are exactly the countable kinds of the session.
type Request struct {
	Kinds      KindSet
	DateSource DateSource
}

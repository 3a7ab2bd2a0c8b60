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

// Package match pairs mailbox records with stored rows that were
// created without a UID, such as rows imported from an archive.
//
// Rules are tried in priority order: an exact Message-ID match, then a
// composite of send date, subject and sender address.  A record that
// fits more than one row is never matched.
package match

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matta/mailsync/internal/message"

	"github.com/emersion/go-message/mail"
)

const (
	// MaxSubjectLen is the length at which some writers truncate
	// the Subject header.  A subject of exactly this many characters
	// equals any longer subject it is a prefix of.
	MaxSubjectLen = 998

	// ChatSuffix ends the synthetic Message-IDs given to chat
	// transcripts.  They are reused across conversations and never
	// identify a message.
	ChatSuffix = "chat@gmail.com>"
)

// Row is a stored message lacking a UID.  Empty strings and the zero
// time mean absent.
type Row struct {
	ID        int64
	MessageID string
	Date      time.Time
	Subject   string
	Sender    string
}

// Outcome is the result of matching one record.
type Outcome int

const (
	Unmatched Outcome = iota
	Matched
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Unmatched:
		return "unmatched"
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	}
	return "invalid"
}

// Rule names the rule that decided a match.
type Rule int

const (
	NoRule Rule = iota
	ByMessageID
	ByComposite
)

func (r Rule) String() string {
	switch r {
	case NoRule:
		return "none"
	case ByMessageID:
		return "message-id"
	case ByComposite:
		return "composite"
	}
	return "invalid"
}

// Decision is the outcome for one record.  Row is set only when
// Outcome is Matched.  Candidates counts the rows left by the deciding
// rule.
type Decision struct {
	Outcome    Outcome
	Rule       Rule
	Row        Row
	Candidates int
}

// Result pairs a record with its decision.
type Result struct {
	Record   *message.Metadata
	Decision Decision
}

// Match decides which of rows, if any, rec corresponds to.
func Match(rec *message.Metadata, rows []Row) Decision {
	return NewIndex(rows).Match(rec)
}

// Index holds unkeyed rows for repeated matching.
type Index struct {
	rows   map[int64]Row
	byMID  map[string][]int64
	byDate map[int64][]int64
}

// NewIndex indexes rows by Message-ID and by send date.
func NewIndex(rows []Row) *Index {
	x := &Index{
		rows:   make(map[int64]Row, len(rows)),
		byMID:  make(map[string][]int64),
		byDate: make(map[int64][]int64),
	}
	for _, r := range rows {
		x.rows[r.ID] = r
		if mid := usableID(r.MessageID); mid != "" {
			x.byMID[mid] = append(x.byMID[mid], r.ID)
		}
		if !r.Date.IsZero() {
			k := r.Date.Unix()
			x.byDate[k] = append(x.byDate[k], r.ID)
		}
	}
	return x
}

// Len returns the number of rows still indexed.
func (x *Index) Len() int {
	return len(x.rows)
}

// Remove drops the row with the given id, typically after it has been
// keyed.
func (x *Index) Remove(id int64) {
	r, ok := x.rows[id]
	if !ok {
		return
	}
	delete(x.rows, id)
	if mid := usableID(r.MessageID); mid != "" {
		x.byMID[mid] = without(x.byMID[mid], id)
	}
	if !r.Date.IsZero() {
		k := r.Date.Unix()
		x.byDate[k] = without(x.byDate[k], id)
	}
}

// Match decides which indexed row, if any, rec corresponds to.
func (x *Index) Match(rec *message.Metadata) Decision {
	mid := usableID(rec.MessageID)
	if mid != "" {
		ids := x.byMID[mid]
		switch len(ids) {
		case 0:
		case 1:
			return Decision{Outcome: Matched, Rule: ByMessageID, Row: x.rows[ids[0]], Candidates: 1}
		default:
			return decide(ByComposite, narrow(rec, x.lookup(ids)))
		}
	}

	if !rec.HasDate() {
		return Decision{Outcome: Unmatched}
	}
	var pool []Row
	for _, r := range x.lookup(x.byDate[rec.Date.Unix()]) {
		if !r.Date.Equal(rec.Date) {
			continue
		}
		// A row carrying some other real Message-ID is a different
		// message.
		if mid != "" && usableID(r.MessageID) != "" {
			continue
		}
		pool = append(pool, r)
	}
	return decide(ByComposite, narrow(rec, pool))
}

// MatchGroup matches records that share a send date.  When two records
// match the same row, both are reported Ambiguous.  The index is not
// modified.
func (x *Index) MatchGroup(recs []*message.Metadata) []Result {
	results := make([]Result, len(recs))
	claims := make(map[int64]int)
	for i, rec := range recs {
		d := x.Match(rec)
		results[i] = Result{Record: rec, Decision: d}
		if d.Outcome == Matched {
			claims[d.Row.ID]++
		}
	}
	for i := range results {
		d := &results[i].Decision
		if d.Outcome == Matched && claims[d.Row.ID] > 1 {
			d.Outcome = Ambiguous
			d.Candidates = claims[d.Row.ID]
			d.Row = Row{}
		}
	}
	return results
}

func (x *Index) lookup(ids []int64) []Row {
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, x.rows[id])
	}
	return rows
}

func decide(rule Rule, candidates []Row) Decision {
	switch len(candidates) {
	case 0:
		return Decision{Outcome: Unmatched}
	case 1:
		return Decision{Outcome: Matched, Rule: rule, Row: candidates[0], Candidates: 1}
	}
	return Decision{Outcome: Ambiguous, Rule: rule, Candidates: len(candidates)}
}

// narrow keeps the rows not contradicted by rec.  A value absent on
// either side never eliminates a row.
func narrow(rec *message.Metadata, rows []Row) []Row {
	var out []Row
	for _, r := range rows {
		if rec.HasDate() && !r.Date.IsZero() && !r.Date.Equal(rec.Date) {
			continue
		}
		if rec.Subject != "" && r.Subject != "" && !SubjectsEqual(rec.Subject, r.Subject) {
			continue
		}
		if !sendersEqual(rec.Sender, r.Sender) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func usableID(mid string) string {
	mid = strings.TrimSpace(mid)
	if strings.HasSuffix(mid, ChatSuffix) {
		return ""
	}
	return mid
}

// SubjectsEqual reports whether a and b are the same subject, allowing
// for one of them having been truncated to MaxSubjectLen characters.
func SubjectsEqual(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return utf8.RuneCountInString(a) == MaxSubjectLen && strings.HasPrefix(b, a)
}

func sendersEqual(a, b string) bool {
	aa, ba := Address(a), Address(b)
	if aa == "" || ba == "" {
		return true
	}
	return aa == ba
}

// Address extracts the lower cased mailbox address from a sender in
// "Name <mailbox@host>" or bare "mailbox@host" form.  It returns the
// empty string when s holds no address.
func Address(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if a, err := mail.ParseAddress(s); err == nil && a.Address != "" {
		return strings.ToLower(a.Address)
	}
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		rest := s[i+1:]
		if j := strings.IndexByte(rest, '>'); j >= 0 {
			rest = rest[:j]
		}
		return strings.ToLower(strings.TrimSpace(rest))
	}
	if !strings.Contains(s, "@") {
		return ""
	}
	return strings.ToLower(strings.Trim(s, `"' `))
}

func without(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

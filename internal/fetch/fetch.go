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

// Package fetch assembles message metadata out of the fragments of a
// pipelined FETCH reply.
//
// A server may answer one FETCH with several untagged responses per
// message, and responses for different messages may interleave.  The
// only thing tying fragments together is the sequence number, which is
// valid for a single session.  A Correlator buffers fragments per
// sequence number until every requested kind has arrived, then emits
// one message.Metadata and forgets the buffer.
package fetch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matta/mailsync/internal/date"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minKinds = 3
	maxKinds = 5
)

// MalformedError reports a completed reply lacking a mandatory
// attribute.  It is fatal for that message only.
type MalformedError struct {
	Seq     uint32
	Missing []message.Kind
}

func (e *MalformedError) Error() string {
	names := make([]string, len(e.Missing))
	for i, k := range e.Missing {
		names[i] = k.String()
	}
	return fmt.Sprintf("malformed FETCH reply for message %d: missing %s", e.Seq, strings.Join(names, ", "))
}

// Stats counts what a Correlator has seen.
type Stats struct {
	Completed int
	Malformed int

	// Fragments that arrived for an already completed message, or
	// repeated a kind already buffered.
	Anomalies int

	// Messages dropped by Close before completing.
	Discarded int
}

// partial holds the fragments received so far for one message.
type partial struct {
	received message.KindSet
	frags    []message.Fragment
}

// Correlator turns a stream of (sequence number, fragment) pairs into
// completed records.  It is owned by one session and is not safe for
// concurrent use.
type Correlator struct {
	kinds    message.KindSet
	total    int
	inflight map[uint32]*partial
	done     map[uint32]struct{}
	vocab    *message.Vocabulary
	log      zerolog.Logger
	stats    Stats
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger used for anomalies and diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Correlator) {
		c.log = l
	}
}

// WithVocabulary sets the flag vocabulary.
func WithVocabulary(v *message.Vocabulary) Option {
	return func(c *Correlator) {
		c.vocab = v
	}
}

// New returns a Correlator expecting exactly the kinds in kinds for
// every message.  kinds must hold between three and five kinds.  A
// session that leaves out KindUID or KindModSeq gets a MalformedError
// for every message.
func New(kinds message.KindSet, opts ...Option) (*Correlator, error) {
	n := kinds.Len()
	if n < minKinds || n > maxKinds {
		return nil, errors.Errorf("fetch: %d countable kinds %v, want %d to %d", n, kinds, minKinds, maxKinds)
	}
	c := &Correlator{
		kinds:    kinds,
		total:    n,
		inflight: make(map[uint32]*partial),
		done:     make(map[uint32]struct{}),
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "fetch").Logger()
	if c.vocab == nil {
		c.vocab = message.NewVocabularyWithLogger(c.log)
	}
	return c, nil
}

// Push adds one fragment for message seq.  When the fragment completes
// the message, the assembled record is returned and the message's
// buffer is released.  A *MalformedError is returned instead when the
// completed message lacks its UID or MODSEQ.  Otherwise Push returns
// nil, nil.
func (c *Correlator) Push(seq uint32, f message.Fragment) (*message.Metadata, error) {
	if _, ok := c.done[seq]; ok {
		c.stats.Anomalies++
		c.log.Warn().Uint32("seq", seq).Stringer("kind", f.Kind()).
			Msg("fragment for completed message ignored")
		return nil, nil
	}

	p, ok := c.inflight[seq]
	if !ok {
		p = &partial{}
		c.inflight[seq] = p
	}

	k := f.Kind()
	if c.kinds.Has(k) {
		if p.received.Has(k) {
			c.stats.Anomalies++
			c.log.Warn().Uint32("seq", seq).Stringer("kind", k).
				Msg("repeated fragment replaces earlier value")
		}
		p.received = p.received.With(k)
	}
	p.frags = append(p.frags, f)

	if p.received.Len() < c.total {
		return nil, nil
	}

	delete(c.inflight, seq)
	c.done[seq] = struct{}{}

	meta, err := c.assemble(seq, p.frags)
	if err != nil {
		c.stats.Malformed++
		return nil, err
	}
	c.stats.Completed++
	return meta, nil
}

// Pending returns the number of messages with buffered fragments.
func (c *Correlator) Pending() int {
	return len(c.inflight)
}

// Stats returns the counters accumulated so far.
func (c *Correlator) Stats() Stats {
	return c.stats
}

// Close discards every incomplete message and returns their sequence
// numbers in ascending order.  Discarded messages are never emitted.
func (c *Correlator) Close() []uint32 {
	if len(c.inflight) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(c.inflight))
	for seq := range c.inflight {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	c.inflight = make(map[uint32]*partial)
	c.stats.Discarded += len(seqs)
	c.log.Debug().Int("count", len(seqs)).Msg("discarded incomplete messages")
	return seqs
}

// assemble extracts the record fields from the buffered fragments.
// Later fragments of a kind override earlier ones.
func (c *Correlator) assemble(seq uint32, frags []message.Fragment) (*message.Metadata, error) {
	meta := &message.Metadata{Seq: seq}
	var (
		have    message.KindSet
		rawDate string
		envDate string
	)
	for _, f := range frags {
		have = have.With(f.Kind())
		switch f.Kind() {
		case message.KindUID:
			meta.UID = uint32(f.(message.UID))
		case message.KindModSeq:
			meta.ModSeq = uint64(f.(message.ModSeq))
		case message.KindDate:
			rawDate = string(f.(message.Date))
		case message.KindFlags:
			meta.Flags = c.vocab.Filter(f.(message.FlagTokens))
		case message.KindEnvelope:
			env := f.(message.Envelope)
			meta.MessageID = strings.ToValidUTF8(env.MessageID, "\uFFFD")
			meta.Subject = strings.ToValidUTF8(env.Subject, "\uFFFD")
			meta.Sender = strings.ToValidUTF8(env.Sender, "\uFFFD")
			envDate = env.Date
		case message.KindRaw:
			meta.Raw = []byte(f.(message.Raw))
		}
	}

	var missing []message.Kind
	for _, k := range []message.Kind{message.KindUID, message.KindModSeq} {
		if !have.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, &MalformedError{Seq: seq, Missing: missing}
	}

	c.setDate(meta, rawDate, envDate)
	return meta, nil
}

// setDate normalizes the date fragment, falling back to the envelope
// date.  A date that cannot be parsed is left absent.
func (c *Correlator) setDate(meta *message.Metadata, rawDate, envDate string) {
	for _, raw := range []string{rawDate, envDate} {
		if raw == "" {
			continue
		}
		if t, ok := date.Normalize(raw); ok {
			meta.Date = t
			return
		}
		c.log.Debug().Uint32("uid", meta.UID).Str("date", raw).Msg("unparsable date")
	}
}

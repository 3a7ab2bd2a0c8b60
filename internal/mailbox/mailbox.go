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

// Package mailbox reads message attributes from an IMAP mailbox.
//
// Every attribute of every FETCH reply is handed to the caller as a
// (sequence number, message.Fragment) pair in arrival order; putting
// the fragments of one message back together is left to
// fetch.Correlator.
package mailbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"mime"

	"github.com/matta/mailsync/internal/message"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultBatchSize = 500

	// Commands per second.
	defaultRate  = 10
	defaultBurst = 4

	// Layout of INTERNALDATE and envelope dates handed to the
	// normalizer.
	dateLayout = "2 Jan 2006 15:04:05 -0700"
)

// Authenticator logs a client in.
type Authenticator interface {
	Authenticate(c *imapclient.Client) error
}

type Config struct {
	// host:port of an IMAPS server.
	Server string

	// Messages per FETCH command.
	BatchSize int

	Rate  rate.Limit
	Burst int

	// Receives the raw protocol exchange when set.
	Trace io.Writer

	TLSConfig *tls.Config
	Logger    *zerolog.Logger
}

// ErrNoMailbox is returned by a fetch issued before Examine.
var ErrNoMailbox = errors.New("no mailbox examined")

// Service provides read only access to the mailboxes of one account.
type Service struct {
	client  *imapclient.Client
	limiter *rate.Limiter
	batch   uint32
	log     zerolog.Logger

	// Mailbox opened by the last Examine; fetches address it.
	current string
}

// Dial connects to cfg.Server over TLS and authenticates with a.
func Dial(ctx context.Context, cfg Config, a Authenticator) (*Service, error) {
	opts := &imapclient.Options{
		DebugWriter: cfg.Trace,
		TLSConfig:   cfg.TLSConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
	client, err := imapclient.DialTLS(cfg.Server, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Server)
	}
	s := newService(client, cfg)
	if err := s.wait(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if err := a.Authenticate(client); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "authenticating to %s", cfg.Server)
	}
	s.log.Info().Str("server", cfg.Server).Msg("connected")
	return s, nil
}

func newService(client *imapclient.Client, cfg Config) *Service {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	r, burst := cfg.Rate, cfg.Burst
	if r <= 0 {
		r = defaultRate
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Service{
		client:  client,
		limiter: rate.NewLimiter(r, burst),
		batch:   uint32(batch),
		log:     l.With().Str("component", "mailbox").Logger(),
	}
}

// Close logs out and closes the connection.
func (s *Service) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("logout failed")
	}
	return s.client.Close()
}

func (s *Service) wait(ctx context.Context) error {
	return errors.Wrap(s.limiter.Wait(ctx), "waiting for rate limiter")
}

// Examine opens name read only, enabling CONDSTORE so that replies
// carry MODSEQ.
func (s *Service) Examine(ctx context.Context, name string) (*message.MailboxStatus, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true, CondStore: true}).Wait()
	if err != nil {
		return nil, errors.Wrapf(err, "examining %q", name)
	}
	s.current = name
	st := &message.MailboxStatus{
		Name:          name,
		Exists:        data.NumMessages,
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		HighestModSeq: data.HighestModSeq,
	}
	s.log.Info().Str("mailbox", name).Uint32("exists", st.Exists).
		Uint32("uid_validity", st.UIDValidity).Uint64("highest_mod_seq", st.HighestModSeq).
		Msg("examined mailbox")
	return st, nil
}

// FetchSeqRange fetches the messages with sequence numbers start
// through stop, in batches.  handler receives every fragment of every
// reply; returning an error stops the fetch.
func (s *Service) FetchSeqRange(ctx context.Context, start, stop uint32, req message.Request, handler func(seq uint32, f message.Fragment) error) error {
	if s.current == "" {
		return ErrNoMailbox
	}
	if start == 0 || stop < start {
		return nil
	}
	opts := fetchOptions(req)
	for lo := start; lo <= stop; {
		hi := stop
		if stop-lo >= s.batch {
			hi = lo + s.batch - 1
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
		s.log.Debug().Uint32("from", lo).Uint32("to", hi).Msg("fetching batch")
		if err := s.fetch(ctx, imap.SeqSet{imap.SeqRange{Start: lo, Stop: hi}}, opts, handler); err != nil {
			return errors.Wrapf(err, "fetching messages %d:%d of %q", lo, hi, s.current)
		}
		if hi == stop {
			break
		}
		lo = hi + 1
	}
	return nil
}

// FetchUIDsFrom fetches every message with a UID of at least uid.  The
// server may also answer with the highest existing message when none
// qualifies; callers must check the UIDs they receive.
func (s *Service) FetchUIDsFrom(ctx context.Context, uid uint32, req message.Request, handler func(seq uint32, f message.Fragment) error) error {
	if s.current == "" {
		return ErrNoMailbox
	}
	if uid == 0 {
		uid = 1
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	set := imap.UIDSet{imap.UIDRange{Start: imap.UID(uid), Stop: 0}}
	if err := s.fetch(ctx, set, fetchOptions(req), handler); err != nil {
		return errors.Wrapf(err, "fetching UIDs %d:*", uid)
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, set imap.NumSet, opts *imap.FetchOptions, handler func(seq uint32, f message.Fragment) error) error {
	cmd := s.client.Fetch(set, opts)
	err := s.drain(ctx, cmd, handler)
	// Close consumes whatever remains of the reply.
	if cerr := cmd.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Service) drain(ctx context.Context, cmd *imapclient.FetchCommand, handler func(seq uint32, f message.Fragment) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := cmd.Next()
		if msg == nil {
			return nil
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			frag, err := fragmentOf(item)
			if err != nil {
				return errors.Wrapf(err, "message %d", msg.SeqNum)
			}
			if frag == nil {
				s.log.Debug().Uint32("seq", msg.SeqNum).Msgf("ignoring %T", item)
				continue
			}
			if err := handler(msg.SeqNum, frag); err != nil {
				return err
			}
		}
	}
}

// fetchOptions returns the FETCH items producing exactly the kinds of
// req.
func fetchOptions(req message.Request) *imap.FetchOptions {
	opts := &imap.FetchOptions{
		UID:      req.Kinds.Has(message.KindUID),
		ModSeq:   req.Kinds.Has(message.KindModSeq),
		Flags:    req.Kinds.Has(message.KindFlags),
		Envelope: req.Kinds.Has(message.KindEnvelope),
	}
	if req.Kinds.Has(message.KindDate) {
		switch req.DateSource {
		case message.DateInternal:
			opts.InternalDate = true
		case message.DateHeader:
			opts.BodySection = append(opts.BodySection, &imap.FetchItemBodySection{
				Specifier:    imap.PartSpecifierHeader,
				HeaderFields: []string{"Date"},
				Peek:         true,
			})
		}
	}
	if req.Kinds.Has(message.KindRaw) {
		opts.BodySection = append(opts.BodySection, &imap.FetchItemBodySection{Peek: true})
	}
	return opts
}

// fragmentOf converts one FETCH item.  Items of no interest yield a
// nil fragment.
func fragmentOf(item imapclient.FetchItemData) (message.Fragment, error) {
	switch item := item.(type) {
	case imapclient.FetchItemDataUID:
		return message.UID(item.UID), nil
	case imapclient.FetchItemDataModSeq:
		return message.ModSeq(item.ModSeq), nil
	case imapclient.FetchItemDataFlags:
		tokens := make(message.FlagTokens, len(item.Flags))
		for i, f := range item.Flags {
			tokens[i] = string(f)
		}
		return tokens, nil
	case imapclient.FetchItemDataInternalDate:
		if item.Time.IsZero() {
			return message.Date(""), nil
		}
		return message.Date(item.Time.Format(dateLayout)), nil
	case imapclient.FetchItemDataEnvelope:
		return envelopeOf(item.Envelope), nil
	case imapclient.FetchItemDataBodySection:
		var b []byte
		if item.Literal != nil {
			var err error
			b, err = io.ReadAll(item.Literal)
			if err != nil {
				return nil, errors.Wrap(err, "reading body section")
			}
		}
		if item.Section != nil && item.Section.Specifier == imap.PartSpecifierHeader {
			return message.Date(headerDate(b)), nil
		}
		return message.Raw(b), nil
	}
	return nil, nil
}

func envelopeOf(env *imap.Envelope) message.Envelope {
	if env == nil {
		return message.Envelope{}
	}
	e := message.Envelope{
		MessageID: bracketID(env.MessageID),
		Subject:   env.Subject,
	}
	if !env.Date.IsZero() {
		e.Date = env.Date.Format(dateLayout)
	}
	from := env.From
	if len(from) == 0 {
		from = env.Sender
	}
	if len(from) > 0 {
		e.Sender = formatAddress(from[0])
	}
	return e
}

func bracketID(id string) string {
	if id == "" || id[0] == '<' {
		return id
	}
	return "<" + id + ">"
}

// formatAddress returns "Name <mailbox@host>", or the bare address
// when there is no name.
func formatAddress(a imap.Address) string {
	addr := a.Addr()
	switch {
	case a.Name == "":
		return addr
	case addr == "":
		return a.Name
	}
	return a.Name + " <" + addr + ">"
}

// headerDate returns the Date field of a header block, or "".
func headerDate(b []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(b)))
	if err != nil && h.Len() == 0 {
		return ""
	}
	return h.Get("Date")
}

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

package sync

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/matta/mailsync/internal/message"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// fillFromHeader sets the subject, Message-ID and sender of meta from
// the header of its raw content, keeping fields already set.
func fillFromHeader(meta *message.Metadata) error {
	if len(meta.Raw) == 0 {
		return nil
	}
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(meta.Raw)))
	if err != nil {
		return errors.Wrapf(err, "reading header of uid %d", meta.UID)
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}

	if meta.Subject == "" {
		s, err := h.Subject()
		if err != nil {
			s = h.Get("Subject")
		}
		meta.Subject = clean(s)
	}
	if meta.MessageID == "" {
		if id, err := h.MessageID(); err == nil && id != "" {
			meta.MessageID = "<" + id + ">"
		} else {
			meta.MessageID = clean(h.Get("Message-Id"))
		}
	}
	if meta.Sender == "" {
		meta.Sender = clean(sender(h))
	}
	return nil
}

func sender(h mail.Header) string {
	for _, key := range []string{"From", "Sender"} {
		addrs, err := h.AddressList(key)
		if err != nil || len(addrs) == 0 {
			if v := h.Get(key); v != "" {
				return v
			}
			continue
		}
		a := addrs[0]
		if a.Name == "" {
			return a.Address
		}
		return a.Name + " <" + a.Address + ">"
	}
	return ""
}

func clean(s string) string {
	return strings.ToValidUTF8(strings.TrimSpace(s), "�")
}

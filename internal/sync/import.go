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
	"context"
	"os"
	"path/filepath"

	"github.com/matta/mailsync/internal/persist"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// Import adds one unkeyed message row per message file in paths.  The
// row references the file by its absolute path.  Unreadable files are
// logged and counted as write errors.
func Import(ctx context.Context, db *persist.DB, paths []string) (*Stats, error) {
	stats, l := newSession("")
	err := db.Update(ctx, func(tx *persist.Tx) error {
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.Records++
			a, err := readArchived(p)
			if err != nil {
				stats.WriteErrors++
				l.Error().Err(err).Str("path", p).Msg("skipping file")
				continue
			}
			if _, err := tx.InsertArchived(ctx, a); err != nil {
				return err
			}
			stats.Written++
		}
		return nil
	})
	if err != nil {
		return stats, errors.Wrap(err, "import failed")
	}
	l.Info().EmbedObject(stats).Msg("import done")
	return stats, nil
}

func readArchived(path string) (*persist.Archived, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	th, err := textproto.ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading header of %s", path)
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}
	a := &persist.Archived{
		DateHeader: clean(h.Get("Date")),
		Sender:     clean(sender(h)),
		RawRef:     abs,
	}
	if s, err := h.Subject(); err == nil {
		a.Subject = clean(s)
	} else {
		a.Subject = clean(h.Get("Subject"))
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		a.MessageID = "<" + id + ">"
	}
	return a, nil
}

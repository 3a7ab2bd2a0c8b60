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

// This file declares what the sync pipeline needs from the mail
// server and from raw message storage.

import (
	"context"

	"github.com/matta/mailsync/internal/message"
)

// MailboxExaminer opens a mailbox read only.
type MailboxExaminer interface {
	Examine(ctx context.Context, name string) (*message.MailboxStatus, error)
}

// FragmentFetcher delivers the FETCH reply fragments of a range of
// messages, in arrival order, to handler.
type FragmentFetcher interface {
	FetchSeqRange(ctx context.Context, start, stop uint32, req message.Request, handler func(seq uint32, f message.Fragment) error) error
	FetchUIDsFrom(ctx context.Context, uid uint32, req message.Request, handler func(seq uint32, f message.Fragment) error) error
}

// FragmentSource provides everything the pipeline reads from a mail
// server.
type FragmentSource interface {
	MailboxExaminer
	FragmentFetcher
}

// RawStore keeps the full content of synced messages.
type RawStore interface {
	Put(scope string, uid uint32, raw []byte) (ref string, err error)
}

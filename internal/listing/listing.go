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

// Package listing formats pulled message metadata for the terminal.
package listing

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/matta/mailsync/internal/message"

	"github.com/charmbracelet/lipgloss"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

const (
	senderWidth = 24
	dateWidth   = 10

	recentWindow = 24 * time.Hour
	yearWindow   = 26 * 7 * 24 * time.Hour
)

var (
	unreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Width(senderWidth)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(dateWidth).
			Align(lipgloss.Right)

	subjectStyle = lipgloss.NewStyle()
)

// Line is one formatted row.
type Line struct {
	Unread  bool
	Sender  string
	Date    string
	Subject string
}

// Format builds the row for m as seen at now.
func Format(m *message.Metadata, now time.Time) Line {
	return Line{
		Unread:  !m.Flags.Has(message.Seen),
		Sender:  truncate(DisplayName(m.Sender), senderWidth-1),
		Date:    RelativeDate(m.Date, now),
		Subject: StripReply(m.Subject),
	}
}

// DisplayName returns the display name of a sender, or its address
// when there is no name.
func DisplayName(sender string) string {
	sender = strings.TrimSpace(sender)
	a, err := mail.ParseAddress(sender)
	if err != nil {
		return sender
	}
	if a.Name != "" {
		return a.Name
	}
	return a.Address
}

// RelativeDate renders t as a time of day when it is less than a day
// before now, as a month and day when it is less than 26 weeks before,
// and as a full date otherwise.
func RelativeDate(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	switch age := now.Sub(t); {
	case age < recentWindow:
		return t.Format("15:04")
	case age < yearWindow:
		return t.Format("Jan _2")
	}
	return t.Format("2006-01-02")
}

// StripReply removes leading "Re: " prefixes.
func StripReply(s string) string {
	for len(s) >= 4 && strings.EqualFold(s[:4], "re: ") {
		s = strings.TrimLeft(s[4:], " ")
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// Render renders l as one styled line.
func (l Line) Render() string {
	mark := " "
	subject := subjectStyle.Render(l.Subject)
	if l.Unread {
		mark = unreadStyle.Render("*")
		subject = unreadStyle.Render(l.Subject)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		mark+" ",
		senderStyle.Render(l.Sender),
		dateStyle.Render(l.Date),
		"  ",
		subject,
	)
}

// Write writes one line per record to w.
func Write(w io.Writer, recs []*message.Metadata, now time.Time) error {
	for _, m := range recs {
		if _, err := fmt.Fprintln(w, Format(m, now).Render()); err != nil {
			return errors.Wrap(err, "writing listing")
		}
	}
	return nil
}

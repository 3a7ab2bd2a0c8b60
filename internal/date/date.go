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

// Package date turns the free form dates found in message headers
// into timestamps.
//
// Header dates in the wild violate RFC 5322 in many ways.  Normalize
// rewrites the input into one of a few layouts before parsing, using
// the ordered tables Rules and Zones.  New malformations are handled
// by appending to those tables.
package date

import (
	"strings"
	"time"
)

// Rule is a literal substring correction.
type Rule struct {
	Old string
	New string
}

// Rules are applied in order, each replacing every occurrence.
var Rules = []Rule{
	{"GMT+00:00", "+0000"},
	{"-0060", "-0100"},
	{"-05-30", "-0530"},
	{" t0100", " +0100"},
}

// Zone maps a zone token to a numeric offset.  When Context is set the
// mapping only applies if Context also appears in the input.
type Zone struct {
	Token   string
	Context string
	Offset  string
}

// Zones are tried in order against the zone token; the first match
// wins.
var Zones = []Zone{
	{Token: "CET", Offset: "+0100"},
	{Token: "UT", Offset: "+0000"},
	{Token: "GMT", Offset: "+0000"},
	{Token: "UTC", Offset: "+0000"},
	{Token: "CEST", Offset: "+0200"},
	{Token: "CST", Offset: "-0600"},
	{Token: "PDT", Offset: "-0700"},
	{Token: "PST", Offset: "-0800"},
	{Token: "EST", Offset: "-0500"},
	{Token: "Pacific", Context: "Pacific Standard Time", Offset: "-0800"},
	{Token: "%z", Context: "(PDT)", Offset: "-0700"},
}

// Layouts are the candidate layouts, tried in order.
var Layouts = []string{
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04 -0700",
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04",
	"Jan 2 15:04:05 -0700 2006",
}

// weekdays lists the day names stripped when they lead the input
// without a comma.
var weekdays = []string{"Mon ", "Tue ", "Wed ", "Thu ", "Fri ", "Sat ", "Sun "}

const (
	maxTokens   = 5
	defaultZone = "+0000"
)

// Normalize parses raw into a timestamp carrying the offset given in
// the input.  It reports false when no layout matches.
func Normalize(raw string) (time.Time, bool) {
	s := Rewrite(raw)
	for _, layout := range Layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Rewrite returns raw rewritten into the space separated form that
// Normalize parses.
func Rewrite(raw string) string {
	s := stripWeekday(raw)
	for _, r := range Rules {
		s = strings.ReplaceAll(s, r.Old, r.New)
	}

	tokens := strings.Fields(s)
	if len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	if len(tokens) > 3 && strings.Contains(tokens[3], ".") {
		tokens[3] = strings.ReplaceAll(tokens[3], ".", ":")
	}

	switch {
	case len(tokens) == maxTokens:
		if off, ok := zoneOffset(tokens[4], raw, s); ok {
			tokens[4] = off
		}
	case len(tokens) == 4 && tokens[3] == "UTC":
		tokens[3] = defaultZone
	}

	if len(tokens) < maxTokens {
		tokens = append(tokens, defaultZone)
	}
	return strings.Join(tokens, " ")
}

func stripWeekday(s string) string {
	switch {
	case len(s) >= 5 && s[3:5] == ", ":
		return strings.TrimSpace(s[5:])
	case strings.HasPrefix(s, ", "):
		return strings.TrimSpace(s[2:])
	}
	for _, day := range weekdays {
		if strings.HasPrefix(s, day) {
			return strings.TrimSpace(s[len(day):])
		}
	}
	return s
}

// zoneOffset looks tok up in Zones.  Context is matched against both
// the original input and its corrected form.
func zoneOffset(tok, orig, corrected string) (string, bool) {
	for _, z := range Zones {
		if z.Token != tok {
			continue
		}
		if z.Context != "" && !strings.Contains(orig, z.Context) && !strings.Contains(corrected, z.Context) {
			continue
		}
		return z.Offset, true
	}
	return "", false
}

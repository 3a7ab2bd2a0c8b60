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

package date

import (
	"testing"
	"time"
)

func zone(offset int) *time.Location {
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", offset)
}

func TestNormalize(t *testing.T) {
	const hour = 3600
	cases := []struct {
		in     string
		want   time.Time
		offset int
	}{
		{"Wed, 4 Jul 2001 12:00:00 GMT", time.Date(2001, 7, 4, 12, 0, 0, 0, time.UTC), 0},
		{"4 Jul 2001 12:00 CET", time.Date(2001, 7, 4, 12, 0, 0, 0, zone(hour)), hour},
		{"Sun 1 Apr 2012 09:30:15 +0200", time.Date(2012, 4, 1, 9, 30, 15, 0, zone(2*hour)), 2 * hour},
		{", 1 Apr 2012 09:30:15 +0200", time.Date(2012, 4, 1, 9, 30, 15, 0, zone(2*hour)), 2 * hour},
		{"Tue, 03 Mar 2009  08:01:02   -0500", time.Date(2009, 3, 3, 8, 1, 2, 0, zone(-5*hour)), -5 * hour},
		{"Fri, 7 Jan 2011 10:00:00 GMT+00:00", time.Date(2011, 1, 7, 10, 0, 0, 0, time.UTC), 0},
		{"7 Jan 2011 10:00:00 -0060", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-hour)), -hour},
		{"7 Jan 2011 10:00:00 -05-30", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-(5*hour + 30*60))), -(5*hour + 30*60)},
		{"7 Jan 2011 10:00:00 t0100", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(hour)), hour},
		{"7 Jan 2011 10.11.12 +0000", time.Date(2011, 1, 7, 10, 11, 12, 0, time.UTC), 0},
		{"7 Jan 2011 10:00:00 CEST", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(2*hour)), 2 * hour},
		{"7 Jan 2011 10:00:00 CST", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-6*hour)), -6 * hour},
		{"7 Jan 2011 10:00:00 PDT", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-7*hour)), -7 * hour},
		{"7 Jan 2011 10:00:00 PST", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-8*hour)), -8 * hour},
		{"7 Jan 2011 10:00:00 EST", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-5*hour)), -5 * hour},
		{"7 Jan 2011 10:00:00 UT", time.Date(2011, 1, 7, 10, 0, 0, 0, time.UTC), 0},
		{"7 Jan 2011 10:00:00 Pacific Standard Time", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-8*hour)), -8 * hour},
		{"7 Jan 2011 10:00:00 %z (PDT)", time.Date(2011, 1, 7, 10, 0, 0, 0, zone(-7*hour)), -7 * hour},
		{"Mon, 2 Jul 2001 12:00:00 -0700 (PDT)", time.Date(2001, 7, 2, 12, 0, 0, 0, zone(-7*hour)), -7 * hour},
		{"7 Jan 2011 10:00:00", time.Date(2011, 1, 7, 10, 0, 0, 0, time.UTC), 0},
		{"Wed Jul  4 12:00:00 +0000 2001", time.Date(2001, 7, 4, 12, 0, 0, 0, time.UTC), 0},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if !ok {
			t.Errorf("Normalize(%q) failed; rewritten as %q", tc.in, Rewrite(tc.in))
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("Normalize(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if _, off := got.Zone(); off != tc.offset {
			t.Errorf("Normalize(%q) offset = %d, want %d", tc.in, off, tc.offset)
		}
	}
}

func TestNormalizeFailure(t *testing.T) {
	for _, in := range []string{
		"",
		"garbage",
		"Wed",
		", ",
		"32 Foo 2001 99:99:99 +0000",
		"7 Jan 2011 10:00:00 Pacific Daylight Time",
		"\xff\xfe\xfd, 1 2 3 4 5 6",
	} {
		if got, ok := Normalize(in); ok {
			t.Errorf("Normalize(%q) = %v, true, want failure", in, got)
		}
	}
}

func TestRewrite(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Wed, 4 Jul 2001 12:00:00 GMT", "4 Jul 2001 12:00:00 +0000"},
		{"4 Jul 2001 12:00", "4 Jul 2001 12:00 +0000"},
		{"4 Jul 2001 UTC", "4 Jul 2001 +0000 +0000"},
		{"Sat  4 Jul 2001 1.2.3 EST extra words", "4 Jul 2001 1:2:3 -0500"},
		{"4 Jul 2001 12:00:00 Pacific Daylight Time", "4 Jul 2001 12:00:00 Pacific"},
	}
	for _, tc := range cases {
		if got := Rewrite(tc.in); got != tc.want {
			t.Errorf("Rewrite(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

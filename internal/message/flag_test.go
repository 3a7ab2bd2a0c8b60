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

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		token  string
		want   Flag
		wantOk bool
	}{
		{`\Seen`, Seen, true},
		{`\Answered`, Answered, true},
		{`\Flagged`, Flagged, true},
		{`\Deleted`, 0, false},
		{"Junk", 0, false},
		{"$Phishing", 0, false},
		{"$Forwarded", 0, false},
		{"seen", 0, false},
		{"", 0, false},
	}
	v := NewVocabularyWithLogger(zerolog.Nop())
	for _, tc := range cases {
		got, ok := v.Classify(tc.token)
		if got != tc.want || ok != tc.wantOk {
			t.Errorf("Classify(%q) = %v, %v, want %v, %v", tc.token, got, ok, tc.want, tc.wantOk)
		}
	}
}

func TestClassifyDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	v := NewVocabularyWithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	for _, tok := range []string{"Junk", "$Custom", "$Custom", `\Seen`} {
		v.Classify(tok)
	}

	want := map[string]int{"$Custom": 2}
	if diff := cmp.Diff(want, v.Unknown()); diff != "" {
		t.Errorf("Unknown() mismatch (-want +got):\n%s", diff)
	}

	out := buf.String()
	if got := strings.Count(out, `"unknown flag"`); got != 1 {
		t.Errorf("logged %d unknown flag warnings, want 1:\n%s", got, out)
	}
	if !strings.Contains(out, `"token":"Junk"`) {
		t.Errorf("no diagnostic for ignored token Junk:\n%s", out)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	v := NewVocabularyWithLogger(zerolog.Nop())
	fs := v.Filter([]string{`\Seen`, "NonJunk", `\Answered`, `\Seen`})
	if got, want := fs.String(), `\Answered \Seen`; got != want {
		t.Errorf("Filter(...).String() = %q, want %q", got, want)
	}
	if fs.Has(Flagged) {
		t.Errorf("Filter(...).Has(Flagged) = true, want false")
	}
	if got := ParseFlags(fs.String()); got != fs {
		t.Errorf("ParseFlags(%q) = %v, want %v", fs.String(), got, fs)
	}
}

func TestKindSet(t *testing.T) {
	s := NewKindSet(KindUID, KindModSeq, KindEnvelope)
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
	if !s.Has(KindEnvelope) || s.Has(KindRaw) {
		t.Errorf("Has mismatch for %v", s)
	}
	if got, want := s.String(), "(UID MODSEQ ENVELOPE)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := len(AllKinds()); got != int(kindCount) {
		t.Errorf("len(AllKinds()) = %d, want %d", got, kindCount)
	}
}

package main

import (
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer line of text", 10, "a longe..."},
		{"line\nbreaks\nflatten", 40, "line breaks flatten"},
		{"ünïcödé cöntent böund för a chännel", 10, "ünïcödé..."},
		{"改行しない長い日本語の投稿本文です", 8, "改行しない..."},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8 %q", tc.in, tc.n, got)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"2026-09-01T15:04:00Z", "2026-09-01 15:04:05", "2026-09-01 15:04"} {
		got, err := parseTime(s)
		if err != nil {
			t.Errorf("parseTime(%q): %v", s, err)
			continue
		}
		if got.Year() != 2026 || got.Month() != time.September || got.Hour() != 15 {
			t.Errorf("parseTime(%q) = %v", s, got)
		}
	}
	if _, err := parseTime("tomorrow-ish"); err == nil {
		t.Error("garbage time accepted")
	}
}

// internal/metar/fetch_test.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package metar

import "testing"

func TestParseFetchedLinesSingleLine(t *testing.T) {
	m := parseFetchedLines([]string{"KJFK 291951Z 18012KT 10SM CLR 22/15 A3001"})
	if m.StationID != "KJFK" {
		t.Errorf("StationID = %q, want KJFK", m.StationID)
	}
}

func TestParseFetchedLinesWithDatetimeHeader(t *testing.T) {
	m := parseFetchedLines([]string{
		"2024/03/15 19:51",
		"KJFK 151951Z 18012KT 10SM CLR 22/15 A3001",
	})
	if m.StationID != "KJFK" {
		t.Errorf("StationID = %q, want KJFK", m.StationID)
	}
	if m.Time.Year() != 2024 || m.Time.Month() != 3 {
		t.Errorf("Time = %v, want year 2024 month 3", m.Time)
	}
}

func TestSplitNonEmptyLinesDropsBlankLines(t *testing.T) {
	lines := splitNonEmptyLines([]byte("a\n\nb\n   \nc\n"))
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
}

package main

import (
	"testing"
	"time"
)

func TestParseRangeDefaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 20, 0, 0, time.UTC)
	from, to, err := parseRange("", "", now)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC); !to.Equal(want) {
		t.Fatalf("to = %s, want %s", to, want)
	}
	if want := time.Date(2024, 2, 29, 11, 0, 0, 0, time.UTC); !from.Equal(want) {
		t.Fatalf("from = %s, want %s", from, want)
	}
}

func TestParseRangeExplicit(t *testing.T) {
	from, to, err := parseRange("2024-01-01", "2024-01-02T06:00:00Z", time.Now())
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if to.Sub(from) != 30*time.Hour {
		t.Fatalf("span = %s", to.Sub(from))
	}
}

func TestParseRangeRejectsInverted(t *testing.T) {
	if _, _, err := parseRange("2024-01-02", "2024-01-01", time.Now()); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if _, _, err := parseRange("yesterday", "", time.Now()); err == nil {
		t.Fatal("expected error for bad time")
	}
}

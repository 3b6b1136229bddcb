package main

import (
	"testing"
	"time"
)

func TestParseCheckTime(t *testing.T) {
	// Tuesday
	now := time.Date(2024, 1, 2, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		day, clock string
		want       time.Time
	}{
		{"", "", time.Date(2024, 1, 2, 10, 15, 0, 0, time.UTC)},
		{"", "18:30", time.Date(2024, 1, 2, 18, 30, 0, 0, time.UTC)},
		{"saturday", "09:00", time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)},
		{"mon", "", time.Date(2024, 1, 8, 10, 15, 0, 0, time.UTC)},
		{"2", "07:05", time.Date(2024, 1, 2, 7, 5, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseCheckTime(now, tt.day, tt.clock)
		if err != nil {
			t.Fatalf("parseCheckTime(%q, %q): %v", tt.day, tt.clock, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseCheckTime(%q, %q) = %v, want %v", tt.day, tt.clock, got, tt.want)
		}
	}

	for _, bad := range [][2]string{{"someday", ""}, {"", "25:00"}, {"", "1830"}} {
		if _, err := parseCheckTime(now, bad[0], bad[1]); err == nil {
			t.Errorf("expected error for %q %q", bad[0], bad[1])
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := map[string]int64{
		"90":    90,
		"30m":   1800,
		"1h30m": 5400,
		" 0 ":   0,
	}
	for in, want := range tests {
		got, err := parseAmount(in)
		if err != nil {
			t.Fatalf("parseAmount(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseAmount(%q) = %d, want %d", in, got, want)
		}
	}

	for _, bad := range []string{"-5", "-1m", "soon"} {
		if _, err := parseAmount(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestExpireMillis(t *testing.T) {
	if got := expireMillis("5s"); got != 5000 {
		t.Errorf("expected 5000, got %d", got)
	}
	if got := expireMillis("0s"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := expireMillis("nonsense"); got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
}

package prefs

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2024, 6, 1, h, m, 0, 0, time.UTC)
}

func clock(h, m int) *ClockTime {
	return &ClockTime{Hour: h, Minute: m}
}

func TestInQuietWindowSpansMidnight(t *testing.T) {
	t.Parallel()
	start, end := clock(23, 0), clock(6, 0)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "window start", now: at(23, 0), want: true},
		{name: "midnight", now: at(0, 0), want: true},
		{name: "just before end", now: at(5, 59), want: true},
		{name: "window end", now: at(6, 0), want: false},
		{name: "midday", now: at(12, 0), want: false},
		{name: "just before start", now: at(22, 59), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := InQuietWindow(start, end, tt.now); got != tt.want {
				t.Fatalf("InQuietWindow(23:00, 06:00, %s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestInQuietWindowSameDay(t *testing.T) {
	t.Parallel()
	start, end := clock(1, 0), clock(3, 0)

	tests := []struct {
		now  time.Time
		want bool
	}{
		{now: at(0, 59), want: false},
		{now: at(1, 0), want: true},
		{now: at(2, 30), want: true},
		{now: at(2, 59), want: true},
		{now: at(3, 0), want: false},
		{now: at(12, 0), want: false},
	}
	for _, tt := range tests {
		if got := InQuietWindow(start, end, tt.now); got != tt.want {
			t.Fatalf("InQuietWindow(01:00, 03:00, %s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
		}
	}
}

func TestInQuietWindowUnsetBounds(t *testing.T) {
	t.Parallel()
	if InQuietWindow(nil, clock(6, 0), at(3, 0)) {
		t.Fatal("window with unset start should never match")
	}
	if InQuietWindow(clock(23, 0), nil, at(23, 30)) {
		t.Fatal("window with unset end should never match")
	}
	if InQuietWindow(nil, nil, at(0, 0)) {
		t.Fatal("fully unset window should never match")
	}
}

func TestParseClockTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    ClockTime
		wantErr bool
	}{
		{raw: "23:00", want: ClockTime{Hour: 23}},
		{raw: "06:30:15", want: ClockTime{Hour: 6, Minute: 30, Second: 15}},
		{raw: "00:00", want: ClockTime{}},
		{raw: "24:00", wantErr: true},
		{raw: "12:60", wantErr: true},
		{raw: "notatime", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseClockTime(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseClockTime(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseClockTime(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseClockTime(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestClockTimeString(t *testing.T) {
	t.Parallel()
	ct := ClockTime{Hour: 7, Minute: 5}
	if got := ct.String(); got != "07:05:00" {
		t.Fatalf("String() = %q, want %q", got, "07:05:00")
	}
}

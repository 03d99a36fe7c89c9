package replay

import "testing"

func TestParseIDEpochSeconds(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want int64
	}{
		{"well formed", "20240115-093000-0001", 1705311000},
		{"epoch day zero", "19700101-000000-0000", 0},
		{"too short", "2024011", 0},
		{"missing separator", "20240115T093000-0001", 0},
		{"non digit in date", "2024011X-093000-0001", 0},
		{"month out of range", "20241315-093000-0001", 0},
		{"day out of range", "20240132-093000-0001", 0},
		{"hour out of range", "20240115-253000-0001", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseIDEpochSeconds(tt.id); got != tt.want {
				t.Errorf("ParseIDEpochSeconds(%q) = %d, want %d", tt.id, got, tt.want)
			}
		})
	}
}

func TestParseIDEpochSecondsRoundTrip(t *testing.T) {
	id := "20260731-235959-0007"
	secs := ParseIDEpochSeconds(id)
	rem := secs % 86400
	if h, m, s := rem/3600, (rem%3600)/60, rem%60; h != 23 || m != 59 || s != 59 {
		t.Fatalf("HH:MM:SS round trip = %02d:%02d:%02d, want 23:59:59", h, m, s)
	}
	if secs <= 0 {
		t.Fatalf("expected positive epoch, got %d", secs)
	}
}

func TestMessageTimePrefersExplicitEpoch(t *testing.T) {
	e := Entry{ID: "20240115-093000-0001", EpochSecs: 42}
	if got := MessageTime(e); got != 42 {
		t.Errorf("MessageTime() = %d, want 42 (explicit epoch wins)", got)
	}

	e2 := Entry{ID: "20240115-093000-0001"}
	if got := MessageTime(e2); got != 1705311000 {
		t.Errorf("MessageTime() = %d, want parsed id time", got)
	}
}

func TestSeekIndexBeforeOrAt(t *testing.T) {
	times := []int64{10, 20, 30, 40, 50}

	tests := []struct {
		name   string
		target int64
		want   int
	}{
		{"before first", 5, 0},
		{"exact first", 10, 0},
		{"between samples", 25, 1},
		{"exact middle", 30, 2},
		{"after last", 1000, 4},
		{"exact last", 50, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SeekIndexBeforeOrAt(times, tt.target); got != tt.want {
				t.Errorf("SeekIndexBeforeOrAt(%v, %d) = %d, want %d", times, tt.target, got, tt.want)
			}
		})
	}
}

func TestSeekIndexBeforeOrAtEmpty(t *testing.T) {
	if got := SeekIndexBeforeOrAt(nil, 100); got != 0 {
		t.Errorf("SeekIndexBeforeOrAt(nil, _) = %d, want 0", got)
	}
}

func TestSeekIndexBeforeOrAtMonotone(t *testing.T) {
	times := []int64{1, 4, 9, 16, 25, 36}
	prev := -1
	for target := int64(-5); target <= 40; target++ {
		idx := SeekIndexBeforeOrAt(times, target)
		if idx < prev {
			t.Fatalf("seek index decreased at target=%d: %d < %d", target, idx, prev)
		}
		prev = idx
	}
}

func TestNextIntervalMs(t *testing.T) {
	tests := []struct {
		name        string
		curr, next  int64
		speed       float64
		want        int64
	}{
		{"non-positive gap collapses to 50ms", 100, 100, 1.0, 50},
		{"out of order collapses to 50ms", 100, 90, 1.0, 50},
		{"zero speed defaults to 1x", 0, 1, 0, 200},
		{"small gap clamps to floor", 0, 1, 1000, 10},
		{"large gap clamps to ceiling", 0, 5, 1.0, 200},
		{"gap over 30s is fast forwarded regardless of speed", 0, 60, 100.0, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextIntervalMs(tt.curr, tt.next, tt.speed); got != tt.want {
				t.Errorf("NextIntervalMs(%d, %d, %v) = %d, want %d", tt.curr, tt.next, tt.speed, got, tt.want)
			}
		})
	}
}

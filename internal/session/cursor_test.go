package session

import "testing"

func TestSeekWithin(t *testing.T) {
	durations := []int64{60000, 30000, 45000}

	tests := []struct {
		name          string
		part          int
		offset, delta int64
		wantPart      int
		wantOffset    int64
		wantCrossed   int
	}{
		{"within part", 0, 10000, 10000, 0, 20000, 0},
		{"forward across part bound", 0, 55000, 10000, 1, 5000, 0},
		{"forward across two parts", 0, 55000, 40000, 2, 5000, 0},
		{"backward across part bound", 1, 3000, -10000, 0, 53000, 0},
		{"past chapter end carries", 2, 40000, 10000, 2, 5000, 1},
		{"past chapter start carries", 0, 3000, -10000, 0, -7000, -1},
		{"exact part end rolls over", 0, 50000, 10000, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := seekWithin(durations, tt.part, tt.offset, tt.delta)
			if got.part != tt.wantPart || got.offsetMs != tt.wantOffset || got.crossed != tt.wantCrossed {
				t.Errorf("seekWithin = %+v, want part=%d offset=%d crossed=%d",
					got, tt.wantPart, tt.wantOffset, tt.wantCrossed)
			}
		})
	}
}

func TestLocateAbsolute(t *testing.T) {
	durations := []int64{60000, 30000}

	if part, off := locateAbsolute(durations, 0); part != 0 || off != 0 {
		t.Errorf("locateAbsolute(0) = (%d, %d)", part, off)
	}
	if part, off := locateAbsolute(durations, 75000); part != 1 || off != 15000 {
		t.Errorf("locateAbsolute(75000) = (%d, %d), want (1, 15000)", part, off)
	}
	// Exactly the total clamps into the final part.
	if part, _ := locateAbsolute(durations, 90000); part != 1 {
		t.Errorf("locateAbsolute(total) part = %d, want 1", part)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"00:01:30", 90000, false},
		{"1:02:03", 3723000, false},
		{"05:00", 300000, false},
		{"90", 0, true},
		{"1:xx:00", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTimestamp(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := FormatTimestamp(3723000); got != "01:02:03" {
		t.Errorf("FormatTimestamp = %q", got)
	}
	if got := FormatTimestamp(-5); got != "00:00:00" {
		t.Errorf("FormatTimestamp(negative) = %q", got)
	}
}

func TestProgressBarBounds(t *testing.T) {
	if got := progressBar(0, 100); got[:len(progressHandle)] != progressHandle {
		t.Errorf("bar at start should lead with the handle: %q", got)
	}
	// Zero total must not divide.
	_ = progressBar(10, 0)
}

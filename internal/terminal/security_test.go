package terminal

import (
	"testing"
	"time"
)

func TestClampSize(t *testing.T) {
	tests := []struct {
		cols, rows         int
		wantCols, wantRows int
	}{
		{120, 30, 120, 30},
		{0, 0, DefaultCols, DefaultRows},
		{-5, 40, DefaultCols, 40},
		{10000, 10000, MaxTermCols, MaxTermRows},
	}
	for _, tt := range tests {
		c, r := ClampSize(tt.cols, tt.rows)
		if c != tt.wantCols || r != tt.wantRows {
			t.Errorf("ClampSize(%d, %d) = %dx%d, want %dx%d", tt.cols, tt.rows, c, r, tt.wantCols, tt.wantRows)
		}
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(10, 5)
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected burst message %d allowed", i)
		}
	}
	if rl.Allow() {
		t.Fatal("expected message beyond burst rejected")
	}

	now = now.Add(250 * time.Millisecond)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected two tokens after 250ms at 10/s")
	}
	if rl.Allow() {
		t.Fatal("expected bucket empty again")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected refilled burst message %d allowed", i)
		}
	}
	if rl.Allow() {
		t.Fatal("expected refill capped at burst")
	}
}

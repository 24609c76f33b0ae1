package dispatch

import (
	"testing"
	"time"
)

func TestSampleWithinRange(t *testing.T) {
	t.Parallel()

	r := NewRand(42)
	b := DefaultBounds()
	for i := 0; i < 2000; i++ {
		if n := b.SampleBatch(r); n < DefaultMinBatch || n > DefaultMaxBatch {
			t.Fatalf("batch %d out of range", n)
		}
		if d := b.SampleDelay(r); d < DefaultMinDelay || d > DefaultMaxDelay {
			t.Fatalf("delay %s out of range", d)
		}
		if d := b.SampleCooldown(r); d < DefaultMinCooldown || d > DefaultMaxCooldown {
			t.Fatalf("cooldown %s out of range", d)
		}
	}
}

func TestSampleIntHitsBothEnds(t *testing.T) {
	t.Parallel()

	r := NewRand(7)
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[SampleInt(r, 2, 4)] = true
	}
	for _, v := range []int{2, 3, 4} {
		if !seen[v] {
			t.Fatalf("value %d never sampled: %v", v, seen)
		}
	}
}

func TestSampleDegenerateRange(t *testing.T) {
	t.Parallel()

	if got := SampleInt(NewRand(1), 5, 5); got != 5 {
		t.Fatalf("SampleInt(5,5)=%d", got)
	}
	if got := SampleDuration(NewRand(1), time.Second, time.Second); got != time.Second {
		t.Fatalf("SampleDuration(1s,1s)=%s", got)
	}
	if got := SampleDuration(nil, time.Second, 2*time.Second); got != time.Second {
		t.Fatalf("nil rand: %s", got)
	}
}

func TestBoundsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Bounds)
		ok     bool
	}{
		{"defaults", func(*Bounds) {}, true},
		{"delay inverted", func(b *Bounds) { b.MinDelay = 10 * time.Second }, false},
		{"zero batch", func(b *Bounds) { b.MinBatch = 0 }, false},
		{"batch inverted", func(b *Bounds) { b.MinBatch = 40 }, false},
		{"cooldown inverted", func(b *Bounds) { b.MinCooldown = 6 * time.Minute }, false},
		{"negative spacing", func(b *Bounds) { b.PartSpacing = -time.Second }, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := DefaultBounds()
			tt.mutate(&b)
			err := b.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate()=%v ok=%v", err, tt.ok)
			}
		})
	}
}

package dispatch

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMinDelay    = 4 * time.Second
	DefaultMaxDelay    = 9 * time.Second
	DefaultMinBatch    = 20
	DefaultMaxBatch    = 35
	DefaultMinCooldown = 2 * time.Minute
	DefaultMaxCooldown = 5 * time.Minute
	DefaultPartSpacing = 500 * time.Millisecond

	// DefaultAvgPerItem approximates the mean delay plus cooldown time
	// amortized over the mean batch size (6.5s + 210s/27.5).
	DefaultAvgPerItem = 14 * time.Second
)

// Bounds are the pacing ranges. Every range is inclusive.
type Bounds struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MinBatch    int
	MaxBatch    int
	MinCooldown time.Duration
	MaxCooldown time.Duration
	PartSpacing time.Duration
	AvgPerItem  time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		MinDelay:    DefaultMinDelay,
		MaxDelay:    DefaultMaxDelay,
		MinBatch:    DefaultMinBatch,
		MaxBatch:    DefaultMaxBatch,
		MinCooldown: DefaultMinCooldown,
		MaxCooldown: DefaultMaxCooldown,
		PartSpacing: DefaultPartSpacing,
		AvgPerItem:  DefaultAvgPerItem,
	}
}

func (b Bounds) Validate() error {
	if b.MinDelay < 0 || b.MinCooldown < 0 || b.PartSpacing < 0 || b.AvgPerItem < 0 {
		return fmt.Errorf("dispatch bounds: durations must be >= 0")
	}
	if b.MinDelay > b.MaxDelay {
		return fmt.Errorf("dispatch bounds: min delay %s > max delay %s", b.MinDelay, b.MaxDelay)
	}
	if b.MinBatch <= 0 {
		return fmt.Errorf("dispatch bounds: min batch size must be > 0")
	}
	if b.MinBatch > b.MaxBatch {
		return fmt.Errorf("dispatch bounds: min batch %d > max batch %d", b.MinBatch, b.MaxBatch)
	}
	if b.MinCooldown > b.MaxCooldown {
		return fmt.Errorf("dispatch bounds: min cooldown %s > max cooldown %s", b.MinCooldown, b.MaxCooldown)
	}
	return nil
}

func (b Bounds) SampleBatch(r Rand) int { return SampleInt(r, b.MinBatch, b.MaxBatch) }

func (b Bounds) SampleDelay(r Rand) time.Duration {
	return SampleDuration(r, b.MinDelay, b.MaxDelay)
}

func (b Bounds) SampleCooldown(r Rand) time.Duration {
	return SampleDuration(r, b.MinCooldown, b.MaxCooldown)
}

// Rand is the randomness source used for sampling.
type Rand interface {
	Int63n(n int64) int64
}

// NewRand returns a goroutine-safe Rand seeded with seed.
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

// SampleInt returns a uniform value in [lo, hi].
func SampleInt(r Rand, lo, hi int) int {
	if hi <= lo || r == nil {
		return lo
	}
	return lo + int(r.Int63n(int64(hi-lo)+1))
}

// SampleDuration returns a uniform duration in [lo, hi] with millisecond granularity.
func SampleDuration(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo || r == nil {
		return lo
	}
	span := int64((hi - lo) / time.Millisecond)
	if span <= 0 {
		return lo
	}
	return lo + time.Duration(r.Int63n(span+1))*time.Millisecond
}

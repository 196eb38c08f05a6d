package dispatch

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/vinayprograms/proximitykit/telemetry"
)

// Decoy value ranges.
const (
	DecoyMinDistance  = 5.0
	DecoyMaxDistance  = 15.0
	DecoyMinDrop      = 10
	DecoyMaxDrop      = 30
	DecoyHeartRateMin = 60
)

// Rand is the randomness used for decoys. *math/rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
	Float64() float64
}

// lockedRand serializes access to a Rand.
type lockedRand struct {
	mu sync.Mutex
	r  Rand
}

// NewLockedRand wraps r for concurrent use.
func NewLockedRand(r Rand) Rand {
	return &lockedRand{r: r}
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func newDefaultRand(seed int64) Rand {
	return NewLockedRand(rand.New(rand.NewSource(seed)))
}

// DecoyConfig controls synthetic record injection.
type DecoyConfig struct {
	// Enabled turns decoys on.
	Enabled bool

	// Min and Max bound the number of decoys per real record.
	Min int
	Max int

	// Pool is the id set decoy pairs are drawn from. Needs two or more ids.
	Pool []string
}

// DefaultDecoyPool returns ids 001 through 008.
func DefaultDecoyPool() []string {
	pool := make([]string, 8)
	for i := range pool {
		pool[i] = fmt.Sprintf("%03d", i+1)
	}
	return pool
}

// DefaultDecoyConfig returns the standard policy: one or two decoys per
// real record drawn from DefaultDecoyPool.
func DefaultDecoyConfig() DecoyConfig {
	return DecoyConfig{
		Enabled: true,
		Min:     1,
		Max:     2,
		Pool:    DefaultDecoyPool(),
	}
}

// Validate checks the configuration.
func (c DecoyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Min < 0 || c.Max < c.Min {
		return fmt.Errorf("decoy count range [%d,%d] is invalid", c.Min, c.Max)
	}
	if len(c.Pool) < 2 {
		return fmt.Errorf("decoy pool needs at least 2 ids, got %d", len(c.Pool))
	}
	return nil
}

// decoyGenerator builds synthetic records for unrelated pairs.
type decoyGenerator struct {
	cfg    DecoyConfig
	selfID string
	rand   Rand
}

// generate returns the decoys accompanying a real record. Decoys never
// repeat the real pair in either direction, so the collector gets no second
// reading for it.
func (g *decoyGenerator) generate(real telemetry.Record) []telemetry.Record {
	if !g.cfg.Enabled || len(g.cfg.Pool) < 2 {
		return nil
	}
	pairs := g.pairs(real.DeviceID, real.NearbyDeviceID)
	if len(pairs) == 0 {
		return nil
	}
	n := g.cfg.Min + g.rand.Intn(g.cfg.Max-g.cfg.Min+1)
	decoys := make([]telemetry.Record, 0, n)
	for i := 0; i < n; i++ {
		p := pairs[g.rand.Intn(len(pairs))]
		distance := DecoyMinDistance + g.rand.Float64()*(DecoyMaxDistance-DecoyMinDistance)
		decoys = append(decoys, telemetry.NewRecord(p[0], p[1], distance, g.heartRate(p[0], real.HeartRate)))
	}
	return decoys
}

// pairs lists the ordered pool pairs of distinct ids, in pool order, other
// than (a, b) and (b, a).
func (g *decoyGenerator) pairs(a, b string) [][2]string {
	pool := g.cfg.Pool
	out := make([][2]string, 0, len(pool)*(len(pool)-1))
	for _, device := range pool {
		for _, nearby := range pool {
			if device == nearby {
				continue
			}
			if (device == a && nearby == b) || (device == b && nearby == a) {
				continue
			}
			out = append(out, [2]string{device, nearby})
		}
	}
	return out
}

// heartRate mirrors the real value when the decoy claims to be this node,
// otherwise sits 10 to 30 below it, never under 60.
func (g *decoyGenerator) heartRate(device string, real int) int {
	if device == g.selfID {
		return real
	}
	hr := real - (DecoyMinDrop + g.rand.Intn(DecoyMaxDrop-DecoyMinDrop+1))
	if hr < DecoyHeartRateMin {
		hr = DecoyHeartRateMin
	}
	return hr
}

package collector

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/config"
)

// Schedule is the legal next-request plan for one worker: how long to
// wait, which identity to present, and which proxy to go through. An
// empty Proxy means a direct connection.
type Schedule struct {
	Delay    time.Duration
	Identity string
	Proxy    string
}

// Rotator produces request schedules for collection workers. Delay is
// drawn from a bounded uniform distribution rather than a fixed
// interval to avoid detectable periodicity; identity and proxy rotate
// round-robin over their pools with atomic cursors, so workers never
// race on shared pool state.
type Rotator struct {
	minDelay        time.Duration
	maxDelay        time.Duration
	identities      []string
	defaultIdentity string
	proxies         []string

	identityCursor atomic.Uint64
	proxyCursor    atomic.Uint64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRotator creates a rotator from collector configuration
func NewRotator(cfg config.CollectorConfig) *Rotator {
	return &Rotator{
		minDelay:        cfg.MinDelay,
		maxDelay:        cfg.MaxDelay,
		identities:      cfg.Identities,
		defaultIdentity: cfg.DefaultIdentity,
		proxies:         cfg.Proxies,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the schedule for a worker's next request. An empty
// identity pool degrades to the single configured default; an empty
// proxy pool degrades to direct connections. Both are legal modes,
// not errors.
func (r *Rotator) Next() Schedule {
	s := Schedule{
		Delay:    r.delay(),
		Identity: r.defaultIdentity,
	}

	if len(r.identities) > 0 {
		idx := r.identityCursor.Add(1) - 1
		s.Identity = r.identities[idx%uint64(len(r.identities))]
	}
	if len(r.proxies) > 0 {
		idx := r.proxyCursor.Add(1) - 1
		s.Proxy = r.proxies[idx%uint64(len(r.proxies))]
	}

	return s
}

func (r *Rotator) delay() time.Duration {
	if r.maxDelay <= r.minDelay {
		return r.minDelay
	}

	r.mu.Lock()
	jitter := time.Duration(r.rng.Int63n(int64(r.maxDelay - r.minDelay)))
	r.mu.Unlock()

	return r.minDelay + jitter
}

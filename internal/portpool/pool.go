// Package portpool manages the pool of local TCP ports webdriver processes
// listen on. Ports are coarse, cheap resources: a mutex-guarded set is all
// the discipline they need. The pool never blocks; exhaustion surfaces
// synchronously so the caller can turn it into a load error.
package portpool

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/types"
)

// Range is an inclusive port range [Low, High].
type Range struct {
	Low  int
	High int
}

// ParseRange parses a "<low>-<high>" string into a Range. A single port
// "40001" is accepted as the degenerate range [40001, 40001].
func ParseRange(s string) (Range, error) {
	var r Range
	low, high, found := strings.Cut(strings.TrimSpace(s), "-")
	if !found {
		high = low
	}
	var err error
	if r.Low, err = strconv.Atoi(strings.TrimSpace(low)); err != nil {
		return r, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if r.High, err = strconv.Atoi(strings.TrimSpace(high)); err != nil {
		return r, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	if r.Low < 1 || r.High > 65535 || r.Low > r.High {
		return r, fmt.Errorf("invalid port range %q: bounds must satisfy 1 <= low <= high <= 65535", s)
	}
	return r, nil
}

// ParseRanges parses the config's list of range strings and rejects overlap
// between ranges.
func ParseRanges(specs []string) ([]Range, error) {
	ranges := make([]Range, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Low <= sorted[i-1].High {
			return nil, fmt.Errorf("overlapping port ranges: %d-%d and %d-%d",
				sorted[i-1].Low, sorted[i-1].High, sorted[i].Low, sorted[i].High)
		}
	}
	return ranges, nil
}

// Pool hands out ports from the configured ranges, each to at most one
// holder at a time. Lease order is lowest-first for determinism.
type Pool struct {
	mu        sync.Mutex
	available []int // sorted ascending
	leased    map[int]struct{}
}

// New creates a Pool over the union of the given ranges.
func New(ranges []Range) *Pool {
	p := &Pool{
		leased: make(map[int]struct{}),
	}
	for _, r := range ranges {
		for port := r.Low; port <= r.High; port++ {
			p.available = append(p.available, port)
		}
	}
	sort.Ints(p.available)

	log.Debug().
		Int("ports", len(p.available)).
		Msg("Port pool initialized")
	return p
}

// Lease returns the lowest available port and marks it leased.
// Returns ErrPoolExhausted when no port is free.
func (p *Pool) Lease() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, types.ErrPoolExhausted
	}
	port := p.available[0]
	p.available = p.available[1:]
	p.leased[port] = struct{}{}
	return port, nil
}

// Release marks a leased port available again. Releasing a port that is not
// currently leased is a programming error and panics.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[port]; !ok {
		panic(fmt.Sprintf("portpool: release of port %d which is not leased", port))
	}
	delete(p.leased, port)

	idx := sort.SearchInts(p.available, port)
	p.available = append(p.available, 0)
	copy(p.available[idx+1:], p.available[idx:])
	p.available[idx] = port
}

// Size returns the current (available, leased) counts for introspection.
func (p *Pool) Size() (available, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.leased)
}

package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stevepryde/xenon/internal/config"
	"github.com/stevepryde/xenon/internal/portpool"
	"github.com/stevepryde/xenon/internal/types"
	"github.com/stevepryde/xenon/internal/wire"
)

// SpawnFunc launches one driver process bound to a leased port. The
// exec-based spawner is the default; attached-process launchers substitute
// for it when the drivers are managed elsewhere.
type SpawnFunc func(ctx context.Context, id string, cfg *config.BrowserConfig, port int, startupTimeout time.Duration, onExit func(*Process)) (*Process, error)

// Options tunes driver process lifecycle handling.
type Options struct {
	StartupTimeout time.Duration // readiness probe deadline
	StopTimeout    time.Duration // grace before SIGKILL

	// Spawn launches driver processes; nil selects the exec-based spawner.
	Spawn SpawnFunc
}

// Fleet owns the driver processes for one configured browser kind and
// enforces its concurrency caps. All capacity decisions happen under a
// single mutex so they are linearizable; the slow work (spawning, stopping)
// happens outside it against reserved slots.
type Fleet struct {
	cfg  *config.BrowserConfig
	opts Options

	mu       sync.Mutex
	procs    []*Process // creation order
	sessions int        // live sessions plus reserved in-flight spawn slots
	seq      int
	closed   bool

	ports   *portpool.Pool
	spawn   SpawnFunc
	onDeath func(processID string) // session eviction hook, may be nil
}

// NewFleet creates a fleet for one browser kind. onDeath is invoked (off the
// fleet lock) whenever a process dies with sessions still assigned, so the
// session directory can evict them.
func NewFleet(cfg *config.BrowserConfig, ports *portpool.Pool, opts Options, onDeath func(processID string)) *Fleet {
	spawner := opts.Spawn
	if spawner == nil {
		spawner = spawn
	}
	return &Fleet{
		cfg:     cfg,
		opts:    opts,
		ports:   ports,
		spawn:   spawner,
		onDeath: onDeath,
	}
}

// Lease is one granted session slot on a process. Release returns the slot
// to the fleet; releasing more than once is a no-op.
type Lease struct {
	fleet *Fleet
	proc  *Process
	once  sync.Once
}

// Process returns the driver process backing this lease.
func (l *Lease) Process() *Process { return l.proc }

// Release returns the session slot to the fleet.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.fleet.release(l.proc)
	})
}

// Acquire grants a session slot for the requested capabilities, spawning a
// new driver process if every ready process is full and the caps allow.
// Returns ErrNoMatch when version/os cannot be served, ErrFleetFull when the
// kind is at capacity, or ErrDriverStartup when a needed spawn fails.
func (f *Fleet) Acquire(ctx context.Context, version, osName string) (*Lease, error) {
	if !f.cfg.Matches(version, osName) {
		return nil, types.ErrNoMatch
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, types.ErrFleetClosed
	}

	// Prefer the fullest ready process that still has room: sessions pack
	// onto fewer processes and idle ones drain sooner. Ties fall to the
	// older process because the scan preserves creation order.
	var best *Process
	for _, p := range f.procs {
		if p.state != StateReady || p.sessions >= f.cfg.SessionsPerDriver {
			continue
		}
		if best == nil || p.sessions > best.sessions {
			best = p
		}
	}
	if best != nil {
		best.sessions++
		f.sessions++
		f.mu.Unlock()
		return &Lease{fleet: f, proc: best}, nil
	}

	if f.sessions >= f.cfg.MaxSessions {
		f.mu.Unlock()
		return nil, types.ErrFleetFull
	}

	port, err := f.ports.Lease()
	if err != nil {
		f.mu.Unlock()
		log.Warn().
			Str("browser", f.cfg.Name).
			Msg("Port pool exhausted, rejecting session")
		return nil, types.ErrFleetFull
	}

	// Reserve the session slot before dropping the lock so concurrent
	// admission cannot oversubscribe while the driver boots.
	f.sessions++
	f.seq++
	id := fmt.Sprintf("%s-%d-%d", f.cfg.Name, port, f.seq)
	f.mu.Unlock()

	proc, err := f.spawn(ctx, id, f.cfg, port, f.opts.StartupTimeout, f.handleExit)
	if err != nil {
		f.mu.Lock()
		f.sessions--
		f.mu.Unlock()
		f.ports.Release(port)
		return nil, err
	}

	f.mu.Lock()
	if proc.state == StateDead {
		// The driver died between readiness and here; the exit handler
		// has already released the port.
		f.sessions--
		f.mu.Unlock()
		return nil, types.ErrDriverStartup
	}
	if f.closed {
		// Shutdown raced the spawn; unwind it.
		f.sessions--
		proc.state = StateDraining
		f.mu.Unlock()
		go func() {
			proc.stop(f.opts.StopTimeout)
			f.handleExit(proc)
		}()
		return nil, types.ErrFleetClosed
	}
	proc.sessions = 1
	f.procs = append(f.procs, proc)
	f.mu.Unlock()

	return &Lease{fleet: f, proc: proc}, nil
}

// release returns one session slot and recycles the process if it is now
// idle. Eager recycling keeps driver leaks contained: an empty process costs
// memory and a port, and respawning one is cheap.
func (f *Fleet) release(proc *Process) {
	f.mu.Lock()
	if proc.state == StateDead {
		// Exit handling already settled the books.
		f.mu.Unlock()
		return
	}
	proc.sessions--
	f.sessions--

	if proc.sessions > 0 || f.closed {
		f.mu.Unlock()
		return
	}

	proc.state = StateDraining
	f.removeLocked(proc)
	f.mu.Unlock()

	log.Info().
		Str("process_id", proc.id).
		Str("browser", f.cfg.Name).
		Msg("Recycling idle driver process")
	go func() {
		proc.stop(f.opts.StopTimeout)
		f.handleExit(proc)
	}()
}

// handleExit is the supervisor callback: it runs exactly once per spawned
// process, settles the fleet's books, releases the port, and evicts any
// sessions the process still carried.
func (f *Fleet) handleExit(proc *Process) {
	f.mu.Lock()
	if proc.state == StateDead {
		f.mu.Unlock()
		return
	}
	orphaned := proc.sessions
	f.sessions -= orphaned
	proc.sessions = 0
	proc.state = StateDead
	f.removeLocked(proc)
	f.mu.Unlock()

	f.ports.Release(proc.port)

	if orphaned > 0 {
		log.Error().
			Str("process_id", proc.id).
			Str("browser", f.cfg.Name).
			Int("orphaned_sessions", orphaned).
			Msg("Driver died with active sessions")
		if f.onDeath != nil {
			f.onDeath(proc.id)
		}
	}
}

// removeLocked drops proc from the process list. Caller holds f.mu.
func (f *Fleet) removeLocked(proc *Process) {
	for i, p := range f.procs {
		if p == proc {
			f.procs = append(f.procs[:i], f.procs[i+1:]...)
			return
		}
	}
}

// HasCapacity reports whether a new session could be admitted right now.
func (f *Fleet) HasCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.sessions >= f.cfg.MaxSessions {
		return false
	}
	for _, p := range f.procs {
		if p.state == StateReady && p.sessions < f.cfg.SessionsPerDriver {
			return true
		}
	}
	available, _ := f.ports.Size()
	return available > 0
}

// Stats is a point-in-time summary of one fleet for status and metrics.
type Stats struct {
	Name        string
	Processes   int
	Sessions    int
	MaxSessions int
}

// Stats returns the fleet's current counters.
func (f *Fleet) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Name:        f.cfg.Name,
		Processes:   len(f.procs),
		Sessions:    f.sessions,
		MaxSessions: f.cfg.MaxSessions,
	}
}

// Close stops every process in the fleet and rejects further acquires.
func (f *Fleet) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	procs := make([]*Process, len(f.procs))
	copy(procs, f.procs)
	for _, p := range procs {
		p.state = StateDraining
	}
	f.mu.Unlock()

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, p := range procs {
		proc := p
		eg.Go(func() error {
			proc.stop(f.opts.StopTimeout)
			f.handleExit(proc)
			return nil
		})
	}
	return eg.Wait()
}

// Fleets is the container of all configured browser fleets.
type Fleets struct {
	order  []string
	fleets map[string]*Fleet
}

// NewFleets builds one fleet per configured browser kind.
func NewFleets(cfg *config.Config, ports *portpool.Pool, opts Options, onDeath func(processID string)) *Fleets {
	fs := &Fleets{
		fleets: make(map[string]*Fleet, len(cfg.Browsers)),
	}
	for i := range cfg.Browsers {
		b := &cfg.Browsers[i]
		fs.order = append(fs.order, b.Name)
		fs.fleets[b.Name] = NewFleet(b, ports, opts, onDeath)
		log.Info().
			Str("browser", b.Name).
			Int("sessions_per_driver", b.SessionsPerDriver).
			Int("max_sessions", b.MaxSessions).
			Msg("Browser fleet configured")
	}
	return fs
}

// Acquire routes a capability combination to its fleet by browser name.
func (fs *Fleets) Acquire(ctx context.Context, caps wire.Capabilities) (*Lease, error) {
	f, ok := fs.fleets[caps.BrowserName]
	if !ok {
		return nil, types.ErrNoMatch
	}
	return f.Acquire(ctx, caps.BrowserVersion, caps.PlatformName)
}

// Catalog returns the local browser catalog advertised on /node/config.
func (fs *Fleets) Catalog() []wire.CatalogEntry {
	entries := make([]wire.CatalogEntry, 0, len(fs.order))
	for _, name := range fs.order {
		cfg := fs.fleets[name].cfg
		entries = append(entries, wire.CatalogEntry{
			Name:    cfg.Name,
			Version: cfg.Version,
			OS:      cfg.OS,
		})
	}
	return entries
}

// HasCapacity reports whether any fleet can admit a session.
func (fs *Fleets) HasCapacity() bool {
	for _, f := range fs.fleets {
		if f.HasCapacity() {
			return true
		}
	}
	return false
}

// Stats returns per-fleet counters in configuration order.
func (fs *Fleets) Stats() []Stats {
	stats := make([]Stats, 0, len(fs.order))
	for _, name := range fs.order {
		stats = append(stats, fs.fleets[name].Stats())
	}
	return stats
}

// Close shuts down all fleets in parallel.
func (fs *Fleets) Close(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range fs.order {
		f := fs.fleets[name]
		eg.Go(func() error {
			return f.Close(ctx)
		})
	}
	return eg.Wait()
}

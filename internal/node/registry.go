// Package node tracks the remote peer proxies this instance may borrow
// browsers from: their configured addresses, their last-polled browser
// catalogs, and their health.
package node

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/stevepryde/xenon/internal/config"
	"github.com/stevepryde/xenon/internal/types"
	"github.com/stevepryde/xenon/internal/wire"
)

// Node is one remote peer. The catalog is whatever the last successful poll
// returned; a failed poll flips reachable but keeps the catalog, so a blip
// does not erase what we know the peer offers.
type Node struct {
	Name string
	URL  string

	mu        sync.RWMutex
	catalog   []wire.CatalogEntry
	reachable bool

	// breaker guards session traffic forwarded to this node. A peer that
	// keeps failing session calls is skipped during admission until the
	// breaker lets a probe through again.
	breaker *gobreaker.CircuitBreaker
}

func newNode(cfg config.NodeConfig) *Node {
	n := &Node{
		Name: cfg.Name,
		URL:  cfg.URL,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "node-" + cfg.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return n
}

// Catalog returns a copy of the node's last-known browser catalog.
func (n *Node) Catalog() []wire.CatalogEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]wire.CatalogEntry, len(n.catalog))
	copy(out, n.catalog)
	return out
}

// Reachable reports whether the most recent poll succeeded.
func (n *Node) Reachable() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reachable
}

// setCatalog records a successful poll result.
func (n *Node) setCatalog(entries []wire.CatalogEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.catalog = entries
	n.reachable = true
}

// markUnreachable records a failed poll; the catalog is retained.
func (n *Node) markUnreachable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reachable = false
}

// Offers reports whether the node's catalog advertises a browser matching
// the capability combination. Version/os only constrain the match when both
// sides pin them, mirroring local config matching.
func (n *Node) Offers(caps wire.Capabilities) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, e := range n.catalog {
		if e.Name != caps.BrowserName {
			continue
		}
		if caps.BrowserVersion != "" && e.Version != "" && caps.BrowserVersion != e.Version {
			continue
		}
		if caps.PlatformName != "" && e.OS != "" && caps.PlatformName != e.OS {
			continue
		}
		return true
	}
	return false
}

// Available reports whether the node should be offered new sessions:
// reachable per the poller and not tripped by the session breaker.
func (n *Node) Available() bool {
	return n.Reachable() && n.breaker.State() != gobreaker.StateOpen
}

// Execute runs a forwarded session call through the node's circuit breaker.
func (n *Node) Execute(fn func() (any, error)) (any, error) {
	return n.breaker.Execute(fn)
}

// Registry is the set of known peers. Nodes are never removed on failure,
// only through config reload.
type Registry struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]*Node
}

// NewRegistry builds a registry from validated node configs.
func NewRegistry(cfgs []config.NodeConfig) *Registry {
	r := &Registry{
		nodes: make(map[string]*Node, len(cfgs)),
	}
	for _, cfg := range cfgs {
		r.order = append(r.order, cfg.Name)
		r.nodes[cfg.Name] = newNode(cfg)
	}
	return r
}

// Get returns a node by name.
func (r *Registry) Get(name string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, types.ErrNodeNotFound
	}
	return n, nil
}

// Candidates returns, in configuration order, the available nodes whose
// catalogs advertise a matching browser.
func (r *Registry) Candidates(caps wire.Capabilities) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, name := range r.order {
		n := r.nodes[name]
		if n.Offers(caps) && n.Available() {
			out = append(out, n)
		}
	}
	return out
}

// AnyReachable reports whether at least one peer answered its last poll.
func (r *Registry) AnyReachable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Reachable() {
			return true
		}
	}
	return false
}

// Snapshot returns all nodes in configuration order.
func (r *Registry) Snapshot() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.nodes[name])
	}
	return out
}

// Apply reconciles the registry against a freshly loaded node list and
// returns the nodes that were added and the names that were removed. An
// existing node whose URL changed is replaced (returned in both lists).
func (r *Registry) Apply(cfgs []config.NodeConfig) (added []*Node, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]config.NodeConfig, len(cfgs))
	for _, cfg := range cfgs {
		want[cfg.Name] = cfg
	}

	for name, existing := range r.nodes {
		cfg, keep := want[name]
		if keep && cfg.URL == existing.URL {
			continue
		}
		delete(r.nodes, name)
		removed = append(removed, name)
	}

	r.order = r.order[:0]
	for _, cfg := range cfgs {
		r.order = append(r.order, cfg.Name)
		if _, ok := r.nodes[cfg.Name]; ok {
			continue
		}
		n := newNode(cfg)
		r.nodes[cfg.Name] = n
		added = append(added, n)
	}
	return added, removed
}

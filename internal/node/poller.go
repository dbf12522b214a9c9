package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/wire"
)

// maxCatalogBody bounds how much of a peer's /node/config response is read.
const maxCatalogBody = 1 << 20 // 1MB

// Poller refreshes node catalogs in the background. Each node gets its own
// goroutine so one unreachable peer never delays the others.
type Poller struct {
	interval time.Duration
	client   *http.Client

	mu    sync.Mutex
	stops map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewPoller creates a poller with the given cadence.
func NewPoller(interval time.Duration) *Poller {
	return &Poller{
		interval: interval,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stops: make(map[string]chan struct{}),
	}
}

// Start begins polling every node currently in the registry.
func (p *Poller) Start(r *Registry) {
	for _, n := range r.Snapshot() {
		p.Track(n)
	}
}

// Track starts the polling loop for one node. The first poll fires
// immediately so freshly configured peers become routable without waiting a
// full interval.
func (p *Poller) Track(n *Node) {
	p.mu.Lock()
	if _, exists := p.stops[n.Name]; exists {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stops[n.Name] = stop
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollOnce(n)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.pollOnce(n)
			case <-stop:
				return
			}
		}
	}()
}

// Untrack stops the polling loop for a node by name.
func (p *Poller) Untrack(name string) {
	p.mu.Lock()
	stop, ok := p.stops[name]
	if ok {
		delete(p.stops, name)
	}
	p.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close stops every polling loop and waits for them to finish.
func (p *Poller) Close() {
	p.mu.Lock()
	for name, stop := range p.stops {
		close(stop)
		delete(p.stops, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// pollOnce fetches one node's catalog. Failure keeps the last-known catalog
// and flips the node unreachable.
func (p *Poller) pollOnce(n *Node) {
	catalog, err := p.fetchCatalog(n)
	if err != nil {
		wasReachable := n.Reachable()
		n.markUnreachable()
		if wasReachable {
			log.Warn().
				Err(err).
				Str("node", n.Name).
				Str("url", n.URL).
				Msg("Node became unreachable")
		} else {
			log.Debug().
				Err(err).
				Str("node", n.Name).
				Msg("Node still unreachable")
		}
		return
	}

	n.setCatalog(catalog)
	log.Debug().
		Str("node", n.Name).
		Int("browsers", len(catalog)).
		Msg("Node catalog refreshed")
}

func (p *Poller) fetchCatalog(n *Node) ([]wire.CatalogEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.URL+"/node/config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node config returned status %d", resp.StatusCode)
	}

	var catalog []wire.CatalogEntry
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBody))
	if err := dec.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decoding node catalog: %w", err)
	}
	return catalog, nil
}

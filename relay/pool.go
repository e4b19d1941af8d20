package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/enclaved-org/enclaved/wire"
)

const fetchTimeout = 5 * time.Second

// Pool manages client connections to a set of relays, created lazily
// and reused.
type Pool struct {
	log *slog.Logger

	mu     sync.Mutex
	relays map[string]*Relay
}

// NewPool creates an empty pool.
func NewPool(log *slog.Logger) *Pool {
	return &Pool{log: log, relays: make(map[string]*Relay)}
}

// Get returns the shared connection for url, connecting if needed.
func (p *Pool) Get(url string) *Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.relays[url]; ok {
		return r
	}
	r := New(url, p.log)
	p.relays[url] = r
	return r
}

// Publish sends the envelope to every given relay and succeeds if at
// least one accepts it.
func (p *Pool) Publish(ctx context.Context, urls []string, env *wire.Envelope) error {
	if len(urls) == 0 {
		return errors.New("no relays to publish to")
	}

	var wg sync.WaitGroup
	results := make(chan error, len(urls))
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			err := p.Get(url).Publish(ctx, env)
			if err != nil {
				p.log.Debug("publish failed", "relay", url, "err", err)
			}
			results <- err
		}(url)
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err == nil {
			return nil
		}
	}
	return errors.New("failed to publish to any relay")
}

// Fetch queries all given relays, deduplicates by envelope id, and
// returns the merged set sorted newest first.
func (p *Pool) Fetch(ctx context.Context, urls []string, filter *wire.Filter) ([]*wire.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]*wire.Envelope)

	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			batch, err := p.Get(url).Fetch(ctx, filter)
			if err != nil {
				p.log.Debug("fetch failed", "relay", url, "err", err)
				return
			}
			mu.Lock()
			for _, env := range batch {
				seen[env.ID] = env
			}
			mu.Unlock()
		}(url)
	}
	wg.Wait()

	merged := make([]*wire.Envelope, 0, len(seen))
	for _, env := range seen {
		merged = append(merged, env)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	return merged, nil
}

// Close disconnects every relay in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.relays {
		r.Close()
	}
	p.relays = make(map[string]*Relay)
}

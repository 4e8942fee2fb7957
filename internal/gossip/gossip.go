// Package gossip implements the gossip adapter (spec §4.8, C9): it turns
// (peer, have(URN)) events from the membership layer into replication
// work items, debouncing duplicate announcements and applying
// backpressure to a bounded queue.
//
// Grounded on kernel/core/mesh/routing/gossip.go's GossipManager: a
// bloom-filter seen-set for cheap duplicate suppression, a bounded
// channel for the work queue, and a token-bucket rate limiter guarding
// admission of brand-new work — generalized from epidemic message
// propagation to per-URN debounce-and-coalesce.
package gossip

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/time/rate"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/urn"
)

// DefaultDebounce is Δ, the default coalescing window (spec §4.8).
const DefaultDebounce = 2 * time.Second

// DefaultQueueCeiling bounds how many distinct URNs may be pending or
// in flight at once before new URNs are dropped.
const DefaultQueueCeiling = 1024

// Config tunes an Adapter.
type Config struct {
	Debounce     time.Duration
	QueueCeiling int
	RateLimit    rate.Limit
	RateBurst    int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     DefaultDebounce,
		QueueCeiling: DefaultQueueCeiling,
		RateLimit:    rate.Limit(50),
		RateBurst:    50,
	}
}

// WorkItem is one dispatcher-ready unit of gossip: a URN and the
// distinct peers that announced having it since the last coalesced
// flush.
type WorkItem struct {
	URN   urn.URN
	Peers []keystore.PeerID
}

type pendingEntry struct {
	item  WorkItem
	seen  *bloom.BloomFilter
	timer *time.Timer
}

// Adapter consumes (peer, have(URN)) events and produces debounced,
// backpressured WorkItems for a replication dispatcher to consume from
// Work().
type Adapter struct {
	mu       sync.Mutex
	cfg      Config
	pending  map[string]*pendingEntry
	inFlight map[string]bool
	queue    chan WorkItem
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New builds an Adapter. A nil logger disables logging.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.QueueCeiling <= 0 {
		cfg.QueueCeiling = DefaultQueueCeiling
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		cfg:      cfg,
		pending:  make(map[string]*pendingEntry),
		inFlight: make(map[string]bool),
		queue:    make(chan WorkItem, cfg.QueueCeiling),
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logger.With("component", "gossip"),
	}
}

// Notify handles one (peer, have(URN)) event.
func (a *Adapter) Notify(peer keystore.PeerID, u urn.URN) {
	key := u.String()
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry, ok := a.pending[key]; ok {
		if !entry.seen.TestAndAdd([]byte(peer.String())) {
			entry.item.Peers = append(entry.item.Peers, peer)
		}
		return
	}

	if a.inFlight[key] {
		// Already queued awaiting dispatch: a repeat announcement for it
		// is idempotent, so it is simply dropped (spec §4.8).
		return
	}

	if len(a.pending)+len(a.inFlight) >= a.cfg.QueueCeiling {
		a.logger.Warn("dropping announcement for a new urn beyond the queue ceiling", "urn", key)
		return
	}

	if !a.limiter.Allow() {
		a.logger.Warn("dropping announcement for a new urn, rate limit exceeded", "urn", key)
		return
	}

	seen := bloom.NewWithEstimates(64, 0.01)
	seen.Add([]byte(peer.String()))
	entry := &pendingEntry{item: WorkItem{URN: u, Peers: []keystore.PeerID{peer}}, seen: seen}
	entry.timer = time.AfterFunc(a.cfg.Debounce, func() { a.flush(key) })
	a.pending[key] = entry
}

func (a *Adapter) flush(key string) {
	a.mu.Lock()
	entry, ok := a.pending[key]
	if ok {
		delete(a.pending, key)
		a.inFlight[key] = true
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	select {
	case a.queue <- entry.item:
	default:
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
		a.logger.Warn("dropping coalesced item, work queue is full", "urn", key)
	}
}

// Work returns the channel a dispatcher reads WorkItems from.
func (a *Adapter) Work() <-chan WorkItem { return a.queue }

// MarkProcessed tells the Adapter a dispatcher has finished handling
// u's WorkItem, so a fresh announcement for it may be admitted again.
func (a *Adapter) MarkProcessed(u urn.URN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, u.String())
}

// Stop cancels every pending debounce timer, for a clean shutdown.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, e := range a.pending {
		e.timer.Stop()
		delete(a.pending, key)
	}
}

// Pending reports how many distinct URNs are currently debouncing or
// awaiting dispatch, for diagnostics/metrics.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) + len(a.inFlight)
}

// Package tracking implements the tracking graph (spec §4.7, C8): the
// directed, per-namespace "p tracks q" relation that seeds the refspec
// planner (C5), plus its on-disk config file (spec §6, "Persisted state:
// ... a tracking config file per namespace").
//
// Grounded on mesh/routing/dht.go's peer bucket/closure bookkeeping for
// the bounded-depth BFS, and mesh/routing/reputation.go's
// sync.RWMutex-guarded map idiom for the config's in-memory state.
package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/urn"
)

// DefaultDepth is the default transitive tracking closure bound D.
const DefaultDepth = 3

// Config is the per-namespace set of explicitly tracked peers: "p appears
// in a per-namespace tracking config file" (spec §4.7). A peer can also be
// tracked implicitly by already having refs under remotes/<p>/ in the
// refdb; Config only covers peers tracked in advance of ever replicating
// them.
type Config struct {
	mu      sync.RWMutex
	tracked map[string]map[string]keystore.PeerID // ns.String() -> peer.String() -> PeerID
}

// NewConfig creates an empty tracking config.
func NewConfig() *Config {
	return &Config{tracked: make(map[string]map[string]keystore.PeerID)}
}

// Track adds peer to ns's explicitly tracked set.
func (c *Config) Track(ns urn.URN, peer keystore.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tracked[ns.String()]
	if !ok {
		m = make(map[string]keystore.PeerID)
		c.tracked[ns.String()] = m
	}
	m[peer.String()] = peer
}

// Untrack removes peer from ns's explicitly tracked set. It does not
// touch any refs already replicated from peer (spec §7: "suspect peers
// are not removed from tracking automatically" applies symmetrically —
// untracking is a policy decision above the core, not a refdb mutation).
func (c *Config) Untrack(ns urn.URN, peer keystore.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.tracked[ns.String()]; ok {
		delete(m, peer.String())
	}
}

// TrackedPeers returns ns's explicitly tracked peers.
func (c *Config) TrackedPeers(ns urn.URN) []keystore.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.tracked[ns.String()]
	out := make([]keystore.PeerID, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

type persistedConfig struct {
	Peers []string `json:"peers"`
}

func configPath(dir string, ns urn.URN) string {
	return filepath.Join(dir, url.PathEscape(ns.String())+".json")
}

// Load reads ns's config file from dir, merging it into c. A missing file
// is not an error: a namespace with no prior tracking decisions simply
// has none yet.
func (c *Config) Load(dir string, ns urn.URN) error {
	data, err := os.ReadFile(configPath(dir, ns))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracking: read config for %s: %w", ns, err)
	}
	var persisted persistedConfig
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("tracking: parse config for %s: %w", ns, err)
	}
	for _, s := range persisted.Peers {
		p, err := keystore.ParsePeerID(s)
		if err != nil {
			continue
		}
		c.Track(ns, p)
	}
	return nil
}

// Save writes ns's current explicitly tracked set to dir.
func (c *Config) Save(dir string, ns urn.URN) error {
	peers := c.TrackedPeers(ns)
	strs := make([]string, len(peers))
	for i, p := range peers {
		strs[i] = p.String()
	}
	sort.Strings(strs)

	data, err := json.MarshalIndent(persistedConfig{Peers: strs}, "", "  ")
	if err != nil {
		return fmt.Errorf("tracking: encode config for %s: %w", ns, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tracking: create config dir: %w", err)
	}
	return os.WriteFile(configPath(dir, ns), data, 0o644)
}

// Graph computes the tracking relation from a refdb and a Config.
type Graph struct {
	refs   *refdb.DB
	config *Config
}

// New builds a Graph over refs and config.
func New(refs *refdb.DB, config *Config) *Graph {
	return &Graph{refs: refs, config: config}
}

// DirectlyTracked returns the peers directly tracked in ns: those with a
// non-empty remotes/<p>/ subtree in the refdb, union the explicitly
// configured set.
func (g *Graph) DirectlyTracked(ns urn.URN) []keystore.PeerID {
	seen := make(map[string]keystore.PeerID)
	for _, e := range g.refs.List(ns, "remotes/") {
		peerStr, ok := e.Path.RemotePeer()
		if !ok {
			continue
		}
		p, err := keystore.ParsePeerID(peerStr)
		if err != nil {
			continue
		}
		seen[p.String()] = p
	}
	for _, p := range g.config.TrackedPeers(ns) {
		seen[p.String()] = p
	}
	return sortedValues(seen)
}

// nestedPeer is one hop of transitive tracking discovered under a
// parent's mirrored subtree, carrying the full path prefix its own
// mirrored remotes live under (so the walk can recurse further without
// losing the nesting it has already descended into).
type nestedPeer struct {
	Peer   keystore.PeerID
	Prefix refdb.Path
}

// nestedUnder returns the peers whose mirrored remotes subtree appears
// directly below prefix, i.e. paths of the shape
// "<prefix>remotes/<q>/...". A peer's own tracked-peer refs are mirrored
// alongside its owned refs when we replicate it, so this is how one hop
// of transitive tracking is discovered locally without a dedicated
// wire message for "who does p track".
func (g *Graph) nestedUnder(ns urn.URN, prefix refdb.Path) []nestedPeer {
	nestedPrefix := refdb.Path(string(prefix) + "remotes/")
	seen := make(map[string]keystore.PeerID)
	for _, e := range g.refs.List(ns, nestedPrefix) {
		rest := strings.TrimPrefix(string(e.Path), string(nestedPrefix))
		seg := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seg = rest[:idx]
		}
		p, err := keystore.ParsePeerID(seg)
		if err != nil {
			continue
		}
		seen[p.String()] = p
	}
	peers := sortedValues(seen)
	out := make([]nestedPeer, len(peers))
	for i, p := range peers {
		out[i] = nestedPeer{Peer: p, Prefix: refdb.Path(string(nestedPrefix) + p.String() + "/")}
	}
	return out
}

func sortedValues(m map[string]keystore.PeerID) []keystore.PeerID {
	out := make([]keystore.PeerID, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// closure performs the bounded-depth breadth-first walk: ns's direct set is
// one edge away, and peers more than depthD edges from ns are ignored
// (not forgotten — nothing
// about them is deleted, they're just excluded from this computation).
// Each frontier entry tracks the refdb path prefix it was discovered
// under, since transitive mirroring nests (remotes/p1/remotes/p2/...),
// not flattens.
func (g *Graph) closure(ns urn.URN, depthD int) []keystore.PeerID {
	visited := make(map[string]keystore.PeerID)
	var frontier []nestedPeer
	for _, p := range g.DirectlyTracked(ns) {
		visited[p.String()] = p
		frontier = append(frontier, nestedPeer{Peer: p, Prefix: refdb.Path("remotes/" + p.String() + "/")})
	}
	for depth := 1; depth < depthD && len(frontier) > 0; depth++ {
		var next []nestedPeer
		for _, fe := range frontier {
			for _, np := range g.nestedUnder(ns, fe.Prefix) {
				if _, ok := visited[np.Peer.String()]; ok {
					continue
				}
				visited[np.Peer.String()] = np.Peer
				next = append(next, np)
			}
		}
		frontier = next
	}
	return sortedValues(visited)
}

// Round is a per-replication-round memoized view over a Graph (spec
// §4.7: "transitive tracking is computed lazily and memoised per
// round"). Callers create one Round per replication round and discard it
// afterward; memoized results never outlive the round they were computed
// for, since tracking may change between rounds.
type Round struct {
	graph *Graph
	memo  map[string][]keystore.PeerID
}

// NewRound starts a fresh per-round memoization cache over g.
func (g *Graph) NewRound() *Round {
	return &Round{graph: g, memo: make(map[string][]keystore.PeerID)}
}

// Closure returns the transitive tracking closure for ns bounded by
// depthD, computing it once per (namespace, depth) pair for the lifetime
// of this Round.
func (r *Round) Closure(ns urn.URN, depthD int) []keystore.PeerID {
	key := fmt.Sprintf("%s@%d", ns, depthD)
	if cached, ok := r.memo[key]; ok {
		return cached
	}
	result := r.graph.closure(ns, depthD)
	r.memo[key] = result
	return result
}

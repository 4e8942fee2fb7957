// Package refdb implements the monorepo refdb (spec §3, §4.2, C3):
// namespaced reads and writes over an opaque underlying object store,
// exposing symbolic refs as a first-class target (never auto-dereferenced)
// and enforcing §3's invariants on rad/id's linear, append-only history.
//
// Grounded on the teacher's in-memory, mutex-guarded map idiom
// (kernel/core/mesh/cache.go / mesh/routing/reputation.go's
// sync.RWMutex-guarded score map), generalized to per-ref locking acquired
// in lexicographic order (spec §5) instead of one coarse lock.
package refdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/radicle-works/link/internal/identity"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/urn"
)

// Path is a ref path within a namespace, e.g. "heads/main", "rad/id",
// "rad/signed_refs", "rad/ids/<certifier-urn>", "remotes/<peer>/heads/main".
type Path string

// Well-known top-level ref paths (spec §3).
const (
	RadID         Path = "rad/id"
	RadSignedRefs Path = "rad/signed_refs"
	RadSelf       Path = "rad/self"
)

// HeadsPath builds "heads/<name>".
func HeadsPath(name string) Path { return Path("heads/" + name) }

// RadIDsPath builds "rad/ids/<certifier>".
func RadIDsPath(certifier urn.URN) Path { return Path("rad/ids/" + certifier.String()) }

// RemotesPath builds "remotes/<peer>/<rest>".
func RemotesPath(peer string, rest Path) Path { return Path("remotes/" + peer + "/" + string(rest)) }

// IsHeads reports whether p is under heads/.
func (p Path) IsHeads() bool { return strings.HasPrefix(string(p), "heads/") }

// IsRemotes reports whether p is under remotes/.
func (p Path) IsRemotes() bool { return strings.HasPrefix(string(p), "remotes/") }

// RemotePeer returns the peer segment of a remotes/<peer>/... path.
func (p Path) RemotePeer() (string, bool) {
	if !p.IsRemotes() {
		return "", false
	}
	rest := strings.TrimPrefix(string(p), "remotes/")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest, true
	}
	return rest[:idx], true
}

// Symref is a symbolic target: another namespace's ref path. The refdb
// exposes this as a first-class Resolve result rather than following it
// automatically, so callers can detect cycles (spec §4.2, §9).
type Symref struct {
	Namespace urn.URN
	Path      Path
}

// ResolveKind distinguishes the three possible outcomes of Resolve.
type ResolveKind int

const (
	ResolveMissing ResolveKind = iota
	ResolveObject
	ResolveSymref
)

// Resolution is the result of resolving a ref.
type Resolution struct {
	Kind   ResolveKind
	Object objstore.ObjectID
	Symref Symref
}

type entry struct {
	isSymref bool
	object   objstore.ObjectID
	symref   Symref
}

func fullKey(ns urn.URN, path Path) string { return ns.String() + "\x00" + string(path) }

// DB is an in-memory monorepo refdb: the reference implementation of the
// interface described in spec §4.2.
type DB struct {
	store objstore.Store

	mu     sync.RWMutex // guards the refs map's membership
	refs   map[string]entry
	locks  map[string]*sync.Mutex // per-ref lock, acquired in lexicographic key order
	lockMu sync.Mutex             // guards creation of per-ref locks
}

// New creates a refdb backed by store for revision decoding during
// fast-forward checks on rad/id.
func New(store objstore.Store) *DB {
	return &DB{
		store: store,
		refs:  make(map[string]entry),
		locks: make(map[string]*sync.Mutex),
	}
}

func (db *DB) lockFor(key string) *sync.Mutex {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()
	l, ok := db.locks[key]
	if !ok {
		l = &sync.Mutex{}
		db.locks[key] = l
	}
	return l
}

// Resolve reads the current target of ns/path.
func (db *DB) Resolve(ns urn.URN, path Path) Resolution {
	key := fullKey(ns, path)
	db.mu.RLock()
	e, ok := db.refs[key]
	db.mu.RUnlock()
	if !ok {
		return Resolution{Kind: ResolveMissing}
	}
	if e.isSymref {
		return Resolution{Kind: ResolveSymref, Symref: e.symref}
	}
	return Resolution{Kind: ResolveObject, Object: e.object}
}

// List returns every (path, target) pair under ns whose path has the
// given prefix.
func (db *DB) List(ns urn.URN, prefix Path) []struct {
	Path Path
	Resolution
} {
	nsPrefix := ns.String() + "\x00" + string(prefix)
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []struct {
		Path Path
		Resolution
	}
	for key, e := range db.refs {
		if !strings.HasPrefix(key, nsPrefix) {
			continue
		}
		idx := strings.IndexByte(key, 0)
		path := Path(key[idx+1:])
		res := Resolution{Kind: ResolveObject, Object: e.object}
		if e.isSymref {
			res = Resolution{Kind: ResolveSymref, Symref: e.symref}
		}
		out = append(out, struct {
			Path Path
			Resolution
		}{Path: path, Resolution: res})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RefUpdate is one compare-and-set to stage within a transaction.
type RefUpdate struct {
	Namespace urn.URN
	Path      Path
	Old       objstore.ObjectID // zero value means "must not currently exist"
	New       objstore.ObjectID
}

// Tx applies a set of ref updates transactionally: all or none (spec §4.6
// phase 4, "Apply refs transactionally"). Locks are acquired over the
// union of touched refs in lexicographic order by full path (spec §5) to
// preclude deadlock against a concurrent transaction touching an
// overlapping ref set.
func (db *DB) Tx(ctx context.Context, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	keys := make([]string, len(updates))
	for i, u := range updates {
		keys[i] = fullKey(u.Namespace, u.Path)
	}
	order := make([]int, len(updates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })

	locked := make([]*sync.Mutex, 0, len(updates))
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}()
	for _, idx := range order {
		l := db.lockFor(keys[idx])
		l.Lock()
		locked = append(locked, l)
	}

	// Validate every update against current state before mutating any of
	// them, so a mid-transaction failure never leaves a partial write.
	for _, idx := range order {
		u := updates[idx]
		if err := db.checkUpdate(ctx, u); err != nil {
			return err
		}
	}

	db.mu.Lock()
	for _, idx := range order {
		u := updates[idx]
		db.refs[keys[idx]] = entry{object: u.New}
	}
	db.mu.Unlock()
	return nil
}

func (db *DB) checkUpdate(ctx context.Context, u RefUpdate) error {
	current := db.Resolve(u.Namespace, u.Path)
	switch current.Kind {
	case ResolveSymref:
		return rerror.New(rerror.KindStorage, rerror.CodeRefMismatch,
			fmt.Sprintf("%s/%s is a symref, cannot compare-and-set against an object id", u.Namespace, u.Path))
	case ResolveObject:
		if u.Old.IsZero() || current.Object.String() != u.Old.String() {
			return rerror.New(rerror.KindStorage, rerror.CodeRefMismatch,
				fmt.Sprintf("%s/%s: expected %s, found %s", u.Namespace, u.Path, u.Old, current.Object))
		}
	case ResolveMissing:
		if !u.Old.IsZero() {
			return rerror.New(rerror.KindStorage, rerror.CodeRefMismatch,
				fmt.Sprintf("%s/%s: expected %s, found nothing", u.Namespace, u.Path, u.Old))
		}
	}

	if isRadIDPath(u.Path) {
		return db.checkFastForward(ctx, current, u)
	}
	return nil
}

// isRadIDPath reports whether p names a rad/id ref, at the top level of a
// namespace or mirrored under a peer's remote (e.g. "remotes/<peer>/rad/id"):
// both carry the same linear, append-only history and both get the same
// fast-forward protection (spec §4.4's refspec planner already treats every
// rad/id-shaped path as protected from force-pushes for the same reason).
func isRadIDPath(p Path) bool {
	s := string(p)
	return s == string(RadID) || strings.HasSuffix(s, "/"+string(RadID))
}

// checkFastForward enforces I1: a fetch that would non-fast-forward
// rad/id is rejected, unconditionally (spec §4.2, §4.6 phase 4).
func (db *DB) checkFastForward(ctx context.Context, current Resolution, u RefUpdate) error {
	if current.Kind != ResolveObject || current.Object.IsZero() {
		return nil // no prior history to diverge from
	}
	if current.Object.String() == u.New.String() {
		return nil // no-op update (P6 idempotence)
	}
	ok, err := db.isAncestor(ctx, current.Object, u.New)
	if err != nil {
		return err
	}
	if !ok {
		return rerror.New(rerror.KindVerification, rerror.CodeNonFastForward,
			fmt.Sprintf("rad/id update for %s would rewrite history", u.Namespace))
	}
	return nil
}

// isAncestor walks new's parent chain looking for old, bounding the walk
// to avoid an unbounded scan against a hostile or corrupt chain.
func (db *DB) isAncestor(ctx context.Context, old, new objstore.ObjectID) (bool, error) {
	const maxWalk = 100000
	cursor := new
	for i := 0; i < maxWalk; i++ {
		if cursor.String() == old.String() {
			return true, nil
		}
		raw, err := db.store.Read(ctx, cursor)
		if err != nil {
			return false, rerror.Wrap(rerror.KindStorage, "READ_FAILED", "read revision during fast-forward check", err)
		}
		rev, err := identity.DecodeRevision(raw, identity.SupportedVersion)
		if err != nil {
			return false, err
		}
		if rev.Parent.IsZero() {
			return false, nil
		}
		cursor = rev.Parent
	}
	return false, rerror.New(rerror.KindVerification, rerror.CodeHistoryRewrite, "ancestor walk exceeded bound")
}

// Symlink atomically rewrites ns/path into a symref pointing at
// target_ns/target_path (spec §4.2's "symref(ns, path, target_ns,
// target_path) — atomic rewrite"). Named Symlink (not Symref) to avoid
// colliding with the Symref result type above.
func (db *DB) Symlink(ns urn.URN, path Path, targetNS urn.URN, targetPath Path) error {
	key := fullKey(ns, path)
	l := db.lockFor(key)
	l.Lock()
	defer l.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.refs[key] = entry{isSymref: true, symref: Symref{Namespace: targetNS, Path: targetPath}}
	return nil
}

// CombineTxErrors folds several ref-update failures from one aborted
// transaction into a single error for the caller (spec §4.6 phase 4/5,
// rollback reporting).
func CombineTxErrors(errs ...error) error {
	return multierr.Combine(errs...)
}

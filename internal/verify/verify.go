// Package verify implements the identity verifier (spec §4.3, C4): given a
// namespace, walk its rad/id history and decide whether every revision is
// backed by a quorum of the delegate set it succeeds, recursing into
// certifier identities up to a bounded depth.
//
// Grounded on mesh/verifier.go's pending/passed/failed status shape,
// generalized from a single expected-vs-actual digest comparison to the
// quorum/certifier/continuity algorithm below; deterministic, identical
// inputs always reach the same verdict, so two peers observing the same
// refs never disagree.
package verify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/identity"
	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/urn"
)

// DefaultDepth is the default certifier recursion bound K (spec §4.3 step
// 4: "bounded by a configured depth K (default 3)").
const DefaultDepth = 3

// Result is the verdict for a namespace that verified successfully.
type Result struct {
	Namespace  urn.URN
	Tip        objstore.ObjectID
	Delegates  []keystore.PeerID
	Certifiers []urn.URN
}

// Verifier checks identity namespaces against the refdb and object store.
// It is a pure function of their contents save for self, the local peer's
// own PeerID, which I4 requires rad/self's delegates to include.
type Verifier struct {
	refs   *refdb.DB
	store  objstore.Store
	depthK int
	self   keystore.PeerID
}

// New builds a Verifier with the given certifier recursion bound. self is
// this peer's own PeerID, needed to check I4 (rad/self must delegate to the
// peer holding the heads it names).
func New(refs *refdb.DB, store objstore.Store, depthK int, self keystore.PeerID) *Verifier {
	if depthK <= 0 {
		depthK = DefaultDepth
	}
	return &Verifier{refs: refs, store: store, depthK: depthK, self: self}
}

// Verify walks ns's rad/id chain and checks every revision against its
// predecessor's delegate quorum and certifier set, then enforces I4 at the
// top level: a namespace that owns heads (heads/*) requires a rad/self that
// resolves to a verified identity delegating to this peer. I4 is checked
// only here, not recursively into certifier namespaces
// (checkCertifiers/verifyCached), since a certifier is someone else's
// identity and need not carry this peer's own working copy.
func (v *Verifier) Verify(ctx context.Context, ns urn.URN) (Result, error) {
	cache := make(map[string]cacheEntry)
	result, err := v.verifyCached(ctx, ns, 0, cache)
	if err != nil {
		return Result{}, err
	}
	if err := v.checkSelf(ctx, ns); err != nil {
		return Result{}, err
	}
	return result, nil
}

// checkSelf enforces I4: a namespace with a non-empty heads/* of its own
// requires rad/self to resolve to a verified identity whose delegates
// include this peer's PeerID (spec §3). Scoped to owned heads only — a
// namespace we merely relay (remotes/<p>/heads/* populated, heads/* of our
// own empty) is someone else's working copy, not ours to attest to.
func (v *Verifier) checkSelf(ctx context.Context, ns urn.URN) error {
	if len(v.refs.List(ns, refdb.HeadsPath(""))) == 0 {
		return nil
	}

	res := v.refs.Resolve(ns, refdb.RadSelf)
	if res.Kind != refdb.ResolveSymref {
		return rerror.New(rerror.KindVerification, rerror.CodeMissingSelf,
			fmt.Sprintf("namespace %s has heads but no rad/self", ns))
	}

	selfCache := make(map[string]cacheEntry)
	target, err := v.verifyCached(ctx, res.Symref.Namespace, 0, selfCache)
	if err != nil {
		return rerror.Wrap(rerror.KindVerification, rerror.CodeMissingSelf, "verify rad/self target", err)
	}
	for _, d := range target.Delegates {
		if d == v.self {
			return nil
		}
	}
	return rerror.New(rerror.KindVerification, rerror.CodeMissingSelf,
		fmt.Sprintf("rad/self for %s does not delegate to this peer", ns))
}

type cacheEntry struct {
	result Result
	err    error
}

// verifyCached memoizes per-namespace verdicts within a single top-level
// Verify call, so a namespace reached through several certifiers is verified
// once. A verdict is stored only after its verification returns, so a
// certifier cycle (A certifies B, B certifies A) is not detected as a cycle:
// the recursion goes round it until the depth bound is exceeded and fails
// with CodeCertifierDepth.
func (v *Verifier) verifyCached(ctx context.Context, ns urn.URN, depth int, cache map[string]cacheEntry) (Result, error) {
	key := ns.String()
	if e, ok := cache[key]; ok {
		return e.result, e.err
	}
	result, err := v.verifyOnce(ctx, ns, depth, cache)
	cache[key] = cacheEntry{result: result, err: err}
	return result, err
}

type chainLink struct {
	id  objstore.ObjectID
	rev identity.Revision
}

func (v *Verifier) verifyOnce(ctx context.Context, ns urn.URN, depth int, cache map[string]cacheEntry) (Result, error) {
	if depth > v.depthK {
		return Result{}, rerror.New(rerror.KindVerification, rerror.CodeCertifierDepth,
			fmt.Sprintf("certifier recursion for %s exceeded depth %d", ns, v.depthK))
	}

	links, err := v.chain(ctx, ns)
	if err != nil {
		return Result{}, err
	}

	hashFn, err := hashFuncOf(ns.Hash)
	if err != nil {
		return Result{}, err
	}
	root := links[0].rev
	rootHash, err := root.Document.Hash(hashFn)
	if err != nil {
		return Result{}, err
	}
	if !bytes.Equal(rootHash, ns.Hash) {
		return Result{}, rerror.New(rerror.KindVerification, rerror.CodeSchema,
			fmt.Sprintf("root document of %s does not hash to its own name", ns))
	}

	var last identity.Document
	for i, link := range links {
		requiredDoc := root.Document
		if i > 0 {
			requiredDoc = last
		}
		if err := v.checkQuorum(link.rev, requiredDoc); err != nil {
			return Result{}, err
		}
		if err := v.checkCertifiers(ctx, link.rev, depth, cache); err != nil {
			return Result{}, err
		}
		last = link.rev.Document
	}

	tip := links[len(links)-1]
	return Result{
		Namespace:  ns,
		Tip:        tip.id,
		Delegates:  last.Delegates,
		Certifiers: last.Certifiers,
	}, nil
}

// chain walks rad/id from tip back to root, returning it in root-to-tip
// order (spec §4.3 step 1).
func (v *Verifier) chain(ctx context.Context, ns urn.URN) ([]chainLink, error) {
	res := v.refs.Resolve(ns, refdb.RadID)
	if res.Kind != refdb.ResolveObject || res.Object.IsZero() {
		return nil, rerror.New(rerror.KindVerification, rerror.CodeSchema,
			fmt.Sprintf("namespace %s has no rad/id", ns))
	}

	const maxChain = 100000
	var links []chainLink
	cursor := res.Object
	for i := 0; i < maxChain; i++ {
		raw, err := v.store.Read(ctx, cursor)
		if err != nil {
			return nil, rerror.Wrap(rerror.KindStorage, "READ_FAILED", "read rad/id revision", err)
		}
		rev, err := identity.DecodeRevision(raw, identity.SupportedVersion)
		if err != nil {
			return nil, err
		}
		links = append(links, chainLink{id: cursor, rev: rev})
		if rev.Parent.IsZero() {
			break
		}
		cursor = rev.Parent
	}
	if len(links) == maxChain {
		return nil, rerror.New(rerror.KindVerification, rerror.CodeHistoryRewrite, "rad/id chain exceeded walk bound")
	}

	for i, j := 0, len(links)-1; i < j; i, j = i+1, j-1 {
		links[i], links[j] = links[j], links[i]
	}
	return links, nil
}

// checkQuorum enforces spec §4.3 steps 3 and 5: rev's signatures must meet
// requiredDoc's quorum over requiredDoc's own delegate set. requiredDoc is
// the root document when rev is the root revision, and the *preceding*
// revision's document otherwise — which is simultaneously the quorum
// check and the delegate continuity rule, since they are the same
// constraint applied at every step including the first.
func (v *Verifier) checkQuorum(rev identity.Revision, requiredDoc identity.Document) error {
	threshold, err := requiredDoc.Quorum.Resolve(len(requiredDoc.Delegates))
	if err != nil {
		return err
	}
	verified, err := rev.SignersAmong(requiredDoc.Delegates, v.keyOf)
	if err != nil {
		return err
	}
	if len(verified) < threshold {
		return rerror.New(rerror.KindVerification, rerror.CodeQuorum,
			fmt.Sprintf("revision has %d verified signatures, needs %d", len(verified), threshold))
	}
	return nil
}

// checkCertifiers enforces spec §4.3 step 4: every certifier of rev's
// document must exist locally, verify by the same rules (recursively,
// bounded by depth), and have one of its *current* delegates among rev's
// signers.
func (v *Verifier) checkCertifiers(ctx context.Context, rev identity.Revision, depth int, cache map[string]cacheEntry) error {
	for _, c := range rev.Document.Certifiers {
		if res := v.refs.Resolve(c, refdb.RadID); res.Kind != refdb.ResolveObject {
			return rerror.New(rerror.KindVerification, rerror.CodeCertifierMissing,
				fmt.Sprintf("certifier %s does not exist locally", c))
		}

		certResult, err := v.verifyCached(ctx, c, depth+1, cache)
		if err != nil {
			return err
		}

		verified, err := rev.SignersAmong(certResult.Delegates, v.keyOf)
		if err != nil {
			return err
		}
		if len(verified) == 0 {
			return rerror.New(rerror.KindVerification, rerror.CodeCertifierMissing,
				fmt.Sprintf("no current delegate of certifier %s signed this revision", c))
		}
	}
	return nil
}

func (v *Verifier) keyOf(p keystore.PeerID) (ed25519.PublicKey, bool) {
	key, err := keystore.VerifyingKeyFromPeerID(p)
	if err != nil {
		return nil, false
	}
	return key, true
}

func hashFuncOf(mh multihash.Multihash) (uint64, error) {
	dec, err := multihash.Decode(mh)
	if err != nil {
		return 0, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode namespace multihash", err)
	}
	return dec.Code, nil
}

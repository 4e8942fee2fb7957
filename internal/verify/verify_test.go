package verify

import (
	"context"
	"testing"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/identity"
	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/urn"
)

type harness struct {
	t     *testing.T
	store *objstore.MemStore
	refs  *refdb.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := objstore.NewMemStore()
	return &harness{t: t, store: store, refs: refdb.New(store)}
}

func mustKey(t *testing.T) *keystore.Local {
	t.Helper()
	ks, err := keystore.Generate()
	if err != nil {
		t.Fatalf("keystore.Generate: %v", err)
	}
	return ks
}

// publish signs and installs a single-revision rad/id chain (no parent) for
// a fresh namespace, returning its URN.
func (h *harness) publish(delegates []keystore.PeerID, quorum identity.QuorumRule, certifiers []urn.URN, signers ...*keystore.Local) urn.URN {
	h.t.Helper()
	doc := identity.Document{
		Version:    identity.SupportedVersion,
		Payload:    []byte("{}"),
		Delegates:  delegates,
		Certifiers: certifiers,
		Quorum:     quorum,
	}
	hash, err := doc.Hash(multihash.SHA2_256)
	if err != nil {
		h.t.Fatalf("Hash: %v", err)
	}
	ns := urn.New(urn.SchemaV1, hash)

	rev := identity.Revision{Document: doc, DocHash: hash}
	for _, s := range signers {
		if err := rev.Sign(s); err != nil {
			h.t.Fatalf("Sign: %v", err)
		}
	}
	encoded, err := rev.Encode()
	if err != nil {
		h.t.Fatalf("Encode: %v", err)
	}
	id, err := h.store.Put(encoded)
	if err != nil {
		h.t.Fatalf("Put: %v", err)
	}
	if err := h.refs.Tx(context.Background(), []refdb.RefUpdate{{Namespace: ns, Path: refdb.RadID, New: id}}); err != nil {
		h.t.Fatalf("seed rad/id for %s: %v", ns, err)
	}
	return ns
}

func TestVerifyAcceptsQuorumSignedRoot(t *testing.T) {
	h := newHarness(t)
	a, b, c := mustKey(t), mustKey(t), mustKey(t)
	delegates := []keystore.PeerID{a.PublicKey(), b.PublicKey(), c.PublicKey()}

	ns := h.publish(delegates, identity.QuorumRule{}, nil, a, b)

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	result, err := v.Verify(context.Background(), ns)
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if len(result.Delegates) != 3 {
		t.Fatalf("expected 3 delegates in result, got %d", len(result.Delegates))
	}
}

func TestVerifyRejectsBelowQuorum(t *testing.T) {
	h := newHarness(t)
	a, b, c := mustKey(t), mustKey(t), mustKey(t)
	delegates := []keystore.PeerID{a.PublicKey(), b.PublicKey(), c.PublicKey()}

	ns := h.publish(delegates, identity.QuorumRule{}, nil, a)

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	_, err := v.Verify(context.Background(), ns)
	if err == nil {
		t.Fatal("expected a quorum failure")
	}
	var rerr *rerror.Error
	if e, ok := err.(*rerror.Error); !ok || e.Code != rerror.CodeQuorum {
		t.Fatalf("expected CodeQuorum, got %v (%v)", err, rerr)
	}
}

func TestVerifyRejectsMissingCertifier(t *testing.T) {
	h := newHarness(t)
	a := mustKey(t)
	delegates := []keystore.PeerID{a.PublicKey()}

	phantomHash, err := (identity.Document{Version: 1, Payload: []byte("{}"), Delegates: delegates}).Hash(multihash.SHA2_256)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	phantom := urn.New(urn.SchemaV1, phantomHash)

	ns := h.publish(delegates, identity.QuorumRule{}, []urn.URN{phantom}, a)

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	_, err = v.Verify(context.Background(), ns)
	if err == nil {
		t.Fatal("expected a missing-certifier failure")
	}
	if e, ok := err.(*rerror.Error); !ok || e.Code != rerror.CodeCertifierMissing {
		t.Fatalf("expected CodeCertifierMissing, got %v", err)
	}
}

func TestVerifyCertifierMustSignWithCurrentDelegate(t *testing.T) {
	h := newHarness(t)
	a := mustKey(t)
	certDelegate := mustKey(t)

	certNS := h.publish([]keystore.PeerID{certDelegate.PublicKey()}, identity.QuorumRule{}, nil, certDelegate)

	// ns names certNS as a certifier but nobody from certNS's delegate set
	// signs ns's own revision (only a signs, who is not a certNS delegate).
	ns := h.publish([]keystore.PeerID{a.PublicKey()}, identity.QuorumRule{}, []urn.URN{certNS}, a)

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	_, err := v.Verify(context.Background(), ns)
	if err == nil {
		t.Fatal("expected a certifier-signature failure")
	}
	if e, ok := err.(*rerror.Error); !ok || e.Code != rerror.CodeCertifierMissing {
		t.Fatalf("expected CodeCertifierMissing, got %v", err)
	}
}

func TestVerifyAcceptsValidCertifierChain(t *testing.T) {
	h := newHarness(t)
	a := mustKey(t)
	certDelegate := mustKey(t)

	certNS := h.publish([]keystore.PeerID{certDelegate.PublicKey()}, identity.QuorumRule{}, nil, certDelegate)
	ns := h.publish([]keystore.PeerID{a.PublicKey()}, identity.QuorumRule{}, []urn.URN{certNS}, a, certDelegate)

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	result, err := v.Verify(context.Background(), ns)
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if len(result.Certifiers) != 1 || !result.Certifiers[0].Equal(certNS) {
		t.Fatalf("expected certifier %s in result, got %v", certNS, result.Certifiers)
	}
}

func TestVerifyDepthExceeded(t *testing.T) {
	h := newHarness(t)

	// Build a chain of certifiers three deep: ns -> c2 -> c3 -> leaf,
	// exceeding a configured depth bound of 1.
	leafKey := mustKey(t)
	leaf := h.publish([]keystore.PeerID{leafKey.PublicKey()}, identity.QuorumRule{}, nil, leafKey)

	k3 := mustKey(t)
	c3 := h.publish([]keystore.PeerID{k3.PublicKey()}, identity.QuorumRule{}, []urn.URN{leaf}, k3, leafKey)

	k2 := mustKey(t)
	c2 := h.publish([]keystore.PeerID{k2.PublicKey()}, identity.QuorumRule{}, []urn.URN{c3}, k2, k3)

	k1 := mustKey(t)
	ns := h.publish([]keystore.PeerID{k1.PublicKey()}, identity.QuorumRule{}, []urn.URN{c2}, k1, k2)

	v := New(h.refs, h.store, 1, mustKey(t).PublicKey())
	_, err := v.Verify(context.Background(), ns)
	if err == nil {
		t.Fatal("expected a certifier-depth failure")
	}
	if e, ok := err.(*rerror.Error); !ok || e.Code != rerror.CodeCertifierDepth {
		t.Fatalf("expected CodeCertifierDepth, got %v", err)
	}
}

func TestVerifyRejectsMissingSelfWhenHeadsPresent(t *testing.T) {
	h := newHarness(t)
	a := mustKey(t)
	ns := h.publish([]keystore.PeerID{a.PublicKey()}, identity.QuorumRule{}, nil, a)

	headObj, err := h.store.Put([]byte("tree-main"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.refs.Tx(context.Background(), []refdb.RefUpdate{{Namespace: ns, Path: refdb.HeadsPath("main"), New: headObj}}); err != nil {
		t.Fatalf("seed heads/main: %v", err)
	}

	v := New(h.refs, h.store, DefaultDepth, mustKey(t).PublicKey())
	_, err = v.Verify(context.Background(), ns)
	if err == nil {
		t.Fatal("expected a missing-self failure")
	}
	if e, ok := err.(*rerror.Error); !ok || e.Code != rerror.CodeMissingSelf {
		t.Fatalf("expected CodeMissingSelf, got %v", err)
	}
}

func TestVerifyAcceptsSelfDelegatingToThisPeer(t *testing.T) {
	h := newHarness(t)
	a := mustKey(t)
	ns := h.publish([]keystore.PeerID{a.PublicKey()}, identity.QuorumRule{}, nil, a)

	headObj, err := h.store.Put([]byte("tree-main"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.refs.Tx(context.Background(), []refdb.RefUpdate{{Namespace: ns, Path: refdb.HeadsPath("main"), New: headObj}}); err != nil {
		t.Fatalf("seed heads/main: %v", err)
	}

	self := mustKey(t)
	selfNS := h.publish([]keystore.PeerID{self.PublicKey()}, identity.QuorumRule{}, nil, self)
	if err := h.refs.Symlink(ns, refdb.RadSelf, selfNS, refdb.RadID); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	v := New(h.refs, h.store, DefaultDepth, self.PublicKey())
	if _, err := v.Verify(context.Background(), ns); err != nil {
		t.Fatalf("expected acceptance with a self that delegates to this peer, got %v", err)
	}
}

package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/identity"
	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/refspec"
	"github.com/radicle-works/link/internal/signedrefs"
	"github.com/radicle-works/link/internal/urn"
)

// linkedPeers builds two connected mocknet hosts, grounded on
// test/test_nodes.go's GenPeer/LinkAll/ConnectAllButSelf pattern.
func linkedPeers(t *testing.T) (server, client libp2phost.Host) {
	t.Helper()
	mn := mocknet.New()
	s, err := mn.GenPeer()
	if err != nil {
		t.Fatalf("GenPeer (server): %v", err)
	}
	c, err := mn.GenPeer()
	if err != nil {
		t.Fatalf("GenPeer (client): %v", err)
	}
	if err := mn.LinkAll(); err != nil {
		t.Fatalf("LinkAll: %v", err)
	}
	if err := mn.ConnectAllButSelf(); err != nil {
		t.Fatalf("ConnectAllButSelf: %v", err)
	}
	return s, c
}

func serverAddr(h libp2phost.Host) string {
	return fmt.Sprintf("%s/p2p/%s", h.Addrs()[0], h.ID())
}

func mustKey(t *testing.T) *keystore.Local {
	t.Helper()
	ks, err := keystore.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return ks
}

// seedNamespace installs a single-revision rad/id, a heads/main blob, and
// a matching signed-refs manifest into refs/store, returning the
// namespace and the objects' raw bytes.
func seedNamespace(t *testing.T, refs *refdb.DB, store *objstore.MemStore, signed *signedrefs.Store, owner *keystore.Local) (urn.URN, []byte) {
	t.Helper()
	doc := identity.Document{Version: identity.SupportedVersion, Payload: []byte("{}"), Delegates: []keystore.PeerID{owner.PublicKey()}}
	hash, err := doc.Hash(multihash.SHA2_256)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	ns := urn.New(urn.SchemaV1, hash)

	rev := identity.Revision{Document: doc, DocHash: hash}
	if err := rev.Sign(owner); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	encoded, err := rev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	radIDObj, err := store.Put(encoded)
	if err != nil {
		t.Fatalf("Put rad/id: %v", err)
	}
	headObj, err := store.Put([]byte("tree-main"))
	if err != nil {
		t.Fatalf("Put heads/main: %v", err)
	}

	ctx := context.Background()
	updates := []refdb.RefUpdate{
		{Namespace: ns, Path: refdb.RadID, New: radIDObj},
		{Namespace: ns, Path: refdb.HeadsPath("main"), New: headObj},
	}
	if err := refs.Tx(ctx, updates); err != nil {
		t.Fatalf("seed refs: %v", err)
	}

	manifest, err := signedrefs.Sign(map[refdb.Path]objstore.ObjectID{
		refdb.RadID:             radIDObj,
		refdb.HeadsPath("main"): headObj,
	}, owner)
	if err != nil {
		t.Fatalf("signedrefs.Sign: %v", err)
	}
	if err := signed.Publish(ctx, ns, manifest); err != nil {
		t.Fatalf("Publish manifest: %v", err)
	}
	return ns, []byte("tree-main")
}

func TestPeerAdvertiseSignedRefsFetchRoundTrip(t *testing.T) {
	serverHost, clientHost := linkedPeers(t)

	store := objstore.NewMemStore()
	refs := refdb.New(store)
	signed := signedrefs.NewStore(store, refs)
	owner := mustKey(t)
	ns, headBytes := seedNamespace(t, refs, store, signed, owner)

	Register(serverHost, NewServer(refs, store, signed, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := Dial(ctx, clientHost, serverAddr(serverHost))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if peer.PeerID().String() != serverHost.ID().String() {
		t.Fatalf("peer id mismatch: got %s, want %s", peer.PeerID(), serverHost.ID())
	}

	adv, err := peer.Advertise(ctx, ns)
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	if !containsPath(adv.Paths, refdb.RadID) || !containsPath(adv.Paths, refdb.HeadsPath("main")) {
		t.Fatalf("expected rad/id and heads/main advertised, got %v", adv.Paths)
	}

	manifest, err := peer.SignedRefs(ctx, ns)
	if err != nil {
		t.Fatalf("SignedRefs: %v", err)
	}
	ok, err := manifest.Verify()
	if err != nil || !ok {
		t.Fatalf("expected the fetched manifest to verify, got ok=%v err=%v", ok, err)
	}

	specs := []refspec.Spec{{SrcNamespace: ns, Src: "heads/*", DstNamespace: ns, Dst: "heads/*", Force: true}}
	result, err := peer.Fetch(ctx, specs)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Objects) != 1 || string(result.Objects[0]) != string(headBytes) {
		t.Fatalf("expected the heads/main blob fetched, got %v", result.Objects)
	}
	if len(result.Targets) != 1 || result.Targets[0].Path != refdb.HeadsPath("main") {
		t.Fatalf("expected one heads/main target, got %+v", result.Targets)
	}
}

func TestPeerSignedRefsMissingSurfacesRemoteError(t *testing.T) {
	serverHost, clientHost := linkedPeers(t)

	store := objstore.NewMemStore()
	refs := refdb.New(store)
	signed := signedrefs.NewStore(store, refs)
	Register(serverHost, NewServer(refs, store, signed, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := Dial(ctx, clientHost, serverAddr(serverHost))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	mh, err := multihash.Sum([]byte("no such namespace"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	ns := urn.New(urn.SchemaV1, mh)
	if _, err := peer.SignedRefs(ctx, ns); err == nil {
		t.Fatal("expected an error for a namespace with no signed refs")
	}
}

func containsPath(paths []refdb.Path, want refdb.Path) bool {
	for _, p := range paths {
		if p == want {
			return true
		}
	}
	return false
}

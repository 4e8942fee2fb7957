package refspec

import (
	"strings"
	"testing"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/refdb"
	"github.com/radicle-works/link/internal/urn"
)

func mustPeer(t *testing.T) keystore.PeerID {
	t.Helper()
	ks, err := keystore.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return ks.PublicKey()
}

func mustNS(t *testing.T, payload string) urn.URN {
	t.Helper()
	store := objstore.NewMemStore()
	id, err := store.Put([]byte(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	u, err := urn.FromDocumentHash(1, id.Bytes(), 0xb401)
	if err != nil {
		t.Fatalf("FromDocumentHash: %v", err)
	}
	return u
}

func TestPlanOwnedPeerUsesDirectMapping(t *testing.T) {
	n := mustNS(t, "n")
	remote := mustPeer(t)

	specs, err := Plan(n, remote, []keystore.PeerID{remote}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs (heads + rad/id), got %d", len(specs))
	}

	var sawHeads, sawRadID bool
	for _, s := range specs {
		if s.Src == "heads/*" {
			sawHeads = true
			if !s.Force {
				t.Fatal("heads/* refspec must carry the force flag")
			}
			if !strings.Contains(string(s.Dst), "remotes/"+remote.String()+"/heads/*") {
				t.Fatalf("unexpected dst %s", s.Dst)
			}
		}
		if s.Src == "rad/id*" {
			sawRadID = true
			if s.Force {
				t.Fatal("rad/id* refspec must never carry the force flag")
			}
		}
	}
	if !sawHeads || !sawRadID {
		t.Fatalf("missing expected refspecs: %+v", specs)
	}
}

func TestPlanRelayedPeerKeepsRemoteMirrorPath(t *testing.T) {
	n := mustNS(t, "n")
	remote := mustPeer(t)
	relayed := mustPeer(t)

	specs, err := Plan(n, remote, []keystore.PeerID{remote, relayed}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var found bool
	for _, s := range specs {
		if strings.Contains(string(s.Src), relayed.String()) {
			found = true
			if string(s.Src) != string(s.Dst) {
				t.Fatalf("relayed refspec must keep src==dst, got %s -> %s", s.Src, s.Dst)
			}
		}
	}
	if !found {
		t.Fatal("expected a refspec mirroring the relayed peer's path")
	}
}

func TestPlanIncludesCertifierRadIDRefspecs(t *testing.T) {
	n := mustNS(t, "n")
	remote := mustPeer(t)
	certifier := mustNS(t, "certifier")

	specs, err := Plan(n, remote, []keystore.PeerID{remote}, []urn.URN{certifier})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var found bool
	for _, s := range specs {
		if s.SrcNamespace.Equal(certifier) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a refspec under the certifier's own namespace")
	}
}

func TestPlanIsDeterministicAcrossInputOrder(t *testing.T) {
	n := mustNS(t, "n")
	remote := mustPeer(t)
	p2 := mustPeer(t)
	p3 := mustPeer(t)

	a, err := Plan(n, remote, []keystore.PeerID{remote, p2, p3}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	b, err := Plan(n, remote, []keystore.PeerID{p3, remote, p2}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("expected equal length, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			t.Fatalf("expected bit-identical refspecs at index %d, got %q vs %q", i, a[i], b[i])
		}
	}
}

func TestDeriveCertifiersDeduplicates(t *testing.T) {
	c1 := mustNS(t, "c1")
	c2 := mustNS(t, "c2")

	advertised := []refdb.Path{
		refdb.RadIDsPath(c1),
		refdb.RadIDsPath(c1),
		refdb.RadIDsPath(c2),
		refdb.HeadsPath("main"),
	}
	certifiers := DeriveCertifiers(advertised)
	if len(certifiers) != 2 {
		t.Fatalf("expected 2 distinct certifiers, got %d", len(certifiers))
	}
}

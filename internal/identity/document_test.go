package identity

import (
	"testing"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/rerror"
)

func mustKeyStore(t *testing.T) *keystore.Local {
	t.Helper()
	ks, err := keystore.Generate()
	if err != nil {
		t.Fatalf("keystore.Generate: %v", err)
	}
	return ks
}

func TestDocumentCanonicalRoundTrip(t *testing.T) {
	ks := mustKeyStore(t)
	doc := Document{
		Version:    1,
		Payload:    []byte(`{"name":"alice"}`),
		Delegates:  []keystore.PeerID{ks.PublicKey()},
		Certifiers: nil,
		Quorum:     QuorumRule{},
	}

	canonical, err := doc.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}

	parsed, err := ParseDocument(canonical, 1)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	if parsed.Version != doc.Version {
		t.Fatalf("version mismatch: %d != %d", parsed.Version, doc.Version)
	}
	if !parsed.HasDelegate(ks.PublicKey()) {
		t.Fatal("parsed document lost its delegate")
	}

	canonical2, err := parsed.Canonical()
	if err != nil {
		t.Fatalf("Canonical (reparsed): %v", err)
	}
	if string(canonical) != string(canonical2) {
		t.Fatal("canonical encoding is not a pure function of document contents (P1)")
	}
}

func TestDocumentUnknownVersionDoesNotFailAsMalformed(t *testing.T) {
	ks := mustKeyStore(t)
	doc := Document{Version: 99, Payload: []byte("{}"), Delegates: []keystore.PeerID{ks.PublicKey()}}
	canonical, err := doc.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}

	_, err = ParseDocument(canonical, 1)
	if err == nil {
		t.Fatal("expected an error for an unsupported schema version")
	}
	if rerr, ok := err.(*rerror.Error); !ok || rerr.Code != rerror.CodeUnknownVersion {
		t.Fatalf("expected CodeUnknownVersion, got %v", err)
	}
}

func TestQuorumResolveBounds(t *testing.T) {
	q := QuorumRule{}
	n, err := q.Resolve(5)
	if err != nil || n != 3 {
		t.Fatalf("default majority of 5 should be 3, got %d, err=%v", n, err)
	}

	q = QuorumRule{Override: 5}
	n, err = q.Resolve(5)
	if err != nil || n != 5 {
		t.Fatalf("override == all should be accepted, got %d, err=%v", n, err)
	}

	q = QuorumRule{Override: 1}
	if _, err := q.Resolve(5); err == nil {
		t.Fatal("override below majority must be rejected")
	}

	q = QuorumRule{Override: 6}
	if _, err := q.Resolve(5); err == nil {
		t.Fatal("override above delegate count must be rejected")
	}
}

package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/keystore"
)

func TestRevisionSignAndVerify(t *testing.T) {
	ks := mustKeyStore(t)
	doc := Document{Version: 1, Payload: []byte("{}"), Delegates: []keystore.PeerID{ks.PublicKey()}}
	docHash, err := doc.Hash(multihash.SHA2_256)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	rev := Revision{Document: doc, DocHash: docHash}
	if err := rev.Sign(ks); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(rev.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(rev.Signatures))
	}

	ok, err := rev.VerifySignature(rev.Signatures[0], ks.VerifyingKey())
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Fatal("signature should verify against its own signer's key")
	}

	other := mustKeyStore(t)
	ok, err = rev.VerifySignature(rev.Signatures[0], other.VerifyingKey())
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if ok {
		t.Fatal("signature must not verify against an unrelated key")
	}
}

func TestRevisionEncodeDecodeRoundTrip(t *testing.T) {
	ks := mustKeyStore(t)
	doc := Document{Version: 1, Payload: []byte(`{"k":"v"}`), Delegates: []keystore.PeerID{ks.PublicKey()}}
	docHash, _ := doc.Hash(multihash.SHA2_256)
	rev := Revision{Document: doc, DocHash: docHash}
	if err := rev.Sign(ks); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	encoded, err := rev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeRevision(encoded, 1)
	if err != nil {
		t.Fatalf("DecodeRevision: %v", err)
	}

	if len(decoded.Signatures) != 1 {
		t.Fatalf("expected 1 signature after decode, got %d", len(decoded.Signatures))
	}
	ok, err := decoded.VerifySignature(decoded.Signatures[0], ks.VerifyingKey())
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Fatal("decoded revision signature should still verify")
	}
}

func TestSignersAmongFiltersNonDelegates(t *testing.T) {
	delegate := mustKeyStore(t)
	nonDelegate := mustKeyStore(t)
	doc := Document{Version: 1, Payload: []byte("{}"), Delegates: []keystore.PeerID{delegate.PublicKey()}}
	docHash, _ := doc.Hash(multihash.SHA2_256)
	rev := Revision{Document: doc, DocHash: docHash}

	if err := rev.Sign(delegate); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := rev.Sign(nonDelegate); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	keys := map[string]*keystore.Local{
		delegate.PublicKey().String():    delegate,
		nonDelegate.PublicKey().String(): nonDelegate,
	}
	verified, err := rev.SignersAmong(doc.Delegates, func(p keystore.PeerID) (ed25519.PublicKey, bool) {
		ks, ok := keys[p.String()]
		if !ok {
			return nil, false
		}
		return ks.VerifyingKey(), true
	})
	if err != nil {
		t.Fatalf("SignersAmong: %v", err)
	}
	if len(verified) != 1 {
		t.Fatalf("expected exactly 1 verified delegate signer, got %d", len(verified))
	}
	if !verified[delegate.PublicKey().String()] {
		t.Fatal("the actual delegate's signature should have verified")
	}
}

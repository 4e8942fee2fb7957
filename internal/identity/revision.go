package identity

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/objstore"
	"github.com/radicle-works/link/internal/rerror"
)

// Signature is one delegate's signature over a revision header.
type Signature struct {
	Signer    keystore.PeerID
	Signature []byte
}

// Revision is a signed, commit-like object (spec §3): the document blob,
// the parent revision (or none, for the root), and one or more
// signatures over (parent_hash, document_hash). Signatures cover the
// canonical bytes of the revision header, never the wire envelope (§4.1).
type Revision struct {
	Parent     objstore.ObjectID // zero value means "no parent" (root revision)
	Document   Document
	DocHash    multihash.Multihash // cached hash of Document.Canonical()
	Signatures []Signature
}

// headerWire is the signed portion of a revision: (parent_hash,
// document_hash). It never includes the signatures themselves or any
// transport envelope.
type headerWire struct {
	Parent string `cbor:"parent"` // empty string for the root revision
	Doc    string `cbor:"doc"`
}

// Header returns the canonical bytes that signatures on this revision
// must cover.
func (r Revision) Header() ([]byte, error) {
	h := headerWire{Doc: hex.EncodeToString(r.DocHash)}
	if !r.Parent.IsZero() {
		h.Parent = r.Parent.String()
	}
	out, err := canonMode.Marshal(h)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "canonicalise revision header", err)
	}
	return out, nil
}

// Sign adds ks's signature over this revision's header to Signatures.
func (r *Revision) Sign(ks keystore.KeyStore) error {
	header, err := r.Header()
	if err != nil {
		return err
	}
	sig, err := ks.Sign(header)
	if err != nil {
		return rerror.Wrap(rerror.KindVerification, rerror.CodeSignature, "sign revision header", err)
	}
	r.Signatures = append(r.Signatures, Signature{Signer: ks.PublicKey(), Signature: sig})
	return nil
}

// VerifySignature reports whether sig is a valid signature over this
// revision's header, given the signer's raw verifying key.
func (r Revision) VerifySignature(sig Signature, verifyingKey ed25519.PublicKey) (bool, error) {
	header, err := r.Header()
	if err != nil {
		return false, err
	}
	return keystore.Verify(verifyingKey, header, sig.Signature), nil
}

// SignersAmong returns the subset of delegates whose signatures on r
// verify, given a lookup from PeerID to verifying key.
func (r Revision) SignersAmong(delegates []keystore.PeerID, keyOf func(keystore.PeerID) (ed25519.PublicKey, bool)) (map[string]bool, error) {
	delegateSet := make(map[string]bool, len(delegates))
	for _, d := range delegates {
		delegateSet[d.String()] = true
	}
	header, err := r.Header()
	if err != nil {
		return nil, err
	}
	verified := make(map[string]bool)
	for _, sig := range r.Signatures {
		if !delegateSet[sig.Signer.String()] {
			continue
		}
		key, ok := keyOf(sig.Signer)
		if !ok {
			continue
		}
		if ed25519.Verify(key, header, sig.Signature) {
			verified[sig.Signer.String()] = true
		}
	}
	return verified, nil
}

// revisionWire is Revision's on-the-wire/storage shape.
type revisionWire struct {
	Parent     string          `cbor:"parent"`
	Doc        cbor.RawMessage `cbor:"document"`
	DocHash    string          `cbor:"doc_hash"`
	Signatures []sigWire       `cbor:"signatures"`
}

type sigWire struct {
	Signer string `cbor:"signer"`
	Sig    []byte `cbor:"sig"`
}

// Encode serializes a Revision for storage in the object store.
func (r Revision) Encode() ([]byte, error) {
	docCanonical, err := r.Document.Canonical()
	if err != nil {
		return nil, err
	}
	w := revisionWire{
		Doc:     docCanonical,
		DocHash: hex.EncodeToString(r.DocHash),
	}
	if !r.Parent.IsZero() {
		w.Parent = r.Parent.String()
	}
	for _, s := range r.Signatures {
		w.Signatures = append(w.Signatures, sigWire{Signer: s.Signer.String(), Sig: s.Signature})
	}
	out, err := canonMode.Marshal(w)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindStorage, rerror.CodeMalformed, "encode revision", err)
	}
	return out, nil
}

// DecodeRevision parses a Revision previously produced by Encode.
func DecodeRevision(data []byte, supportedVersion uint64) (Revision, error) {
	var w revisionWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Revision{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode revision", err)
	}
	doc, err := ParseDocument(w.Doc, supportedVersion)
	if err != nil {
		return Revision{}, err
	}
	docHash, err := hex.DecodeString(w.DocHash)
	if err != nil {
		return Revision{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode doc hash", err)
	}
	rev := Revision{Document: doc, DocHash: multihash.Multihash(docHash)}
	if w.Parent != "" {
		parentID, err := objstore.ParseObjectID(w.Parent)
		if err != nil {
			return Revision{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode parent object id", err)
		}
		rev.Parent = parentID
	}
	for _, s := range w.Signatures {
		signer, err := keystore.ParsePeerID(s.Signer)
		if err != nil {
			return Revision{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode signer", err)
		}
		rev.Signatures = append(rev.Signatures, Signature{Signer: signer, Signature: s.Sig})
	}
	return rev, nil
}

// Package identity implements the identity document model (spec §4.1, C2):
// parsing, canonicalisation, hashing, and signing of identity documents and
// their revisions.
package identity

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/multiformats/go-multihash"

	"github.com/radicle-works/link/internal/keystore"
	"github.com/radicle-works/link/internal/rerror"
	"github.com/radicle-works/link/internal/urn"
)

// canonMode is the shared canonical CBOR encoder (spec §4.1: "a
// deterministic, ordered serialisation — sorted map keys, fixed integer
// width, explicit absent-vs-null"). CBOR's canonical mode sorts map keys
// by length-then-bytewise and always uses the shortest integer encoding,
// which is deterministic per input even though it isn't literally
// fixed-width; see DESIGN.md for the rationale.
var canonMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("identity: build canonical cbor mode: %v", err))
	}
	return mode
}()

// SupportedVersion is the identity document schema version this
// implementation understands (spec §4.1). Other components that need to
// decode a Document or Revision without a version of their own to compare
// against (the refdb's fast-forward walk, the verifier) use this constant
// rather than a magic number.
const SupportedVersion uint64 = 1

var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("identity: build cbor decode mode: %v", err))
	}
	return mode
}()

// QuorumRule overrides the default floor(|delegates|/2)+1 majority rule
// (spec §4.3, step 3). Override of zero means "use the default". A
// non-zero override must fall in [majority, len(delegates)]; Resolve checks
// that bound against the delegate count it is given, and the verifier calls
// it with the delegate set in force at the time of evaluation.
type QuorumRule struct {
	Override uint32 `cbor:"override,omitempty"`
}

// DefaultQuorum computes floor(|delegates|/2)+1, the spec §4.3 default.
func DefaultQuorum(numDelegates int) int {
	return numDelegates/2 + 1
}

// Resolve returns the effective quorum threshold for a delegate set,
// applying the document's override if present and in-bounds, per spec
// §4.3 step 3: "bounded to [majority, all]".
func (q QuorumRule) Resolve(numDelegates int) (int, error) {
	majority := DefaultQuorum(numDelegates)
	if q.Override == 0 {
		return majority, nil
	}
	n := int(q.Override)
	if n < majority || n > numDelegates {
		return 0, rerror.New(rerror.KindVerification, rerror.CodeQuorum,
			fmt.Sprintf("quorum override %d out of bounds [%d, %d]", n, majority, numDelegates))
	}
	return n, nil
}

// Document is an identity document (spec §3): a schema version, a
// free-form payload, delegates, certifiers, and a quorum rule.
type Document struct {
	Version    uint64            `cbor:"version"`
	Payload    cbor.RawMessage   `cbor:"payload"`
	Delegates  []keystore.PeerID `cbor:"-"` // encoded via DelegateStrings, see MarshalCBOR
	Certifiers []urn.URN         `cbor:"-"` // encoded via CertifierStrings
	Quorum     QuorumRule        `cbor:"quorum"`
}

// wireDocument is Document's CBOR-visible shape. PeerID and URN marshal
// via MarshalText, but cbor.RawMessage payloads plus those text-marshaled
// types compose awkwardly in one struct tree, so the wire struct spells
// both out as strings explicitly — this also makes the "sorted map keys"
// requirement visible in the encoded bytes rather than hidden behind
// custom Marshaler indirection.
type wireDocument struct {
	Version    uint64          `cbor:"version"`
	Payload    cbor.RawMessage `cbor:"payload"`
	Delegates  []string        `cbor:"delegates"`
	Certifiers []string        `cbor:"certifiers"`
	Quorum     QuorumRule      `cbor:"quorum"`
}

func (d Document) toWire() (wireDocument, error) {
	w := wireDocument{
		Version:    d.Version,
		Payload:    d.Payload,
		Quorum:     d.Quorum,
		Delegates:  make([]string, len(d.Delegates)),
		Certifiers: make([]string, len(d.Certifiers)),
	}
	for i, p := range d.Delegates {
		w.Delegates[i] = p.String()
	}
	for i, c := range d.Certifiers {
		w.Certifiers[i] = c.String()
	}
	return w, nil
}

func fromWire(w wireDocument) (Document, error) {
	d := Document{
		Version: w.Version,
		Payload: w.Payload,
		Quorum:  w.Quorum,
	}
	d.Delegates = make([]keystore.PeerID, len(w.Delegates))
	for i, s := range w.Delegates {
		p, err := keystore.ParsePeerID(s)
		if err != nil {
			return Document{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "parse delegate peer id", err)
		}
		d.Delegates[i] = p
	}
	d.Certifiers = make([]urn.URN, len(w.Certifiers))
	for i, s := range w.Certifiers {
		u, err := urn.Parse(s)
		if err != nil {
			return Document{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "parse certifier urn", err)
		}
		d.Certifiers[i] = u
	}
	return d, nil
}

// Canonical returns the document's canonical encoding. Two documents with
// the same field values always canonicalise to the same bytes (P1).
func (d Document) Canonical() ([]byte, error) {
	w, err := d.toWire()
	if err != nil {
		return nil, err
	}
	out, err := canonMode.Marshal(w)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "canonicalise document", err)
	}
	return out, nil
}

// ParseDocument parses canonical bytes back into a Document (spec §4.1).
// A schema version this implementation does not recognise fails with
// CodeUnknownVersion rather than CodeMalformed, so higher layers (gossip)
// can still relay the bytes.
func ParseDocument(canonical []byte, supportedVersion uint64) (Document, error) {
	var w wireDocument
	if err := decMode.Unmarshal(canonical, &w); err != nil {
		return Document{}, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "decode document", err)
	}
	if w.Version != supportedVersion {
		return Document{}, rerror.New(rerror.KindProtocol, rerror.CodeUnknownVersion,
			fmt.Sprintf("document schema version %d is not supported (expected %d)", w.Version, supportedVersion))
	}
	if len(w.Delegates) == 0 {
		return Document{}, rerror.New(rerror.KindVerification, rerror.CodeMalformed, "document has no delegates")
	}
	return fromWire(w)
}

// Hash returns the multihash of the document's canonical bytes (I5).
func (d Document) Hash(hashFn uint64) (multihash.Multihash, error) {
	canonical, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	mh, err := multihash.Sum(canonical, hashFn, -1)
	if err != nil {
		return nil, rerror.Wrap(rerror.KindVerification, rerror.CodeMalformed, "hash document", err)
	}
	return mh, nil
}

// HasDelegate reports whether peer is among the document's delegates.
func (d Document) HasDelegate(peer keystore.PeerID) bool {
	for _, p := range d.Delegates {
		if p.ID == peer.ID {
			return true
		}
	}
	return false
}

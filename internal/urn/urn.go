// Package urn implements the identity name from spec §3/§6:
//
//	rad:<multicodec>:<multibase(multihash)>
//
// The multicodec segment tags the identity document schema version (spec
// §4.1, "Dynamic dispatch over document schema versions"); the multihash
// segment is the content hash of the document's canonical encoding (I5).
package urn

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

const scheme = "rad"

// SchemaCodec identifies an identity document schema version. Unknown
// codecs round-trip as opaque bytes (spec §4.1, §9) rather than failing to
// parse, so relaying peers that don't understand a newer schema can still
// gossip it along.
type SchemaCodec multicodec.Code

const (
	// SchemaV1 is the only schema version this implementation understands.
	SchemaV1 SchemaCodec = SchemaCodec(multicodec.Raw)
)

// URN is the immutable, content-addressed name of an identity (spec §3).
type URN struct {
	Codec   SchemaCodec
	Hash    multihash.Multihash
	encoded string // cached String() so repeated use is allocation-free
}

// New derives a URN from a schema codec and a multihash of the document's
// canonical bytes.
func New(codec SchemaCodec, hash multihash.Multihash) URN {
	u := URN{Codec: codec, Hash: hash}
	u.encoded = u.render()
	return u
}

// FromDocumentHash derives the URN for a document's initial revision, per
// I5: the multihash of the canonical encoding, tagged with its schema.
func FromDocumentHash(codec SchemaCodec, canonical []byte, hashFn uint64) (URN, error) {
	mh, err := multihash.Sum(canonical, hashFn, -1)
	if err != nil {
		return URN{}, fmt.Errorf("urn: hash canonical document: %w", err)
	}
	return New(codec, mh), nil
}

func (u URN) render() string {
	mb, err := multibase.Encode(multibase.Base32, u.Hash)
	if err != nil {
		// Base32 encoding of arbitrary bytes cannot fail; guard anyway so
		// render never panics on a zero-value URN.
		mb = ""
	}
	return fmt.Sprintf("%s:%x:%s", scheme, uint64(u.Codec), mb)
}

// String implements fmt.Stringer. Bit-exact and round-trips via Parse
// (spec §6, "URN syntax ... bit-exact; parsers must round-trip").
func (u URN) String() string {
	if u.encoded == "" {
		u.encoded = u.render()
	}
	return u.encoded
}

// Equal reports whether two URNs name the same identity.
func (u URN) Equal(other URN) bool {
	return u.Codec == other.Codec && string(u.Hash) == string(other.Hash)
}

// IsZero reports whether u is the unset URN.
func (u URN) IsZero() bool {
	return len(u.Hash) == 0
}

// Parse round-trips a URN produced by String.
func Parse(s string) (URN, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != scheme {
		return URN{}, fmt.Errorf("urn: malformed %q: expected %s:<codec>:<multibase>", s, scheme)
	}
	var code uint64
	if _, err := fmt.Sscanf(parts[1], "%x", &code); err != nil {
		return URN{}, fmt.Errorf("urn: bad codec segment %q: %w", parts[1], err)
	}
	_, data, err := multibase.Decode(parts[2])
	if err != nil {
		return URN{}, fmt.Errorf("urn: bad multibase segment: %w", err)
	}
	mh, err := multihash.Cast(data)
	if err != nil {
		return URN{}, fmt.Errorf("urn: bad multihash: %w", err)
	}
	return New(SchemaCodec(code), mh), nil
}

// MarshalText/UnmarshalText make URN usable directly as a CBOR/JSON map
// key and as a flag value, matching the "bit-exact round trip" contract.
func (u URN) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *URN) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

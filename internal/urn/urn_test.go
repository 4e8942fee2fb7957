package urn

import (
	"testing"

	"github.com/multiformats/go-multihash"
)

func TestRoundTrip(t *testing.T) {
	u, err := FromDocumentHash(SchemaV1, []byte("canonical document bytes"), multihash.SHA2_256)
	if err != nil {
		t.Fatalf("FromDocumentHash: %v", err)
	}

	s := u.String()
	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if !parsed.Equal(u) {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, u)
	}
	if parsed.String() != s {
		t.Fatalf("String() not bit-exact: got %q, want %q", parsed.String(), s)
	}
}

func TestParseRejectsForeignScheme(t *testing.T) {
	if _, err := Parse("urn:isbn:1234567890"); err == nil {
		t.Fatal("expected error for non-rad scheme")
	}
}

func TestEqualIgnoresUnrelatedFields(t *testing.T) {
	a, _ := FromDocumentHash(SchemaV1, []byte("doc-a"), multihash.SHA2_256)
	b, _ := FromDocumentHash(SchemaV1, []byte("doc-a"), multihash.SHA2_256)
	if !a.Equal(b) {
		t.Fatal("identical canonical bytes must hash to equal URNs")
	}
	c, _ := FromDocumentHash(SchemaV1, []byte("doc-b"), multihash.SHA2_256)
	if a.Equal(c) {
		t.Fatal("different canonical bytes must not collide")
	}
}

func TestIsZero(t *testing.T) {
	var u URN
	if !u.IsZero() {
		t.Fatal("zero-value URN should report IsZero")
	}
	v, _ := FromDocumentHash(SchemaV1, []byte("x"), multihash.SHA2_256)
	if v.IsZero() {
		t.Fatal("derived URN should not report IsZero")
	}
}

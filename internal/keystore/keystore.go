// Package keystore implements the key store external collaborator from
// spec §6 ("sign(bytes) -> signature; public_key() -> PeerID. The private
// key never leaves the store") and the PeerID data type from spec §3.
//
// Grounded on internal/network/mesh.go's PersistentIdentity: Ed25519 keys
// generated or loaded via go-libp2p's crypto package, with the PeerID
// derived from the public key exactly as go-libp2p's peer.ID is.
package keystore

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// PeerID is the public verification key of a peer (spec §3), backed by
// go-libp2p's peer.ID so it doubles as the transport's connection
// identity (spec §6 Transport: "delivers the remote's PeerID authenticated
// via the TLS-like handshake").
type PeerID struct {
	libp2ppeer.ID
}

// String renders the PeerID the same way go-libp2p does, so it is stable
// across the transport boundary and safe to use as a map key / ref path
// segment (spec §3, "remotes/<peer>/...").
func (p PeerID) String() string { return p.ID.String() }

// ParsePeerID decodes a PeerID from its string form.
func ParsePeerID(s string) (PeerID, error) {
	id, err := libp2ppeer.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("keystore: decode peer id %q: %w", s, err)
	}
	return PeerID{id}, nil
}

// KeyStore is the consumed external interface from spec §6.
type KeyStore interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() PeerID
	// VerifyingKey exposes the raw Ed25519 public key for signature
	// verification by other components (verify, signedrefs) without
	// requiring access to the private key.
	VerifyingKey() ed25519.PublicKey
}

// Local is an in-memory Ed25519-backed KeyStore: the reference
// implementation used by tests and by cmd/radlink-node when no external
// key management is configured.
type Local struct {
	priv libp2pcrypto.PrivKey
	pub  PeerID
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Local, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate ed25519 key: %w", err)
	}
	id, err := libp2ppeer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive peer id: %w", err)
	}
	return &Local{priv: priv, pub: PeerID{id}}, nil
}

// persistedIdentity is the on-disk encoding of a Local key store (spec §6,
// "Persisted state: ... (c) the key store").
type persistedIdentity struct {
	PrivKey []byte `json:"priv_key"`
}

// LoadOrGenerate loads an identity from path, or generates and persists a
// new one if the file does not exist.
func LoadOrGenerate(path string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var persisted persistedIdentity
		if err := json.Unmarshal(data, &persisted); err != nil {
			return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
		}
		priv, err := libp2pcrypto.UnmarshalPrivateKey(persisted.PrivKey)
		if err != nil {
			return nil, fmt.Errorf("keystore: unmarshal private key: %w", err)
		}
		id, err := libp2ppeer.IDFromPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("keystore: derive peer id: %w", err)
		}
		return &Local{priv: priv, pub: PeerID{id}}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	ks, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.save(path); err != nil {
		return nil, err
	}
	return ks, nil
}

func (l *Local) save(path string) error {
	raw, err := libp2pcrypto.MarshalPrivateKey(l.priv)
	if err != nil {
		return fmt.Errorf("keystore: marshal private key: %w", err)
	}
	data, err := json.Marshal(persistedIdentity{PrivKey: raw})
	if err != nil {
		return fmt.Errorf("keystore: encode identity file: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Libp2pIdentity exposes the underlying go-libp2p private key so
// internal/transport can bind a host's connection identity to the same
// key this store signs with, rather than minting an unrelated one.
func (l *Local) Libp2pIdentity() libp2pcrypto.PrivKey { return l.priv }

// Sign signs data with the store's private key. The private key itself
// never leaves the store: only the signature crosses the interface.
func (l *Local) Sign(data []byte) ([]byte, error) {
	sig, err := l.priv.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("keystore: sign: %w", err)
	}
	return sig, nil
}

// PublicKey returns this store's PeerID.
func (l *Local) PublicKey() PeerID { return l.pub }

// VerifyingKey returns the raw Ed25519 public key bytes.
func (l *Local) VerifyingKey() ed25519.PublicKey {
	raw, err := l.priv.GetPublic().Raw()
	if err != nil {
		// go-libp2p's Ed25519 public key Raw() never fails; a non-nil
		// error here indicates a corrupted in-memory key.
		panic(fmt.Sprintf("keystore: ed25519 public key bytes: %v", err))
	}
	return ed25519.PublicKey(raw)
}

// Verify checks a signature made by the holder of pub's private key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// VerifyingKeyFromPeerID recovers a peer's raw Ed25519 public key from its
// PeerID alone. This works because Ed25519 public keys are small enough
// that go-libp2p embeds them directly in the identity-hash multihash
// (as produced by Generate/LoadOrGenerate) rather than hashing them, so
// the verifier (internal/verify) never needs the signer online to check
// a historical signature.
func VerifyingKeyFromPeerID(p PeerID) (ed25519.PublicKey, error) {
	pub, err := p.ID.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: extract public key from peer id %s: %w", p, err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return nil, fmt.Errorf("keystore: public key bytes for peer id %s: %w", p, err)
	}
	return ed25519.PublicKey(raw), nil
}

// Package objstore models the object store external collaborator from
// spec §6: "a git-compatible object database exposing write_pack, read,
// and transactional ref updates." The git pack/object format itself is
// out of scope (spec §1); this package only defines the interface core
// components consume plus a content-addressed in-memory reference
// implementation for tests, grounded on mesh/verifier.go's
// expected-vs-actual digest comparison (BLAKE3) from the teacher.
package objstore

import (
	"context"
	"fmt"
	"hash"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"github.com/radicle-works/link/internal/rerror"
)

// blake3Code is a private multicodec hash-function code for BLAKE3-256,
// registered locally with go-multihash so ObjectIDs can be built as CIDs
// without colliding with IANA-assigned codes.
const blake3Code = 0xb3e0

func init() {
	multihash.Register(blake3Code, func() hash.Hash { return blake3.New(32, nil) })
}

// ObjectID is a content-addressed object identifier: a CID wrapping a
// BLAKE3-256 multihash, in the same spirit as go-cid's use across the
// retrieved pack's IPFS-family repos.
type ObjectID struct {
	cid.Cid
}

// HashObject derives the ObjectID of data.
func HashObject(data []byte) (ObjectID, error) {
	mh, err := multihash.Sum(data, blake3Code, -1)
	if err != nil {
		return ObjectID{}, fmt.Errorf("objstore: hash object: %w", err)
	}
	return ObjectID{cid.NewCidV1(cid.Raw, mh)}, nil
}

// IsZero reports whether id is the unset ObjectID.
func (id ObjectID) IsZero() bool { return !id.Cid.Defined() }

// ParseObjectID decodes an ObjectID from its string form.
func ParseObjectID(s string) (ObjectID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("objstore: decode object id %q: %w", s, err)
	}
	return ObjectID{c}, nil
}

// Store is the object store interface consumed by the refdb and
// replication engine (spec §6).
type Store interface {
	// WritePack ingests a packfile's worth of objects. The pack format
	// itself is opaque to this package (spec §1 Out of scope); the
	// reference MemStore instead accepts raw object bytes one at a time
	// via Put, which is all the in-process tests need.
	WritePack(ctx context.Context, objects [][]byte) ([]ObjectID, error)
	Read(ctx context.Context, id ObjectID) ([]byte, error)
	Has(ctx context.Context, id ObjectID) (bool, error)
}

// MemStore is an in-memory content-addressed Store.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory object store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Put stores data and returns its ObjectID, inserting it if not already
// present (content addressing makes this idempotent).
func (m *MemStore) Put(data []byte) (ObjectID, error) {
	id, err := HashObject(data)
	if err != nil {
		return ObjectID{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id.String()] = append([]byte(nil), data...)
	return id, nil
}

func (m *MemStore) WritePack(_ context.Context, objects [][]byte) ([]ObjectID, error) {
	ids := make([]ObjectID, 0, len(objects))
	for _, obj := range objects {
		id, err := m.Put(obj)
		if err != nil {
			return nil, rerror.Wrap(rerror.KindStorage, "WRITE_FAILED", "write pack object", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) Read(_ context.Context, id ObjectID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[id.String()]
	if !ok {
		return nil, rerror.New(rerror.KindStorage, "NOT_FOUND", fmt.Sprintf("object %s not found", id))
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) Has(_ context.Context, id ObjectID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id.String()]
	return ok, nil
}

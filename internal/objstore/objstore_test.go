package objstore

import (
	"context"
	"testing"
)

func TestMemStorePutReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	id, err := store.Put([]byte("hello identity"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	has, err := store.Has(ctx, id)
	if err != nil || !has {
		t.Fatalf("Has: got %v, %v", has, err)
	}

	data, err := store.Read(ctx, id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello identity" {
		t.Fatalf("Read returned %q", data)
	}
}

func TestContentAddressingIsIdempotent(t *testing.T) {
	store := NewMemStore()
	id1, err := store.Put([]byte("same bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	id2, err := store.Put([]byte("same bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id1.String() != id2.String() {
		t.Fatalf("identical content produced different ids: %s != %s", id1, id2)
	}
}

func TestReadMissingObject(t *testing.T) {
	store := NewMemStore()
	id, _ := HashObject([]byte("never stored"))
	if _, err := store.Read(context.Background(), id); err == nil {
		t.Fatal("expected error reading missing object")
	}
}

func TestWritePackReturnsAllIDs(t *testing.T) {
	store := NewMemStore()
	ids, err := store.WritePack(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	for _, id := range ids {
		if id.IsZero() {
			t.Fatal("WritePack returned a zero ObjectID")
		}
	}
}

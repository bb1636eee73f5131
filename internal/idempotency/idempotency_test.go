package idempotency

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestValidateKey_AcceptsV4(t *testing.T) {
	id := uuid.New()

	got, err := ValidateKey(id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
}

func TestValidateKey_AcceptsV5(t *testing.T) {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("soullink-test"))

	if _, err := ValidateKey(id.String()); err != nil {
		t.Fatalf("unexpected error for a v5 uuid: %v", err)
	}
}

func TestValidateKey_RejectsNonUUID(t *testing.T) {
	_, err := ValidateKey("not-a-uuid")
	if !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
}

func TestValidateKey_RejectsV1(t *testing.T) {
	// A hand-built version-1 UUID string: version nibble forced to '1'.
	const v1 = "a0eebc99-9c0b-11d2-b5e3-0021283fdcf9"

	_, err := ValidateKey(v1)
	if !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey for a v1 uuid, got %v", err)
	}
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	a := []byte(`{"b": 2, "a": 1}`)
	b := []byte(`{"a": 1, "b": 2}`)

	hashA, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hashB, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if hashA != hashB {
		t.Errorf("expected key-order-independent hashes to match: %s != %s", hashA, hashB)
	}
}

func TestCanonicalHash_DifferentValuesDiffer(t *testing.T) {
	a, err := CanonicalHash([]byte(`{"outcome": "caught"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := CanonicalHash([]byte(`{"outcome": "fled"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a == b {
		t.Error("expected different payloads to hash differently")
	}
}

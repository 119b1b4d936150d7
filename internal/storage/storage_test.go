package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseLockType(t *testing.T) {
	cases := map[string]LockType{
		"read":      LockRead,
		" WRITE ":   LockWrite,
		"Exclusive": LockExclusive,
	}
	for in, want := range cases {
		got, err := ParseLockType(in)
		if err != nil {
			t.Fatalf("ParseLockType(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLockType(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseLockType("shared"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !(LockRead.Rank() < LockWrite.Rank() && LockWrite.Rank() < LockExclusive.Rank()) {
		t.Fatal("lock type ranks out of order")
	}
}

func TestDocumentValidDropsExpired(t *testing.T) {
	now := time.UnixMilli(10_000)
	doc := &LockDocument{
		ResourceID: "node_1",
		Holders: []Holder{
			{Owner: "a", Type: LockRead, ExpiresAtMillis: 9_999},
			{Owner: "b", Type: LockRead, ExpiresAtMillis: 10_000},
			{Owner: "c", Type: LockRead, ExpiresAtMillis: 20_000},
		},
	}
	valid := doc.Valid(now)
	if len(valid) != 2 || valid[0].Owner != "b" || valid[1].Owner != "c" {
		t.Fatalf("unexpected valid holders %+v", valid)
	}
	if !doc.HasExpired(now) {
		t.Fatal("expected expired holder")
	}
	if !doc.HasOwner("a") || doc.HasOwner("z") {
		t.Fatal("HasOwner mismatch")
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := &LockDocument{Holders: []Holder{{Owner: "a", Metadata: map[string]string{"k": "v"}}}}
	clone := doc.Clone()
	clone.Holders[0].Metadata["k"] = "changed"
	clone.Holders[0].Owner = "b"
	if doc.Holders[0].Metadata["k"] != "v" || doc.Holders[0].Owner != "a" {
		t.Fatal("clone shares state with original")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := &LockDocument{ResourceID: "node_1", Holders: []Holder{{Owner: "a", Type: LockWrite, ExpiresAtMillis: 5}}}
	data, err := MarshalDocument(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalDocument(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ResourceID != "node_1" || decoded.Holders[0].Type != LockWrite {
		t.Fatalf("unexpected document %+v", decoded)
	}
	if _, err := UnmarshalDocument([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTransientMarking(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrap: %w", NewTransientError(base))
	if !IsTransient(err) {
		t.Fatal("expected transient")
	}
	if !errors.Is(err, base) {
		t.Fatal("transient marker must unwrap")
	}
	if IsTransient(base) || NewTransientError(nil) != nil {
		t.Fatal("unexpected transient marking")
	}
}

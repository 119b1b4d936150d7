package ids

import "testing"

func TestNewETagIsVersion7(t *testing.T) {
	id := NewUUID()
	if v := id.Version(); v != 7 {
		t.Fatalf("expected version 7, got %d", v)
	}
	if NewETag() == NewETag() {
		t.Fatal("etags must be unique")
	}
}

func TestSubscriberIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewSubscriberID()
		if len(id) != 20 {
			t.Fatalf("unexpected xid length %d (%q)", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

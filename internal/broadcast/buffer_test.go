package broadcast

import (
	"fmt"
	"testing"
	"time"
)

func stored(i int, at time.Time) StoredEvent {
	return StoredEvent{Event: Event{EventType: "progress", SequenceID: fmt.Sprint(i), Timestamp: at.UnixMilli()}}
}

func TestRecoveryBufferEvictsOldest(t *testing.T) {
	buf := NewRecoveryBuffer(3)
	base := time.UnixMilli(0)
	for i := 0; i < 5; i++ {
		evicted := buf.Append(stored(i, base))
		if want := i >= 3; evicted != want {
			t.Fatalf("append %d: evicted=%v want %v", i, evicted, want)
		}
	}
	snap := buf.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	for i, ev := range snap {
		if want := fmt.Sprint(i + 2); ev.SequenceID != want {
			t.Fatalf("slot %d: got %s want %s", i, ev.SequenceID, want)
		}
	}
}

func TestRecoveryBufferPurgeBefore(t *testing.T) {
	buf := NewRecoveryBuffer(4)
	base := time.UnixMilli(1_000_000)
	for i := 0; i < 4; i++ {
		buf.Append(stored(i, base.Add(time.Duration(i)*time.Minute)))
	}
	if n := buf.PurgeBefore(base.Add(2 * time.Minute)); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	buf.Append(stored(4, base.Add(4*time.Minute)))
	snap := buf.Snapshot()
	if len(snap) != 3 || snap[0].SequenceID != "2" || snap[2].SequenceID != "4" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	buf.Clear()
	if buf.Len() != 0 || len(buf.Snapshot()) != 0 {
		t.Fatal("clear must empty the buffer")
	}
}

func TestRecoveryBufferDefaultCapacity(t *testing.T) {
	if got := NewRecoveryBuffer(0).Cap(); got != DefaultBufferCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultBufferCapacity, got)
	}
}

package history

import (
	"bytes"
	"testing"
)

func TestHistoryKeyIncludesRoom(t *testing.T) {
	if got := historyKey("lobby"); got != "gateway:rooms:lobby:history" {
		t.Fatalf("historyKey = %q", got)
	}
}

func TestOldestFirstReversesInPlace(t *testing.T) {
	frames := [][]byte{[]byte("third"), []byte("second"), []byte("first")}
	got := oldestFirst(frames)
	want := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
	if got := oldestFirst(nil); got != nil {
		t.Fatalf("nil input produced %v", got)
	}
	single := oldestFirst([][]byte{[]byte("only")})
	if string(single[0]) != "only" {
		t.Fatalf("single element disturbed: %q", single[0])
	}
}

package metadata

import (
	"testing"
	"time"
)

func TestSortEntries_PriorityThenAge(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []QueueEntry{
		{OperationID: "op-low", Priority: 9, CreatedAt: base},
		{OperationID: "op-old", Priority: 5, CreatedAt: base},
		{OperationID: "op-new", Priority: 5, CreatedAt: base.Add(time.Second)},
		{OperationID: "op-urgent", Priority: 1, CreatedAt: base.Add(time.Minute)},
	}
	sortEntries(entries)

	want := []string{"op-urgent", "op-old", "op-new", "op-low"}
	for i, id := range want {
		if entries[i].OperationID != id {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].OperationID, id)
		}
	}
}

func TestNullTime(t *testing.T) {
	if got := nullTime(nil); got.Valid {
		t.Error("nullTime(nil) should be invalid")
	}
	now := time.Now()
	got := nullTime(&now)
	if !got.Valid || !got.Time.Equal(now) {
		t.Errorf("nullTime(&now) = %+v, want valid %s", got, now)
	}
}

package zigbee

import "testing"

func TestSinkTable_AddEntryAllocatesAndReturnsExistingSlot(t *testing.T) {
	tbl := newSinkTable(4)

	idx1 := tbl.addEntry(0x1111)
	if idx1 == InvalidSinkEntry {
		t.Fatal("expected a free slot for the first entry")
	}

	idx2 := tbl.addEntry(0x1111)
	if idx2 != idx1 {
		t.Errorf("addEntry for an existing source id returned slot %d, want the original slot %d", idx2, idx1)
	}

	if got := tbl.indexOf(0x1111); got != idx1 {
		t.Errorf("indexOf(0x1111) = %d, want %d", got, idx1)
	}
}

func TestSinkTable_IndexOfMissingReturnsInvalid(t *testing.T) {
	tbl := newSinkTable(4)
	if got := tbl.indexOf(0xDEAD); got != InvalidSinkEntry {
		t.Errorf("indexOf(missing) = %d, want InvalidSinkEntry", got)
	}
}

func TestSinkTable_AddEntryReturnsInvalidWhenFull(t *testing.T) {
	tbl := newSinkTable(2)

	if idx := tbl.addEntry(1); idx == InvalidSinkEntry {
		t.Fatal("expected slot 0 to be free")
	}
	if idx := tbl.addEntry(2); idx == InvalidSinkEntry {
		t.Fatal("expected slot 1 to be free")
	}

	if idx := tbl.addEntry(3); idx != InvalidSinkEntry {
		t.Errorf("addEntry on a full table = %d, want InvalidSinkEntry", idx)
	}
}

func TestSinkTable_DefaultCapacityAppliesWhenNonPositive(t *testing.T) {
	tbl := newSinkTable(0)
	if tbl.capacity() != defaultSinkTableSize {
		t.Errorf("capacity() = %d, want %d", tbl.capacity(), defaultSinkTableSize)
	}
}

func TestSinkTable_OccupiedCountTracksAdditions(t *testing.T) {
	tbl := newSinkTable(3)
	if tbl.occupiedCount() != 0 {
		t.Fatalf("occupiedCount() = %d, want 0 on a fresh table", tbl.occupiedCount())
	}

	tbl.addEntry(0xAAAA)
	tbl.addEntry(0xBBBB)
	if got := tbl.occupiedCount(); got != 2 {
		t.Errorf("occupiedCount() = %d, want 2", got)
	}

	// re-adding an existing entry must not inflate the count.
	tbl.addEntry(0xAAAA)
	if got := tbl.occupiedCount(); got != 2 {
		t.Errorf("occupiedCount() after re-add = %d, want 2", got)
	}

	if tbl.capacity() != 3 {
		t.Errorf("capacity() = %d, want 3", tbl.capacity())
	}
}

package zigbee

import "testing"

func TestObserverSet_RegisterIsIdempotent(t *testing.T) {
	s := newObserverSet[int]()

	if !s.Register(1) {
		t.Fatal("expected first Register to report a new member")
	}
	if s.Register(1) {
		t.Error("expected re-registering the same member to report false")
	}

	count := 0
	s.Each(func(int) { count++ })
	if count != 1 {
		t.Errorf("Each invoked callback %d times, want 1", count)
	}
}

func TestObserverSet_UnregisterIsIdempotent(t *testing.T) {
	s := newObserverSet[string]()
	s.Register("a")

	if !s.Unregister("a") {
		t.Fatal("expected Unregister to report removal of an existing member")
	}
	if s.Unregister("a") {
		t.Error("expected a second Unregister of the same member to report false")
	}

	count := 0
	s.Each(func(string) { count++ })
	if count != 0 {
		t.Errorf("Each invoked callback %d times after removal, want 0", count)
	}
}

func TestObserverSet_EachPreservesRegistrationOrder(t *testing.T) {
	s := newObserverSet[int]()
	s.Register(3)
	s.Register(1)
	s.Register(2)

	var seen []int
	s.Each(func(v int) { seen = append(seen, v) })

	want := []int{3, 1, 2}
	if len(seen) != len(want) {
		t.Fatalf("Each visited %d members, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestObserverSet_EachToleratesMutationDuringIteration(t *testing.T) {
	s := newObserverSet[int]()
	s.Register(1)
	s.Register(2)

	s.Each(func(v int) {
		// registering/unregistering other members mid-notification must
		// not corrupt the in-progress iteration, since Each notifies over
		// a snapshot taken before the loop starts.
		s.Register(99)
		s.Unregister(2)
	})

	if !s.Unregister(99) {
		t.Error("expected 99 to have been registered during iteration")
	}
}

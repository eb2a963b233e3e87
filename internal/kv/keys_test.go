package kv

import (
	"bytes"
	"testing"
)

func TestJobKeyScopedByQueue(t *testing.T) {
	k := JobKey("emails", "42")
	if !bytes.HasPrefix(k, StatePrefix(PrefixJob, "emails")) {
		t.Fatal("job key should start with the queue's job prefix")
	}
	if bytes.HasPrefix(k, StatePrefix(PrefixJob, "email")) {
		t.Error("queue name prefix must not match a longer queue")
	}
	q, rest, ok := SplitQueueKey(PrefixJob, k)
	if !ok || q != "emails" || string(rest) != "42" {
		t.Errorf("SplitQueueKey = (%q, %q, %v)", q, rest, ok)
	}
}

func TestPrioritizedKeySortOrder(t *testing.T) {
	// Lower priority value sorts first regardless of sequence.
	k1 := PrioritizedKey("q", 1, 500)
	k2 := PrioritizedKey("q", 2, 1)
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("priority 1 should sort before priority 2")
	}

	// Same priority: creation order.
	k3 := PrioritizedKey("q", 7, 10)
	k4 := PrioritizedKey("q", 7, 11)
	if bytes.Compare(k3, k4) >= 0 {
		t.Error("earlier sequence should sort before later")
	}
}

func TestDelayedKeySortOrder(t *testing.T) {
	k1 := DelayedKey("q", 1000, 9)
	k2 := DelayedKey("q", 2000, 1)
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("earlier ready_ns should sort first")
	}
	if bytes.Compare(k2, DelayedKey("q", 1500, 1)) <= 0 {
		t.Error("ready_ns must dominate the sequence")
	}
}

func TestFinishedKeys(t *testing.T) {
	if !bytes.HasPrefix(FailedKey("q", 1234, 5), StatePrefix(PrefixFailed, "q")) {
		t.Error("failed key should start with the failed partition prefix")
	}
	if bytes.Compare(CompletedKey("q", 1, 99), CompletedKey("q", 2, 1)) >= 0 {
		t.Error("completed keys should sort by finish time")
	}
}

func TestDependencyKeys(t *testing.T) {
	prefix := DependencyPrefix("parents", "7")
	k := DependencyKey("parents", "7", "children", "3")
	if !bytes.HasPrefix(k, prefix) {
		t.Fatal("dependency key should start with the parent prefix")
	}
	q, id, ok := ChildFromKey(prefix, k)
	if !ok || q != "children" || id != "3" {
		t.Errorf("ChildFromKey = (%q, %q, %v)", q, id, ok)
	}

	// Parent id 7 must not match parent id 70.
	other := DependencyKey("parents", "70", "children", "3")
	if bytes.HasPrefix(other, prefix) {
		t.Error("parent prefix should not match a different parent")
	}
}

func TestStatePrefixesAreDisjoint(t *testing.T) {
	prefixes := []string{
		PrefixWaiting, PrefixPrioritized, PrefixDelayed, PrefixPaused,
		PrefixWaitingChildren, PrefixActive, PrefixCompleted, PrefixFailed,
	}
	for i, a := range prefixes {
		for j, b := range prefixes {
			if i == j {
				continue
			}
			if bytes.HasPrefix([]byte(a), []byte(b)) {
				t.Errorf("prefix %q overlaps %q", a, b)
			}
		}
	}
}

func TestLegacyPriorityPrefix(t *testing.T) {
	k := LegacyPriorityKey("q", "a")
	if !bytes.HasPrefix(k, LegacyPriorityPrefix("q")) {
		t.Error("legacy priority key should start with its prefix")
	}
	if bytes.HasPrefix(k, StatePrefix(PrefixPrioritized, "q")) {
		t.Error("legacy index must not overlap the prioritized partition")
	}
}

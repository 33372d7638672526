package ring

import (
	"hash/crc32"
	"slices"
	"testing"
)

func TestCustomHasher(t *testing.T) {
	r := New(crc32.ChecksumIEEE)
	r.Add("a")
	r.Add("b")
	want := []string{"a", "b"}
	if crc32.ChecksumIEEE([]byte("b")) < crc32.ChecksumIEEE([]byte("a")) {
		want = []string{"b", "a"}
	}
	if got := r.Order(); !slices.Equal(got, want) {
		t.Fatalf("Order() = %v, want %v", got, want)
	}
}

func TestAddOrderContains(t *testing.T) {
	r := New(fnv32a)

	r.Add("node1")
	r.Add("node2")
	r.Add("node3")
	r.Add("node2")

	order := r.Order()
	if len(order) != 3 {
		t.Fatalf("Order() = %v, want 3 nodes", order)
	}
	for _, id := range []string{"node1", "node2", "node3"} {
		if !slices.Contains(order, id) {
			t.Fatalf("Order() = %v, missing %s", order, id)
		}
		if !r.Contains(id) {
			t.Fatalf("Contains(%s) = false", id)
		}
	}
	if r.Contains("node4") {
		t.Fatal("Contains(node4) = true")
	}
}

func TestOrderIndependentOfInsertion(t *testing.T) {
	a := FromMembers([]string{"a:1", "b:2", "c:3", "d:4"})
	b := FromMembers([]string{"d:4", "b:2", "a:1", "c:3"})
	if !slices.Equal(a.Order(), b.Order()) {
		t.Fatalf("ring order depends on insertion: %v vs %v", a.Order(), b.Order())
	}
}

func TestSuccessorWalksWholeRing(t *testing.T) {
	r := FromMembers([]string{"a", "b", "c", "d"})
	start := r.Order()[0]
	seen := map[string]bool{start: true}
	cur := start
	for i := 0; i < 3; i++ {
		next, ok := r.Successor(cur)
		if !ok {
			t.Fatalf("Successor(%q) not found", cur)
		}
		if seen[next] {
			t.Fatalf("Successor revisited %q after %d hops", next, i)
		}
		seen[next] = true
		if pred, _ := r.Predecessor(next); pred != cur {
			t.Fatalf("Predecessor(%q) = %q, want %q", next, pred, cur)
		}
		cur = next
	}
	if !r.Last(start, cur) {
		t.Fatalf("Last(%q, %q) = false after full walk", start, cur)
	}
	if back, _ := r.Successor(cur); back != start {
		t.Fatalf("ring does not wrap: Successor(%q) = %q", cur, back)
	}
}

func TestSingleNodeIsOwnNeighbour(t *testing.T) {
	r := FromMembers([]string{"solo"})
	if s, _ := r.Successor("solo"); s != "solo" {
		t.Fatalf("Successor = %q", s)
	}
	if !r.Last("solo", "solo") {
		t.Fatal("single node should be last")
	}
}

func TestUnknownNode(t *testing.T) {
	r := FromMembers([]string{"a"})
	if _, ok := r.Successor("zz"); ok {
		t.Fatal("Successor of unknown node should fail")
	}
}

func TestDuplicateMembersCollapse(t *testing.T) {
	r := FromMembers([]string{"a", "b", "a"})
	if got := r.Order(); len(got) != 2 {
		t.Fatalf("Order() = %v, want 2 nodes", got)
	}
}

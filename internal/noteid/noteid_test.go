package noteid

import (
	"sort"
	"testing"
	"time"

	"github.com/starford/perthro/internal/clock"
)

func TestNewIsSortable(t *testing.T) {
	c := &clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGenerator(7, c)

	var ids []ID
	for i := 0; i < 100; i++ {
		ids = append(ids, g.New())
		if i%10 == 9 {
			c.Advance(time.Millisecond)
		}
	}

	if !sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }) {
		t.Fatal("identifiers are not lexicographically ordered by creation")
	}

	seen := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate identifier %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	g := NewGenerator(1, &clock.Fixed{T: at})
	id := g.New()

	if !id.Valid() {
		t.Fatalf("generated id %q is not valid", id)
	}
	got, err := id.Time()
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("embedded time = %v, want %v", got, at)
	}
}

func TestClockRegressionDoesNotReorder(t *testing.T) {
	c := &clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGenerator(0, c)

	a := g.New()
	c.Advance(-time.Second)
	b := g.New()
	if b <= a {
		t.Errorf("id issued after clock regression sorts before earlier id: %s <= %s", b, a)
	}
}

func TestSequenceOverflowSpins(t *testing.T) {
	c := &clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGenerator(0, c)

	prev := g.New()
	for i := 0; i < maxSequence+2; i++ {
		id := g.New()
		if id <= prev {
			t.Fatalf("iteration %d: %s <= %s", i, id, prev)
		}
		prev = id
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	for _, bad := range []ID{"", "short", "!!!!!!!!!!!!!", ID("zzzzzzzzzzzzzz")} {
		if bad.Valid() {
			t.Errorf("Valid(%q) = true, want false", bad)
		}
	}
}

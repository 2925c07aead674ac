package piecetable

import (
	"math/rand"
	"testing"
)

func TestReplaceSubrangeExample(t *testing.T) {
	pt := New("hello world")

	pt.ReplaceSubrange(6, 11, "there")
	if got := pt.String(); got != "hello there" {
		t.Fatalf("after first edit: %q, want %q", got, "hello there")
	}

	pt.ReplaceSubrange(0, 5, "")
	if got := pt.String(); got != " there" {
		t.Fatalf("after second edit: %q, want %q", got, " there")
	}
	if pt.Len() != 6 {
		t.Errorf("Len = %d, want 6", pt.Len())
	}
}

func TestInsertDeleteAcrossPieceBoundaries(t *testing.T) {
	pt := New("abcdef")
	pt.Insert(3, "123")   // abc123def
	pt.Insert(0, "xy")    // xyabc123def
	pt.Delete(1, 4)       // xc123def
	pt.Insert(8, "!")     // xc123def!
	pt.ReplaceSubrange(2, 7, "") // spans added and original pieces

	if got := pt.String(); got != "xcf!" {
		t.Fatalf("got %q, want %q", got, "xcf!")
	}
	checkInvariants(t, pt)
}

func TestEmptyTable(t *testing.T) {
	pt := New("")
	if pt.Len() != 0 || pt.String() != "" {
		t.Fatalf("empty table: Len=%d String=%q", pt.Len(), pt.String())
	}
	pt.Insert(0, "hello")
	if got := pt.String(); got != "hello" {
		t.Fatalf("got %q", got)
	}
	pt.Delete(0, 5)
	if got := pt.String(); got != "" {
		t.Fatalf("got %q after delete-all", got)
	}
	checkInvariants(t, pt)
}

func TestUnicode(t *testing.T) {
	pt := New("naïve café")
	pt.ReplaceSubrange(6, 10, "日本語")
	if got := pt.String(); got != "naïve 日本語" {
		t.Fatalf("got %q", got)
	}
	if pt.Len() != 9 {
		t.Errorf("Len = %d, want 9", pt.Len())
	}
}

// TestAgainstReferenceModel applies a deterministic random edit script to
// both the piece table and a plain string and requires they agree after
// every step.
func TestAgainstReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := "abcdefghij ABCDEFGHIJ#\n"

	for trial := 0; trial < 25; trial++ {
		ref := []rune("The quick brown fox jumps over the lazy dog")
		pt := New(string(ref))

		for step := 0; step < 200; step++ {
			lo := rng.Intn(len(ref) + 1)
			hi := lo + rng.Intn(len(ref)-lo+1)
			var ins []rune
			for n := rng.Intn(8); n > 0; n-- {
				ins = append(ins, rune(alphabet[rng.Intn(len(alphabet))]))
			}

			pt.ReplaceSubrange(lo, hi, string(ins))
			ref = append(ref[:lo:lo], append(ins, ref[hi:]...)...)

			if got := pt.String(); got != string(ref) {
				t.Fatalf("trial %d step %d: table %q != reference %q", trial, step, got, string(ref))
			}
			if pt.Len() != len(ref) {
				t.Fatalf("trial %d step %d: Len %d != %d", trial, step, pt.Len(), len(ref))
			}
			checkInvariants(t, pt)
		}
	}
}

func TestSlice(t *testing.T) {
	pt := New("hello world")
	pt.ReplaceSubrange(6, 11, "there, world")
	full := pt.String()
	for lo := 0; lo <= pt.Len(); lo++ {
		for hi := lo; hi <= pt.Len(); hi++ {
			want := string([]rune(full)[lo:hi])
			if got := pt.Slice(lo, hi); got != want {
				t.Fatalf("Slice(%d, %d) = %q, want %q", lo, hi, got, want)
			}
		}
	}
}

func TestRangeOfChanges(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*PieceTable)
		wantLo  int
		wantHi  int
		changed bool
	}{
		{"untouched", func(*PieceTable) {}, 0, 0, false},
		{"middle replace", func(pt *PieceTable) { pt.ReplaceSubrange(6, 11, "there") }, 6, 11, true},
		{"delete at front", func(pt *PieceTable) { pt.Delete(0, 6) }, 0, 0, true},
		{"append at end", func(pt *PieceTable) { pt.Insert(11, "!") }, 11, 12, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt := New("hello world")
			tt.edit(pt)
			lo, hi, changed := pt.RangeOfChanges()
			if changed != tt.changed || lo != tt.wantLo || hi != tt.wantHi {
				t.Errorf("RangeOfChanges = (%d, %d, %v), want (%d, %d, %v)",
					lo, hi, changed, tt.wantLo, tt.wantHi, tt.changed)
			}
		})
	}
}

func TestIndexForOriginalOffset(t *testing.T) {
	pt := New("hello world")
	pt.ReplaceSubrange(5, 5, "XX") // helloXX world

	// 'w' was original offset 6, now logical 8.
	lower, upper, exact := pt.IndexForOriginalOffset(6)
	if !exact || lower != 8 || upper != 8 {
		t.Errorf("offset 6 → (%d, %d, %v), want (8, 8, true)", lower, upper, exact)
	}

	pt = New("hello world")
	pt.Delete(2, 4) // heo world

	lower, upper, exact = pt.IndexForOriginalOffset(3)
	if exact || lower != 2 || upper != 2 {
		t.Errorf("deleted offset 3 → (%d, %d, %v), want enclosing (2, 2, false)", lower, upper, exact)
	}
}

func TestIndexLimitedBy(t *testing.T) {
	pt := New("hello")
	if got, ok := pt.IndexLimitedBy(1, 3, 5); !ok || got != 4 {
		t.Errorf("IndexLimitedBy(1, 3, 5) = (%d, %v), want (4, true)", got, ok)
	}
	if _, ok := pt.IndexLimitedBy(1, 5, 5); ok {
		t.Error("IndexLimitedBy past limit should report false")
	}
	if _, ok := pt.IndexLimitedBy(3, -4, 0); ok {
		t.Error("IndexLimitedBy below limit should report false")
	}
}

func TestOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-bounds range")
		}
	}()
	New("abc").ReplaceSubrange(1, 9, "x")
}

// checkInvariants asserts the structural invariants: no empty pieces, no
// adjacent coalescable pieces, and the piece lengths sum to Len.
func checkInvariants(t *testing.T, pt *PieceTable) {
	t.Helper()
	total := 0
	for i, p := range pt.pieces {
		if p.len() <= 0 {
			t.Fatalf("piece %d is empty: %+v", i, p)
		}
		total += p.len()
		if i > 0 {
			prev := pt.pieces[i-1]
			if prev.src == p.src && prev.end == p.start {
				t.Fatalf("pieces %d and %d should be coalesced: %+v %+v", i-1, i, prev, p)
			}
		}
	}
	if total != pt.count {
		t.Fatalf("piece lengths sum to %d, count is %d", total, pt.count)
	}
}

// Package piecetable implements an append-only, copy-on-write text buffer.
//
// A PieceTable presents a mutable logical string while physically storing
// only two backing arrays: the immutable original contents and an
// append-only addition buffer. Edits rearrange a list of pieces referencing
// subranges of those buffers, so existing characters are never overwritten.
// This makes diffing the current text against the original cheap, which the
// metadata re-extraction path relies on.
//
// Positions are rune offsets into the logical text. Out-of-bounds positions
// are a programming error and panic, matching the contract of an in-process
// editing buffer.
package piecetable

import "fmt"

type source uint8

const (
	original source = iota
	added
)

// piece references the half-open range [start, end) within one backing
// buffer. The invariant maintained by every mutation: no piece is empty,
// and no two adjacent pieces share a source with p.end == next.start.
type piece struct {
	src        source
	start, end int
}

func (p piece) len() int { return p.end - p.start }

// PieceTable is a mutable logical string over immutable backing storage.
// Not safe for concurrent use; callers serialize access.
type PieceTable struct {
	original []rune
	added    []rune
	pieces   []piece
	count    int
}

// New creates a piece table whose logical contents equal text.
func New(text string) *PieceTable {
	runes := []rune(text)
	t := &PieceTable{original: runes, count: len(runes)}
	if len(runes) > 0 {
		t.pieces = []piece{{src: original, start: 0, end: len(runes)}}
	}
	return t
}

// Len returns the logical length in runes.
func (t *PieceTable) Len() int { return t.count }

// String materializes the full logical text. The result is not cached;
// callers that need repeated access should keep their own copy.
func (t *PieceTable) String() string {
	out := make([]rune, 0, t.count)
	for _, p := range t.pieces {
		out = append(out, t.buffer(p.src)[p.start:p.end]...)
	}
	return string(out)
}

// Slice returns the logical text in [lo, hi).
func (t *PieceTable) Slice(lo, hi int) string {
	t.checkRange(lo, hi)
	out := make([]rune, 0, hi-lo)
	pos := 0
	for _, p := range t.pieces {
		n := p.len()
		if pos+n <= lo {
			pos += n
			continue
		}
		if pos >= hi {
			break
		}
		from := max(lo-pos, 0)
		to := min(hi-pos, n)
		out = append(out, t.buffer(p.src)[p.start+from:p.start+to]...)
		pos += n
	}
	return string(out)
}

// Index returns i advanced by offset, panicking if the result leaves
// [0, Len()].
func (t *PieceTable) Index(i, offset int) int {
	j := i + offset
	if j < 0 || j > t.count {
		panic(fmt.Sprintf("piecetable: index %d+%d out of range 0..%d", i, offset, t.count))
	}
	return j
}

// IndexLimitedBy returns i advanced by offset, or false if the move would
// pass limit.
func (t *PieceTable) IndexLimitedBy(i, offset, limit int) (int, bool) {
	j := i + offset
	if offset > 0 && j > limit {
		return 0, false
	}
	if offset < 0 && j < limit {
		return 0, false
	}
	if j < 0 || j > t.count {
		return 0, false
	}
	return j, true
}

// Distance returns to - from.
func (t *PieceTable) Distance(from, to int) int { return to - from }

// ReplaceSubrange replaces the logical range [lo, hi) with replacement.
// The replaced range's characters remain in their backing buffer; only the
// piece list changes, and the replacement is appended to the addition
// buffer.
func (t *PieceTable) ReplaceSubrange(lo, hi int, replacement string) {
	t.checkRange(lo, hi)
	repl := []rune(replacement)

	out := make([]piece, 0, len(t.pieces)+2)
	pos := 0
	idx := 0

	// Pieces fully before the edit.
	for ; idx < len(t.pieces); idx++ {
		p := t.pieces[idx]
		if pos+p.len() > lo {
			break
		}
		out = append(out, p)
		pos += p.len()
	}

	// Prefix of the piece containing lo.
	if idx < len(t.pieces) {
		if cut := lo - pos; cut > 0 {
			p := t.pieces[idx]
			out = append(out, piece{src: p.src, start: p.start, end: p.start + cut})
		}
	}

	// The replacement lives at the end of the addition buffer.
	if len(repl) > 0 {
		start := len(t.added)
		t.added = append(t.added, repl...)
		out = append(out, piece{src: added, start: start, end: start + len(repl)})
	}

	// Skip to the piece containing hi and keep its suffix.
	for ; idx < len(t.pieces); idx++ {
		p := t.pieces[idx]
		n := p.len()
		if pos+n >= hi {
			if cut := hi - pos; cut < n {
				out = append(out, piece{src: p.src, start: p.start + cut, end: p.end})
			}
			idx++
			break
		}
		pos += n
	}

	out = append(out, t.pieces[idx:]...)
	t.pieces = coalesce(out)
	t.count += len(repl) - (hi - lo)
}

// Insert inserts text at position i.
func (t *PieceTable) Insert(i int, text string) { t.ReplaceSubrange(i, i, text) }

// Delete removes the logical range [lo, hi).
func (t *PieceTable) Delete(lo, hi int) { t.ReplaceSubrange(lo, hi, "") }

// RangeOfChanges returns the smallest logical range [lo, hi) outside of
// which the current text still matches the original buffer, and whether
// anything changed at all. External re-parsers use this to bound
// incremental work after a burst of edits.
func (t *PieceTable) RangeOfChanges() (lo, hi int, changed bool) {
	if len(t.pieces) == 1 && t.pieces[0].src == original &&
		t.pieces[0].start == 0 && t.pieces[0].end == len(t.original) {
		return 0, 0, false
	}
	if len(t.pieces) == 0 {
		if len(t.original) == 0 {
			return 0, 0, false
		}
		return 0, 0, true
	}

	// Leading run of untouched original text.
	prefix := 0
	if p := t.pieces[0]; p.src == original && p.start == 0 {
		prefix = p.len()
	}

	// Trailing run of untouched original text.
	suffix := 0
	if p := t.pieces[len(t.pieces)-1]; p.src == original && p.end == len(t.original) {
		suffix = p.len()
	}

	lo = prefix
	hi = t.count - suffix
	if hi < lo {
		hi = lo
	}
	return lo, hi, true
}

// IndexForOriginalOffset maps an offset into the original buffer to the
// current logical coordinate space. When the original character at offset
// is still present, exact is true and lower == upper is its logical
// position. When it was deleted or superseded, exact is false and
// [lower, upper] is the nearest enclosing logical range.
func (t *PieceTable) IndexForOriginalOffset(offset int) (lower, upper int, exact bool) {
	if offset < 0 || offset > len(t.original) {
		panic(fmt.Sprintf("piecetable: original offset %d out of range 0..%d", offset, len(t.original)))
	}

	pos := 0
	lower = 0
	for _, p := range t.pieces {
		if p.src == original {
			if offset >= p.start && offset < p.end {
				at := pos + (offset - p.start)
				return at, at, true
			}
			if p.end <= offset {
				lower = pos + p.len()
			}
			if p.start > offset {
				return lower, pos, false
			}
		}
		pos += p.len()
	}
	return lower, t.count, false
}

func (t *PieceTable) buffer(s source) []rune {
	if s == added {
		return t.added
	}
	return t.original
}

func (t *PieceTable) checkRange(lo, hi int) {
	if lo < 0 || hi < lo || hi > t.count {
		panic(fmt.Sprintf("piecetable: range [%d, %d) out of bounds 0..%d", lo, hi, t.count))
	}
}

// coalesce drops empty pieces and merges adjacent pieces that reference
// contiguous ranges of the same buffer.
func coalesce(pieces []piece) []piece {
	out := pieces[:0]
	for _, p := range pieces {
		if p.len() == 0 {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.src == p.src && last.end == p.start {
				last.end = p.end
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

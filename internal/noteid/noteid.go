// Package noteid generates globally-unique, time-ordered note identifiers.
//
// An identifier packs a millisecond timestamp, a per-device instance number,
// and a per-millisecond sequence counter into 63 bits, rendered as a
// fixed-width base-32 string so that lexicographic order matches creation
// order. Identifiers are assigned once at note creation and never change.
package noteid

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starford/perthro/internal/clock"
)

// Layout of the packed identifier, high bits to low:
// 41 bits milliseconds since epoch, 10 bits instance, 12 bits sequence.
const (
	instanceBits = 10
	sequenceBits = 12

	maxInstance = 1<<instanceBits - 1
	maxSequence = 1<<sequenceBits - 1

	// encodedLen is the width of a base-32 rendering of 63 bits.
	encodedLen = 13
)

// epoch is 2020-01-01T00:00:00Z in Unix milliseconds.
const epoch = 1577836800000

// ID is the primary key for a note. The zero value is invalid.
type ID string

// Valid reports whether id has the expected shape.
func (id ID) Valid() bool {
	if len(id) != encodedLen {
		return false
	}
	_, err := strconv.ParseUint(string(id), 32, 64)
	return err == nil
}

// Time extracts the creation timestamp embedded in the identifier.
func (id ID) Time() (time.Time, error) {
	n, err := strconv.ParseUint(string(id), 32, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("noteid: parse %q: %w", id, err)
	}
	ms := int64(n>>(instanceBits+sequenceBits)) + epoch
	return time.UnixMilli(ms).UTC(), nil
}

// Generator produces identifiers for one device instance. Safe for
// concurrent use.
type Generator struct {
	mu       sync.Mutex
	clock    clock.Clock
	instance uint64
	lastMS   int64
	seq      uint64
}

// NewGenerator creates a generator for the given instance number
// (0..1023, typically derived from the device UUID).
func NewGenerator(instance int, c clock.Clock) *Generator {
	if c == nil {
		c = clock.Real{}
	}
	return &Generator{
		clock:    c,
		instance: uint64(instance) & maxInstance,
	}
}

// New returns the next identifier. Within one millisecond the sequence
// counter disambiguates; if it overflows the generator spins to the next
// millisecond.
func (g *Generator) New() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock.Now().UnixMilli()
	if ms < g.lastMS {
		// Clock went backwards; keep issuing from the last observed
		// millisecond so ordering never regresses.
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq++
		if g.seq > maxSequence {
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms

	packed := uint64(ms-epoch)<<(instanceBits+sequenceBits) |
		g.instance<<sequenceBits |
		g.seq
	return encode(packed)
}

func encode(n uint64) ID {
	s := strconv.FormatUint(n, 32)
	if len(s) < encodedLen {
		s = strings.Repeat("0", encodedLen-len(s)) + s
	}
	return ID(s)
}

// Package studylog keeps the append-only journal of study outcomes.
//
// The log is the durable source of truth for study history: entries are
// never mutated after append, merges are set-union, and scheduling state
// can always be rebuilt by replaying the log. The suppression-date formula
// here predates the scheduler integration in the storage engine and is kept
// for compatibility with logs produced by older versions.
package studylog

import (
	"sort"
	"time"

	"github.com/starford/perthro/internal/challenge"
)

// AnswerStatistics counts the outcome of one study attempt.
type AnswerStatistics struct {
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
}

// Entry is one study outcome. Entries are immutable after append.
type Entry struct {
	Timestamp  time.Time            `json:"timestamp"`
	Identifier challenge.Identifier `json:"identifier"`
	Statistics AnswerStatistics     `json:"statistics"`
}

// less defines the total order (timestamp, templateID, index, correct,
// incorrect) used for deterministic merge and sort.
func (e Entry) less(other Entry) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	if e.Identifier.TemplateID != other.Identifier.TemplateID {
		return e.Identifier.TemplateID < other.Identifier.TemplateID
	}
	if e.Identifier.Index != other.Identifier.Index {
		return e.Identifier.Index < other.Identifier.Index
	}
	if e.Statistics.Correct != other.Statistics.Correct {
		return e.Statistics.Correct < other.Statistics.Correct
	}
	return e.Statistics.Incorrect < other.Statistics.Incorrect
}

type entryKey struct {
	ts        int64
	id        challenge.Identifier
	correct   int
	incorrect int
}

func (e Entry) key() entryKey {
	return entryKey{
		ts:        e.Timestamp.UnixNano(),
		id:        e.Identifier,
		correct:   e.Statistics.Correct,
		incorrect: e.Statistics.Incorrect,
	}
}

// Log is an append-only sequence of entries, kept sorted by the total
// order. The zero value is an empty log.
type Log struct {
	entries []Entry
}

// New creates a log from existing entries (e.g. loaded from storage).
func New(entries []Entry) *Log {
	l := &Log{entries: append([]Entry(nil), entries...)}
	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].less(l.entries[j]) })
	return l
}

// Append adds an entry to the log.
func (l *Log) Append(e Entry) {
	// Appends arrive in timestamp order in normal operation; keep the
	// slice sorted for the occasional out-of-order entry.
	i := sort.Search(len(l.entries), func(i int) bool { return e.less(l.entries[i]) })
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// Entries returns the log in total order. Callers must not mutate the
// returned slice.
func (l *Log) Entries() []Entry { return l.entries }

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.entries) }

// Merge folds other into l using set union on structural equality.
// Idempotent and commutative: merging the same log twice, or merging in
// either direction, converges on the same entry set.
func (l *Log) Merge(other *Log) {
	seen := make(map[entryKey]struct{}, len(l.entries))
	for _, e := range l.entries {
		seen[e.key()] = struct{}{}
	}
	for _, e := range other.entries {
		if _, dup := seen[e.key()]; dup {
			continue
		}
		seen[e.key()] = struct{}{}
		l.entries = append(l.entries, e)
	}
	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].less(l.entries[j]) })
}

// suppressionInterval is the base window applied after the first correct
// answer and the floor for subsequent windows.
const suppressionInterval = 24 * time.Hour

// IdentifierSuppressionDates computes, for every identifier in the log, the
// date before which it should be suppressed from selection.
//
// This is the legacy recency-decay heuristic: a miss clears suppression
// entirely; the first correct answer suppresses for one day; after that the
// window grows with the gap since the previous study, scaled by
// 2^(1 - incorrect).
func (l *Log) IdentifierSuppressionDates() map[challenge.Identifier]time.Time {
	dates := make(map[challenge.Identifier]time.Time)
	lastStudied := make(map[challenge.Identifier]time.Time)

	for _, e := range l.entries {
		id := e.Identifier
		switch {
		case e.Statistics.Correct == 0:
			delete(dates, id)
			delete(lastStudied, id)

		default:
			prev, studied := lastStudied[id]
			if _, suppressed := dates[id]; !suppressed || !studied {
				dates[id] = e.Timestamp.Add(suppressionInterval)
			} else {
				delta := e.Timestamp.Sub(prev)
				if delta < suppressionInterval {
					delta = suppressionInterval
				}
				factor := exp2(1 - e.Statistics.Incorrect)
				dates[id] = e.Timestamp.Add(time.Duration(float64(delta) * factor))
			}
			lastStudied[id] = e.Timestamp
		}
	}
	return dates
}

func exp2(n int) float64 {
	f := 1.0
	for ; n > 0; n-- {
		f *= 2
	}
	for ; n < 0; n++ {
		f /= 2
	}
	return f
}

package notestore

import (
	"context"
	"math/rand"
	"time"

	"github.com/starford/perthro/internal/challenge"
	"github.com/starford/perthro/internal/noteid"
)

// StudySession is a fixed queue of challenges assembled for one sitting.
type StudySession struct {
	queue []challenge.Identifier
	pos   int
}

// NewStudySession gathers the challenges eligible at before, shuffles them
// deterministically from seed, and caps the queue at limit (0 means no
// cap). A non-nil scope restricts the session to one note.
func (s *Store) NewStudySession(ctx context.Context, before time.Time, scope *noteid.ID, limit int, seed int64) (*StudySession, error) {
	ids, err := s.EligibleChallenges(ctx, before, scope)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return &StudySession{queue: ids}, nil
}

// Remaining reports how many challenges are left in the session.
func (ss *StudySession) Remaining() int { return len(ss.queue) - ss.pos }

// Next returns the next challenge identifier, or false when the session is
// exhausted.
func (ss *StudySession) Next() (challenge.Identifier, bool) {
	if ss.pos >= len(ss.queue) {
		return challenge.Identifier{}, false
	}
	id := ss.queue[ss.pos]
	ss.pos++
	return id, true
}

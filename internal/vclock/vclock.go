// Package vclock implements per-device logical clocks for snapshot
// reconciliation.
//
// Each device that writes to a store contributes one component to the
// store-wide version vector: the timestamp of its latest change. The
// standard partial order over vectors decides whether one snapshot can
// safely replace another or whether the merge engine has to reconcile them
// record by record.
package vclock

import "time"

// DeviceIdentity names the local device. It is injected into the storage
// engine at construction time; there is no process-global current device.
type DeviceIdentity struct {
	UUID string
	Name string
}

// Device is the persisted record for one device that has written to a
// store. LatestChange is that device's component of the version vector.
type Device struct {
	UUID         string
	Name         string
	LatestChange time.Time
}

// Relation is the outcome of comparing two vectors.
type Relation int

const (
	Equal Relation = iota
	// Before means the receiver is strictly dominated by the argument.
	Before
	// After means the receiver strictly dominates the argument.
	After
	// Concurrent means neither dominates; the snapshots must be merged.
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Vector maps device UUIDs to that device's latest change timestamp.
// Absent components compare as the zero time.
type Vector map[string]time.Time

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for d, t := range v {
		out[d] = t
	}
	return out
}

// Observe raises the component for device to at least ts. Components never
// decrease.
func (v Vector) Observe(device string, ts time.Time) {
	if cur, ok := v[device]; !ok || ts.After(cur) {
		v[device] = ts
	}
}

// Union returns the pointwise maximum of v and other. Union is
// associative, commutative, and idempotent.
func (v Vector) Union(other Vector) Vector {
	out := v.Clone()
	for d, t := range other {
		out.Observe(d, t)
	}
	return out
}

// DominatedBy reports v ≤ other: every component of v is at or before the
// corresponding component of other.
func (v Vector) DominatedBy(other Vector) bool {
	for d, t := range v {
		if t.After(other[d]) {
			return false
		}
	}
	return true
}

// Compare classifies the relation between v and other under the partial
// order.
func (v Vector) Compare(other Vector) Relation {
	le := v.DominatedBy(other)
	ge := other.DominatedBy(v)
	switch {
	case le && ge:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

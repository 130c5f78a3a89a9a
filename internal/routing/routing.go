// Package routing holds the two atomically-updated integers that carry the
// gateway's entire routing decision: which candidate is primary, and the
// epoch that versions that decision. Modeled after the bitmask-over-atomic
// fields in the teacher's internal/core.Backend.State, generalized to the
// spec's two-field (index, epoch) global state instead of a per-backend
// health flag.
package routing

import "sync/atomic"

// NoPrimary is the sentinel PrimaryIndex value meaning "no primary known".
const NoPrimary = -1

// State is the global routing state shared (read-only for everyone but the
// prober) between the prober, the accept dispatcher, and the workers.
type State struct {
	primaryIndex atomic.Int64
	epoch        atomic.Uint64
}

// New returns a State with no known primary at epoch 0.
func New() *State {
	s := &State{}
	s.primaryIndex.Store(NoPrimary)
	return s
}

// Sample is a single consistent (primaryIndex, epoch) observation. The
// accept dispatcher binds every new connection to exactly one Sample.
type Sample struct {
	PrimaryIndex int
	Epoch        uint64
}

// Load takes one logical sample of the routing state. The index load uses
// acquire semantics (via Go's atomic package, whose operations already
// carry the necessary happens-before edges per the Go memory model) so
// that, paired with the prober's release-store in Publish, a reader that
// observes a given index also observes every epoch bump published at or
// before that store.
func (s *State) Load() Sample {
	idx := s.primaryIndex.Load()
	epoch := s.epoch.Load()
	return Sample{PrimaryIndex: int(idx), Epoch: epoch}
}

// Epoch returns only the current epoch, for the workers' per-batch stale
// check (spec.md §4.3: "snapshot the current global epoch once for this
// batch").
func (s *State) Epoch() uint64 {
	return s.epoch.Load()
}

// Publish writes a new primary index if it differs from the currently
// published one, bumping the epoch. It reports whether a change was
// published. Safe for a single writer (the prober) only.
func (s *State) Publish(newIndex int) (changed bool, epoch uint64) {
	cur := int(s.primaryIndex.Load())
	if newIndex == cur {
		return false, s.epoch.Load()
	}
	s.primaryIndex.Store(int64(newIndex))
	e := s.epoch.Add(1)
	return true, e
}

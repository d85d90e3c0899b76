package protocol

import (
	"slices"
	"sync"
	"time"
)

// IterationState is the mutable state of the iteration collecting updates.
// Every field is guarded by mu. The participant count is always the size of
// the counted set, never a separate counter.
type IterationState struct {
	mu sync.Mutex

	number      uint64
	startedAt   time.Time
	window      time.Duration
	counted     map[string]struct{}
	updates     []*ClientUpdate
	dataSizeSum uint64

	// shape is fixed by the first admitted update.
	shape map[string]int

	// sealed is set by whichever path closes the iteration first.
	sealed bool
}

// IterationSnapshot is a consistent copy of an IterationState.
type IterationSnapshot struct {
	Number       uint64
	Participants uint32
	DataSizeSum  uint64
	StartedAt    time.Time
	Window       time.Duration
	Identities   []string
	Sealed       bool
}

// Deadline is the end of the iteration window.
func (s IterationSnapshot) Deadline() time.Time {
	return s.StartedAt.Add(s.Window)
}

// NewIterationState creates the state of iteration number starting at startedAt.
func NewIterationState(number uint64, startedAt time.Time, window time.Duration) *IterationState {
	return &IterationState{
		number:    number,
		startedAt: startedAt,
		window:    window,
		counted:   make(map[string]struct{}),
	}
}

// Deadline returns the end of the iteration window.
func (s *IterationState) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt.Add(s.window)
}

// Snapshot returns a consistent copy of the state.
func (s *IterationState) Snapshot() IterationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *IterationState) snapshotLocked() IterationSnapshot {
	identities := make([]string, 0, len(s.counted))
	for id := range s.counted {
		identities = append(identities, id)
	}
	slices.Sort(identities)

	return IterationSnapshot{
		Number:       s.number,
		Participants: uint32(len(s.counted)),
		DataSizeSum:  s.dataSizeSum,
		StartedAt:    s.startedAt,
		Window:       s.window,
		Identities:   identities,
		Sealed:       s.sealed,
	}
}

// SealIfExpired seals the iteration if its window has elapsed at now and no
// other path sealed it. It returns true only for the caller that sealed.
func (s *IterationState) SealIfExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed || now.Before(s.startedAt.Add(s.window)) {
		return false
	}
	s.sealed = true
	return true
}

// Collected returns the snapshot and the admitted updates of a sealed iteration.
// The updates slice is owned by the caller.
func (s *IterationState) Collected() (IterationSnapshot, []*ClientUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make([]*ClientUpdate, len(s.updates))
	copy(updates, s.updates)
	return s.snapshotLocked(), updates
}

// Advance clears the state and opens the next iteration at now.
// It returns the new iteration number.
func (s *IterationState) Advance(now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.number++
	s.startedAt = now
	s.counted = make(map[string]struct{})
	s.updates = nil
	s.dataSizeSum = 0
	s.shape = nil
	s.sealed = false
	return s.number
}

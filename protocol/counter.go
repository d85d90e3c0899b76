package protocol

// CountStatus is the outcome of a counting attempt.
type CountStatus int

const (
	CountAccepted CountStatus = iota
	CountAlreadyCounted
	CountClosed
	CountShapeMismatch
)

func (s CountStatus) String() string {
	switch s {
	case CountAccepted:
		return "accepted"
	case CountAlreadyCounted:
		return "already_counted"
	case CountClosed:
		return "closed"
	case CountShapeMismatch:
		return "shape_mismatch"
	}
	return "unknown"
}

// CountResult is returned by TryIncrement.
type CountResult struct {
	Status CountStatus

	// Count is the number of distinct participants after the attempt.
	Count uint32

	// Reached is true for exactly one accepted update per iteration: the one
	// that brought Count to the threshold. That update also sealed the iteration.
	Reached bool
}

// ThresholdCounter admits each identity at most once per iteration.
type ThresholdCounter struct {
	state     *IterationState
	threshold uint32
}

// NewThresholdCounter creates a counter over state closing at threshold participants.
func NewThresholdCounter(state *IterationState, threshold uint32) *ThresholdCounter {
	return &ThresholdCounter{state: state, threshold: threshold}
}

// Threshold returns the configured threshold.
func (c *ThresholdCounter) Threshold() uint32 {
	return c.threshold
}

// Count returns the number of distinct participants of the current iteration.
func (c *ThresholdCounter) Count() uint32 {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return uint32(len(c.state.counted))
}

// TryIncrement counts update.Identity for iteration. The update is recorded
// in the same critical section, so the recorded payloads always match the
// counted identities. Attempts against a sealed iteration or a different
// iteration number are refused with CountClosed.
func (c *ThresholdCounter) TryIncrement(iteration uint64, update *ClientUpdate) CountResult {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	count := uint32(len(s.counted))

	if s.sealed || s.number != iteration {
		return CountResult{Status: CountClosed, Count: count}
	}
	if _, ok := s.counted[update.Identity]; ok {
		return CountResult{Status: CountAlreadyCounted, Count: count}
	}
	if s.shape != nil && !update.Features.MatchesShape(s.shape) {
		return CountResult{Status: CountShapeMismatch, Count: count}
	}

	s.counted[update.Identity] = struct{}{}
	s.updates = append(s.updates, update)
	s.dataSizeSum += update.DataSize
	if s.shape == nil {
		s.shape = update.Features.Shape()
	}

	count++
	reached := count >= c.threshold
	if reached {
		s.sealed = true
	}

	return CountResult{Status: CountAccepted, Count: count, Reached: reached}
}

package protocol

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func counterUpdate(identity string) *ClientUpdate {
	return &ClientUpdate{Identity: identity, DataSize: 5, Features: FeatureMap{"w": {1, 1}}}
}

func TestThresholdCounterAdmitsIdentityOnce(t *testing.T) {
	state := NewIterationState(1, time.Now(), time.Minute)
	counter := NewThresholdCounter(state, 3)

	res := counter.TryIncrement(1, counterUpdate("a"))
	require.Equal(t, CountAccepted, res.Status)
	require.Equal(t, uint32(1), res.Count)
	require.False(t, res.Reached)

	res = counter.TryIncrement(1, counterUpdate("a"))
	require.Equal(t, CountAlreadyCounted, res.Status)
	require.Equal(t, uint32(1), res.Count)

	snapshot, updates := state.Collected()
	require.Len(t, updates, 1)
	require.Equal(t, uint64(5), snapshot.DataSizeSum)
}

func TestThresholdCounterSealsAtThreshold(t *testing.T) {
	state := NewIterationState(7, time.Now(), time.Minute)
	counter := NewThresholdCounter(state, 2)

	require.False(t, counter.TryIncrement(7, counterUpdate("a")).Reached)
	res := counter.TryIncrement(7, counterUpdate("b"))
	require.Equal(t, CountAccepted, res.Status)
	require.True(t, res.Reached)

	res = counter.TryIncrement(7, counterUpdate("c"))
	require.Equal(t, CountClosed, res.Status)
	require.Equal(t, uint32(2), res.Count)
	require.True(t, state.Snapshot().Sealed)
}

func TestThresholdCounterRejectsOtherIterations(t *testing.T) {
	state := NewIterationState(3, time.Now(), time.Minute)
	counter := NewThresholdCounter(state, 5)

	require.Equal(t, CountClosed, counter.TryIncrement(2, counterUpdate("a")).Status)
	require.Equal(t, uint32(0), counter.Count())
}

func TestThresholdCounterRejectsShapeMismatch(t *testing.T) {
	state := NewIterationState(1, time.Now(), time.Minute)
	counter := NewThresholdCounter(state, 5)

	require.Equal(t, CountAccepted, counter.TryIncrement(1, counterUpdate("a")).Status)

	mismatched := &ClientUpdate{Identity: "b", DataSize: 1, Features: FeatureMap{"w": {1, 2, 3}}}
	require.Equal(t, CountShapeMismatch, counter.TryIncrement(1, mismatched).Status)
	require.Equal(t, uint32(1), counter.Count())
}

func TestThresholdCounterConcurrentDuplicates(t *testing.T) {
	state := NewIterationState(1, time.Now(), time.Minute)
	counter := NewThresholdCounter(state, 100)

	const identities = 10
	const attemptsPerIdentity = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted = map[string]int{}
	)
	start := make(chan struct{})
	for i := 0; i < identities; i++ {
		for j := 0; j < attemptsPerIdentity; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				if counter.TryIncrement(1, counterUpdate(id)).Status == CountAccepted {
					mu.Lock()
					accepted[id]++
					mu.Unlock()
				}
			}(fmt.Sprintf("id-%d", i))
		}
	}
	close(start)
	wg.Wait()

	require.Len(t, accepted, identities)
	for id, n := range accepted {
		require.Equal(t, 1, n, id)
	}

	snapshot, updates := state.Collected()
	require.Equal(t, uint32(identities), snapshot.Participants)
	require.Len(t, updates, identities)
	require.Equal(t, counter.Count(), snapshot.Participants)
}

func TestIterationStateAdvance(t *testing.T) {
	start := time.Now()
	state := NewIterationState(1, start, time.Minute)
	counter := NewThresholdCounter(state, 1)
	require.True(t, counter.TryIncrement(1, counterUpdate("a")).Reached)

	require.False(t, state.SealIfExpired(start.Add(2*time.Minute)), "already sealed by threshold")

	next := state.Advance(start.Add(time.Second))
	require.Equal(t, uint64(2), next)

	snapshot := state.Snapshot()
	require.Equal(t, uint32(0), snapshot.Participants)
	require.Empty(t, snapshot.Identities)
	require.False(t, snapshot.Sealed)
	require.Equal(t, start.Add(time.Second+time.Minute), snapshot.Deadline())

	require.False(t, state.SealIfExpired(start.Add(time.Minute)))
	require.True(t, state.SealIfExpired(start.Add(time.Minute+time.Second)))
	require.False(t, state.SealIfExpired(start.Add(time.Hour)))
}

package timer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

func newScheduler(t *testing.T) (*Scheduler, *store.Graph) {
	t.Helper()
	g := store.NewGraph(run.GraphTimers)
	return New(g, time.Minute, 3), g
}

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	due, err := ParseDue("PT30S", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), due)

	due, err = ParseDue("P1DT2H", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(26*time.Hour), due)

	due, err = ParseDue("", "2026-09-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), due)

	// Date wins when both are set.
	due, err = ParseDue("PT1H", "2026-09-01T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), due)

	_, err = ParseDue("not-a-duration", "", now)
	assert.ErrorIs(t, err, ErrBadTimerSpec)
	_, err = ParseDue("", "", now)
	assert.ErrorIs(t, err, ErrBadTimerSpec)
}

func TestScheduleAndClaim(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	token := store.IRI(run.TokenNS + "t1")
	node := store.IRI(run.DefNS + "d/waitTimer")

	id, err := s.Schedule(inst, token, node, "catch", now.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	jobs, err := s.Claim(now, "w1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "catch", jobs[0].Kind)
	assert.True(t, store.TermsEqual(token, jobs[0].Token))
	assert.Equal(t, 1, jobs[0].Attempts)

	// Claimed jobs are invisible to later claimers.
	again, err := s.Claim(now, "w2", 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Complete(id))
	assert.Equal(t, 0, s.Pending())
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	token := store.IRI(run.TokenNS + "t1")
	node := store.IRI(run.DefNS + "d/n")

	_, err := s.Schedule(inst, token, node, "catch", now.Add(time.Hour))
	require.NoError(t, err)

	jobs, err := s.Claim(now, "w1", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.Claim(now.Add(2*time.Hour), "w1", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestConcurrentClaimersNeverShareAJob(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	node := store.IRI(run.DefNS + "d/n")

	const jobs = 50
	for i := 0; i < jobs; i++ {
		token := store.IRI(run.TokenNS + fmt.Sprintf("t%d", i))
		_, err := s.Schedule(inst, token, node, "catch", now.Add(-time.Second))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				claimed, err := s.Claim(now, fmt.Sprintf("w%d", worker), 5)
				if !assert.NoError(t, err) {
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestReleaseRetriesThenGivesUp(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	token := store.IRI(run.TokenNS + "t1")
	node := store.IRI(run.DefNS + "d/n")

	id, err := s.Schedule(inst, token, node, "boundary", now.Add(-time.Second))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		jobs, err := s.Claim(now, "w1", 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, attempt, jobs[0].Attempts)

		retry, err := s.Release(id)
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, retry)
		} else {
			assert.False(t, retry, "attempts exhausted")
		}
	}

	jobs, err := s.Claim(now, "w1", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelToken(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	t1 := store.IRI(run.TokenNS + "t1")
	t2 := store.IRI(run.TokenNS + "t2")
	node := store.IRI(run.DefNS + "d/n")

	_, err := s.Schedule(inst, t1, node, "boundary", now.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.Schedule(inst, t2, node, "boundary", now.Add(time.Hour))
	require.NoError(t, err)

	n, err := s.CancelToken(t1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Pending())

	n, err = s.CancelInstance(inst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Pending())
}

func TestRecoverLeases(t *testing.T) {
	s, _ := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	token := store.IRI(run.TokenNS + "t1")
	node := store.IRI(run.DefNS + "d/n")

	_, err := s.Schedule(inst, token, node, "catch", now.Add(-time.Second))
	require.NoError(t, err)
	jobs, err := s.Claim(now, "w1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Lease still live, nothing to recover.
	n, err := s.RecoverLeases(now.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RecoverLeases(now.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err = s.Claim(now.Add(2*time.Minute), "w2", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestPrune(t *testing.T) {
	s, g := newScheduler(t)
	now := time.Now()
	inst := store.IRI(run.InstanceNS + "i1")
	token := store.IRI(run.TokenNS + "t1")
	node := store.IRI(run.DefNS + "d/n")

	id, err := s.Schedule(inst, token, node, "catch", now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = s.Claim(now, "w1", 0)
	require.NoError(t, err)
	require.NoError(t, s.Complete(id))

	n, err := s.Prune(now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, g.Len())
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

func newTestQueue(cfg Config, onMetrics MetricsFunc) *Queue {
	return NewQueue(cfg, onMetrics, logger.NewTestLogger())
}

func qz(zoneID, documentID string, priority int) models.QueuedZone {
	return models.QueuedZone{
		ZoneID:     zoneID,
		DocumentID: documentID,
		Tool:       "camelot",
		Priority:   priority,
		Attempt:    1,
	}
}

// mustClaim claims from a queue that already has ready work. The claim
// context stays live until the queue cancels or finishes the item.
func mustClaim(t *testing.T, q *Queue, workerID string) (models.QueuedZone, context.Context) {
	t.Helper()
	claimed, cctx, err := q.Claim(context.Background(), workerID)
	require.NoError(t, err)
	return claimed, cctx
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	require.NoError(t, q.Enqueue(qz("low", "doc-1", 3)))
	require.NoError(t, q.Enqueue(qz("high", "doc-1", 9)))
	require.NoError(t, q.Enqueue(qz("mid-a", "doc-1", 5)))
	require.NoError(t, q.Enqueue(qz("mid-b", "doc-1", 5)))

	var order []string
	for i := 0; i < 4; i++ {
		claimed, _ := mustClaim(t, q, "worker-1")
		order = append(order, claimed.ZoneID)
		require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, order)
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))

	err := q.Enqueue(qz("z1", "doc-1", 5))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Still a duplicate while the claim is in flight.
	claimed, _ := mustClaim(t, q, "worker-1")
	err = q.Enqueue(qz("z1", "doc-1", 5))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Free again once the claim closed.
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
	assert.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
}

func TestEnqueueValidatesPriority(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	assert.ErrorIs(t, q.Enqueue(qz("z1", "doc-1", 0)), ErrInvalidPriority)
	assert.ErrorIs(t, q.Enqueue(qz("z1", "doc-1", 11)), ErrInvalidPriority)
	assert.ErrorIs(t, q.Enqueue(qz("z1", "doc-1", -3)), ErrInvalidPriority)
}

func TestEnqueueCapacity(t *testing.T) {
	q := newTestQueue(Config{Capacity: 2}, nil)

	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
	require.NoError(t, q.Enqueue(qz("z2", "doc-1", 5)))
	assert.ErrorIs(t, q.Enqueue(qz("z3", "doc-1", 5)), ErrQueueFull)

	// Claimed items still count against capacity.
	claimed, _ := mustClaim(t, q, "worker-1")
	assert.ErrorIs(t, q.Enqueue(qz("z3", "doc-1", 5)), ErrQueueFull)

	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
	assert.NoError(t, q.Enqueue(qz("z3", "doc-1", 5)))
}

func TestClaimBlocksUntilWork(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	got := make(chan models.QueuedZone, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		claimed, _, err := q.Claim(ctx, "worker-1")
		if err == nil {
			got <- claimed
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(qz("late", "doc-1", 5)))

	select {
	case claimed := <-got:
		assert.Equal(t, "late", claimed.ZoneID)
		assert.Equal(t, "worker-1", claimed.AssignedWorker)
	case <-time.After(2 * time.Second):
		t.Fatal("claim never woke up")
	}
}

func TestClaimHonorsContext(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Claim(ctx, "worker-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaimExactlyOnce(t *testing.T) {
	const items = 50
	const workers = 8

	q := newTestQueue(Config{Workers: workers}, nil)
	for i := 0; i < items; i++ {
		require.NoError(t, q.Enqueue(models.QueuedZone{
			ZoneID:     fmt.Sprintf("zone-%02d", i),
			DocumentID: "doc-1",
			Priority:   1 + i%10,
			Attempt:    1,
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		seen       sync.Map
		claimed    int64
		duplicates int64
		wg         sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				item, _, err := q.Claim(ctx, id)
				if err != nil {
					return
				}
				if _, loaded := seen.LoadOrStore(item.ZoneID, id); loaded {
					atomic.AddInt64(&duplicates, 1)
				}
				_ = q.Finish(item.ZoneID, OutcomeCompleted)
				if atomic.AddInt64(&claimed, 1) == items {
					cancel()
				}
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.EqualValues(t, items, atomic.LoadInt64(&claimed))
	assert.Zero(t, atomic.LoadInt64(&duplicates))
	assert.EqualValues(t, items, q.Metrics().Completed)
}

func TestPauseResumeKeepsFIFOPosition(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	require.NoError(t, q.Enqueue(qz("first", "doc-1", 5)))
	require.NoError(t, q.Enqueue(qz("second", "doc-1", 5)))
	require.NoError(t, q.Enqueue(qz("third", "doc-1", 5)))

	require.NoError(t, q.Pause("first"))
	assert.Equal(t, 2, q.Len())

	claimed, _ := mustClaim(t, q, "worker-1")
	assert.Equal(t, "second", claimed.ZoneID)
	require.NoError(t, q.Finish("second", OutcomeCompleted))

	// Resuming restores the original sequence, ahead of "third".
	require.NoError(t, q.Resume("first"))
	claimed, _ = mustClaim(t, q, "worker-1")
	assert.Equal(t, "first", claimed.ZoneID)
	require.NoError(t, q.Finish("first", OutcomeCompleted))

	claimed, _ = mustClaim(t, q, "worker-1")
	assert.Equal(t, "third", claimed.ZoneID)
}

func TestPauseErrors(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	assert.ErrorIs(t, q.Pause("ghost"), ErrNotFound)

	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
	mustClaim(t, q, "worker-1")
	assert.ErrorIs(t, q.Pause("z1"), ErrItemProcessing)

	assert.ErrorIs(t, q.Resume("ghost"), ErrNotFound)
}

func TestPauseIsIdempotent(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))

	require.NoError(t, q.Pause("z1"))
	require.NoError(t, q.Pause("z1"))
	assert.Equal(t, 1, q.Metrics().Paused)

	require.NoError(t, q.Resume("z1"))
	require.NoError(t, q.Resume("z1"))
	assert.Equal(t, 1, q.Len())
}

func TestCancelQueuedItem(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))

	outcome, err := q.Cancel("z1")
	require.NoError(t, err)
	assert.Equal(t, CancelRemoved, outcome)
	assert.Equal(t, 0, q.Len())
	assert.EqualValues(t, 1, q.Metrics().Cancelled)

	_, err = q.Cancel("z1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelActiveItemSignalsWorker(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))

	claimed, cctx := mustClaim(t, q, "worker-1")
	require.NoError(t, cctx.Err())

	outcome, err := q.Cancel(claimed.ZoneID)
	require.NoError(t, err)
	assert.Equal(t, CancelSignalled, outcome)
	assert.ErrorIs(t, cctx.Err(), context.Canceled)

	// The worker still owns the claim and reports the outcome.
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCancelled))
	assert.EqualValues(t, 1, q.Metrics().Cancelled)
}

func TestUpdatePriorityReorders(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("back", "doc-1", 2)))
	require.NoError(t, q.Enqueue(qz("front", "doc-1", 3)))

	require.NoError(t, q.UpdatePriority("back", 9))

	claimed, _ := mustClaim(t, q, "worker-1")
	assert.Equal(t, "back", claimed.ZoneID)
	assert.Equal(t, 9, claimed.Priority)
}

func TestUpdatePriorityErrors(t *testing.T) {
	q := newTestQueue(Config{}, nil)

	assert.ErrorIs(t, q.UpdatePriority("ghost", 12), ErrInvalidPriority)
	assert.ErrorIs(t, q.UpdatePriority("ghost", 5), ErrNotFound)

	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
	mustClaim(t, q, "worker-1")
	assert.ErrorIs(t, q.UpdatePriority("z1", 8), ErrItemProcessing)
}

func TestDocumentWideOperations(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("a1", "doc-a", 5)))
	require.NoError(t, q.Enqueue(qz("a2", "doc-a", 5)))
	require.NoError(t, q.Enqueue(qz("b1", "doc-b", 5)))

	affected := q.PauseDocument("doc-a")
	assert.ElementsMatch(t, []string{"a1", "a2"}, affected)

	// Only doc-b remains claimable.
	claimed, _ := mustClaim(t, q, "worker-1")
	assert.Equal(t, "b1", claimed.ZoneID)
	require.NoError(t, q.Finish("b1", OutcomeCompleted))

	resumed := q.ResumeDocument("doc-a")
	assert.ElementsMatch(t, []string{"a1", "a2"}, resumed)
	assert.Equal(t, 2, q.Len())

	assert.Empty(t, q.PauseDocument("doc-missing"))
}

func TestCancelDocument(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("a1", "doc-a", 5)))
	require.NoError(t, q.Enqueue(qz("a2", "doc-a", 5)))
	require.NoError(t, q.Enqueue(qz("b1", "doc-b", 5)))

	// a1 goes in flight; cancellation must reach it through its context.
	var inFlight models.QueuedZone
	var cctx context.Context
	for {
		claimed, claimCtx := mustClaim(t, q, "worker-1")
		if claimed.DocumentID == "doc-a" {
			inFlight, cctx = claimed, claimCtx
			break
		}
		require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
	}

	removed, signalled := q.CancelDocument("doc-a")
	assert.Len(t, removed, 1)
	assert.Equal(t, []string{inFlight.ZoneID}, signalled)
	assert.ErrorIs(t, cctx.Err(), context.Canceled)

	require.NoError(t, q.Finish(inFlight.ZoneID, OutcomeCancelled))
}

func TestFinishOutcomesDriveMetrics(t *testing.T) {
	q := newTestQueue(Config{Workers: 4}, nil)

	assert.ErrorIs(t, q.Finish("ghost", OutcomeCompleted), ErrNotFound)

	for _, id := range []string{"ok", "bad", "again"} {
		require.NoError(t, q.Enqueue(qz(id, "doc-1", 5)))
	}

	claimed, _ := mustClaim(t, q, "worker-1")
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
	claimed, _ = mustClaim(t, q, "worker-1")
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeFailed))
	claimed, _ = mustClaim(t, q, "worker-1")
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeRequeued))

	m := q.Metrics()
	assert.EqualValues(t, 1, m.Completed)
	assert.EqualValues(t, 1, m.Failed)
	assert.Equal(t, 0.5, m.ErrorRate)
	assert.Equal(t, 1.0, m.ThroughputPerMin)
	assert.Equal(t, 0, m.Processing)
	assert.Equal(t, 1024, m.Capacity)
	assert.GreaterOrEqual(t, m.AverageWaitMs, 0.0)
	assert.GreaterOrEqual(t, m.AverageProcessingMs, 0.0)
}

func TestMetricsCallbackFiresOnEveryChange(t *testing.T) {
	var mu sync.Mutex
	var snapshots []models.QueueMetrics
	q := newTestQueue(Config{Workers: 2}, func(m models.QueueMetrics) {
		mu.Lock()
		snapshots = append(snapshots, m)
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
	claimed, _ := mustClaim(t, q, "worker-1")
	require.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 3)
	assert.Equal(t, 1, snapshots[0].Queued)
	assert.Equal(t, 1, snapshots[1].Processing)
	assert.Equal(t, 0.5, snapshots[1].ResourceUtilization)
	assert.EqualValues(t, 1, snapshots[2].Completed)
}

func TestCloseStopsClaims(t *testing.T) {
	q := newTestQueue(Config{}, nil)
	require.NoError(t, q.Enqueue(qz("z1", "doc-1", 5)))
	claimed, _ := mustClaim(t, q, "worker-1")

	// A blocked claimer wakes up with ErrClosed.
	errCh := make(chan error, 1)
	go func() {
		_, _, err := q.Claim(context.Background(), "worker-2")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q.Close()
	q.Close() // safe to repeat

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked claim did not observe close")
	}

	assert.ErrorIs(t, q.Enqueue(qz("z2", "doc-1", 5)), ErrClosed)
	_, _, err := q.Claim(context.Background(), "worker-3")
	assert.ErrorIs(t, err, ErrClosed)

	// In-flight work still reports its outcome after close.
	assert.NoError(t, q.Finish(claimed.ZoneID, OutcomeCompleted))
}

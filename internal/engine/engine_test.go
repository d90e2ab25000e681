package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/internal/registry"
	"github.com/feichai0017/zone-engine/internal/status"
	"github.com/feichai0017/zone-engine/internal/tools"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// stubRunner stands in for the tool router. Each tool name maps to a
// function that receives its per-tool call number, so tests can script
// first-call-fails-second-call-succeeds behaviours.
type stubRunner struct {
	mu    sync.Mutex
	fns   map[string]func(call int, ctx context.Context, zone *models.Zone) (*tools.Result, error)
	calls map[string]int
	zones map[string]int
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		fns:   make(map[string]func(int, context.Context, *models.Zone) (*tools.Result, error)),
		calls: make(map[string]int),
		zones: make(map[string]int),
	}
}

func (s *stubRunner) on(tool string, fn func(call int, ctx context.Context, zone *models.Zone) (*tools.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[tool] = fn
}

func (s *stubRunner) Run(ctx context.Context, tool string, zone *models.Zone) (*tools.Result, error) {
	s.mu.Lock()
	s.calls[tool]++
	s.zones[zone.ID]++
	call := s.calls[tool]
	fn, ok := s.fns[tool]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no stub for tool %s", tool)
	}
	return fn(call, ctx, zone)
}

func (s *stubRunner) callCount(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

func (s *stubRunner) zoneRuns(zoneID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones[zoneID]
}

// fixedResult scripts a tool that always succeeds with the given output.
func fixedResult(content string, confidence float64) func(int, context.Context, *models.Zone) (*tools.Result, error) {
	return func(int, context.Context, *models.Zone) (*tools.Result, error) {
		return &tools.Result{Content: content, Confidence: confidence, DurationMs: 3}, nil
	}
}

// blockUntilCancelled scripts a tool that hangs until its run context dies,
// either from the per-run timeout or from a queue-level cancellation.
func blockUntilCancelled(_ int, ctx context.Context, _ *models.Zone) (*tools.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type engineEnv struct {
	eng    *Engine
	hub    *status.Hub
	runner *stubRunner
	log    *logger.TestLogger
}

func newEngineEnv(t *testing.T, cfg Config) *engineEnv {
	t.Helper()
	log := logger.NewTestLogger()
	hub := status.NewHub(status.Config{}, log)
	runner := newStubRunner()
	eng := New(cfg, registry.NewRegistry(log), hub, runner, nil, log)
	hub.Start(context.Background())
	eng.Start(context.Background())
	t.Cleanup(func() {
		eng.Stop()
		hub.Stop()
	})
	return &engineEnv{eng: eng, hub: hub, runner: runner, log: log}
}

func tableZone(id string) *models.Zone {
	return &models.Zone{
		ID:          id,
		PageNumber:  1,
		Box:         models.BoundingBox{X: 10, Y: 20, Width: 200, Height: 80},
		ContentType: models.ContentTypeTable,
	}
}

func submitOne(t *testing.T, env *engineEnv, documentID string, zone *models.Zone) {
	t.Helper()
	accepted, err := env.eng.SubmitZones(context.Background(), documentID, []*models.Zone{zone})
	require.NoError(t, err)
	require.Equal(t, []string{zone.ID}, accepted)
}

func waitForZoneStatus(t *testing.T, eng *Engine, zoneID string, want models.ZoneStatus) *models.Zone {
	t.Helper()
	var snap *models.Zone
	require.Eventually(t, func() bool {
		z, err := eng.Zone(zoneID)
		if err != nil || z.Status != want {
			return false
		}
		snap = z
		return true
	}, 5*time.Second, 10*time.Millisecond, "zone %s never reached %s", zoneID, want)
	return snap
}

// collectUntil drains a connection's update stream until the given event
// type arrives, returning every event type seen along the way.
func collectUntil(t *testing.T, conn *status.Connection, stop models.EventType) []models.EventType {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []models.EventType
	for {
		select {
		case ev, ok := <-conn.Updates():
			require.True(t, ok, "update stream closed before %s; saw %v", stop, seen)
			seen = append(seen, ev.Type)
			if ev.Type == stop {
				return seen
			}
		case <-deadline:
			t.Fatalf("never received %s; saw %v", stop, seen)
		}
	}
}

func firstIndex(types []models.EventType, want models.EventType) int {
	for i, tp := range types {
		if tp == want {
			return i
		}
	}
	return -1
}

func TestTimedOutToolFallsBackAndSecondToolCompletes(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1, ToolTimeout: 50 * time.Millisecond})
	env.runner.on("camelot", blockUntilCancelled)
	env.runner.on("tabula", fixedResult("name,qty\nwidget,4", 0.80))

	conn, err := env.hub.Subscribe(status.SubscribeRequest{
		DocumentID:   "doc-1",
		ConnectionID: "watch-1",
		Filters:      []models.EventType{models.EventZoneProcessingFailed, models.EventZoneProcessingCompleted},
		Buffer:       256,
	})
	require.NoError(t, err)

	submitOne(t, env, "doc-1", tableZone("z1"))

	snap := waitForZoneStatus(t, env.eng, "z1", models.ZoneStatusCompleted)
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, "tabula", snap.AssignedTool)
	assert.Equal(t, "name,qty\nwidget,4", snap.Content)
	// (0.80 reported + 0.88 baseline) / 2, no prior successful run to compare.
	assert.InDelta(t, 0.84, snap.Confidence, 1e-9)
	assert.False(t, snap.ManualReview)

	require.Len(t, snap.History, 2)
	assert.Equal(t, "camelot", snap.History[0].Tool)
	assert.Equal(t, 1, snap.History[0].Attempt)
	assert.False(t, snap.History[0].Accepted)
	assert.Contains(t, snap.History[0].Error, "context deadline exceeded")
	assert.Equal(t, "tabula", snap.History[1].Tool)
	assert.Equal(t, 2, snap.History[1].Attempt)
	assert.True(t, snap.History[1].Accepted)
	assert.InDelta(t, 0.84, snap.History[1].Confidence, 1e-9)

	assert.Equal(t, 1, env.runner.callCount("camelot"))
	assert.Equal(t, 1, env.runner.callCount("tabula"))
	assert.Equal(t, 0, env.runner.callCount("pdfplumber"))

	// The retryable failure must reach subscribers before the completion.
	types := collectUntil(t, conn, models.EventZoneProcessingCompleted)
	failedAt := firstIndex(types, models.EventZoneProcessingFailed)
	completedAt := firstIndex(types, models.EventZoneProcessingCompleted)
	require.NotEqual(t, -1, failedAt)
	require.NotEqual(t, -1, completedAt)
	assert.Less(t, failedAt, completedAt)
}

func TestRetryableFailureEventNamesNextTool(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1, ToolTimeout: 50 * time.Millisecond})
	env.runner.on("camelot", blockUntilCancelled)
	env.runner.on("tabula", fixedResult("a,b", 0.85))

	conn, err := env.hub.Subscribe(status.SubscribeRequest{
		DocumentID:   "doc-1",
		ConnectionID: "watch-2",
		Filters:      []models.EventType{models.EventZoneProcessingFailed},
		Buffer:       64,
	})
	require.NoError(t, err)

	submitOne(t, env, "doc-1", tableZone("z1"))
	waitForZoneStatus(t, env.eng, "z1", models.ZoneStatusCompleted)

	select {
	case ev := <-conn.Updates():
		payload, ok := ev.Payload.(models.ZoneFailedPayload)
		require.True(t, ok, "unexpected payload %T", ev.Payload)
		assert.Equal(t, "z1", payload.ZoneID)
		assert.Equal(t, "camelot", payload.Tool)
		assert.True(t, payload.WillRetry)
		assert.False(t, payload.Terminal)
		assert.Equal(t, "tabula", payload.NextTool)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure event delivered")
	}
}

func TestAllToolsBelowThresholdFailsTerminally(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	for _, tool := range []string{"camelot", "tabula", "pdfplumber"} {
		env.runner.on(tool, fixedResult("cell cell", 0.10))
	}

	conn, err := env.hub.Subscribe(status.SubscribeRequest{
		DocumentID:   "doc-1",
		ConnectionID: "watch-3",
		Filters:      []models.EventType{models.EventZoneProcessingFailed},
		Buffer:       64,
	})
	require.NoError(t, err)

	submitOne(t, env, "doc-1", tableZone("z2"))

	snap := waitForZoneStatus(t, env.eng, "z2", models.ZoneStatusFailed)
	assert.Equal(t, 3, snap.Attempt)
	assert.True(t, snap.ManualReview)
	assert.Empty(t, snap.Content)

	require.Len(t, snap.History, 3)
	for i, tool := range []string{"camelot", "tabula", "pdfplumber"} {
		assert.Equal(t, tool, snap.History[i].Tool)
		assert.Equal(t, i+1, snap.History[i].Attempt)
		assert.False(t, snap.History[i].Accepted)
		assert.Less(t, snap.History[i].Confidence, 0.7)
	}

	// Exhaustion must not put the zone back on the queue.
	m := env.eng.Queue().Metrics()
	assert.Equal(t, 0, m.Queued)
	assert.Equal(t, 0, m.Processing)
	assert.Equal(t, int64(1), m.Failed)

	var terminal bool
	deadline := time.After(5 * time.Second)
	for !terminal {
		select {
		case ev := <-conn.Updates():
			payload, ok := ev.Payload.(models.ZoneFailedPayload)
			require.True(t, ok, "unexpected payload %T", ev.Payload)
			if payload.Terminal {
				terminal = true
				assert.Equal(t, "pdfplumber", payload.Tool)
				assert.False(t, payload.WillRetry)
				assert.Empty(t, payload.NextTool)
				assert.Contains(t, payload.Reason, "retry budget of 3 exhausted")
			} else {
				assert.True(t, payload.WillRetry)
			}
		case <-deadline:
			t.Fatal("no terminal failure event delivered")
		}
	}
}

func TestSubmitZonesRejectsBadInput(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})

	_, err := env.eng.SubmitZones(context.Background(), "", []*models.Zone{tableZone("z1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document id is required")

	_, err = env.eng.SubmitZones(context.Background(), "doc-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no zones submitted")
}

func TestSubmitZonesFillsDefaults(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	zone := tableZone("z1")
	require.Zero(t, zone.Priority)
	submitOne(t, env, "doc-1", zone)

	snap, err := env.eng.Zone("z1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", snap.DocumentID)
	assert.Equal(t, models.DefaultPriority, snap.Priority)
	assert.Equal(t, "camelot", snap.AssignedTool)
	assert.False(t, snap.CreatedAt.IsZero())
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestSubmitZoneWithUnsupportedContentTypeIsNotTracked(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})

	conn, err := env.hub.Subscribe(status.SubscribeRequest{
		DocumentID:   "doc-1",
		ConnectionID: "watch-4",
		Filters:      []models.EventType{models.EventZoneProcessingFailed},
		Buffer:       16,
	})
	require.NoError(t, err)

	zone := tableZone("z-bad")
	zone.ContentType = models.ContentType("hologram")
	accepted, err := env.eng.SubmitZones(context.Background(), "doc-1", []*models.Zone{zone})
	require.NoError(t, err)
	assert.Empty(t, accepted)

	// The zone is routed to manual review, not enqueued.
	assert.Equal(t, models.ZoneStatusFailed, zone.Status)
	assert.True(t, zone.ManualReview)
	_, err = env.eng.Zone("z-bad")
	assert.ErrorIs(t, err, ErrUnknownZone)
	assert.Equal(t, 0, env.eng.Queue().Len())

	select {
	case ev := <-conn.Updates():
		payload, ok := ev.Payload.(models.ZoneFailedPayload)
		require.True(t, ok, "unexpected payload %T", ev.Payload)
		assert.Equal(t, "z-bad", payload.ZoneID)
		assert.True(t, payload.Terminal)
		assert.Contains(t, payload.Reason, "unsupported content type")
	case <-time.After(5 * time.Second):
		t.Fatal("no failure event delivered")
	}
}

func TestMixedBatchAcceptsOnlyRoutableZones(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	good := tableZone("z-good")
	bad := tableZone("z-bad")
	bad.ContentType = models.ContentType("hologram")

	accepted, err := env.eng.SubmitZones(context.Background(), "doc-1", []*models.Zone{good, bad})
	require.NoError(t, err)
	assert.Equal(t, []string{"z-good"}, accepted)

	_, err = env.eng.Zone("z-good")
	assert.NoError(t, err)
	_, err = env.eng.Zone("z-bad")
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestResubmittedZoneIsSkipped(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	submitOne(t, env, "doc-1", tableZone("z1"))
	waitForZoneStatus(t, env.eng, "z1", models.ZoneStatusProcessing)

	accepted, err := env.eng.SubmitZones(context.Background(), "doc-1", []*models.Zone{tableZone("z1")})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	assert.True(t, env.log.HasMessage("WARN", "Zone already tracked, skipping"))

	// The in-flight zone is untouched by the duplicate submission.
	snap, err := env.eng.Zone("z1")
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatusProcessing, snap.Status)
}

func TestManualCorrectionOfInFlightZone(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	submitOne(t, env, "doc-1", tableZone("z1"))
	waitForZoneStatus(t, env.eng, "z1", models.ZoneStatusProcessing)

	snap, err := env.eng.ManualCorrection("z1", "Quarterly totals: 1,204", "reviewer-7")
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatusCompleted, snap.Status)
	assert.Equal(t, 1.0, snap.Confidence)
	assert.Equal(t, "Quarterly totals: 1,204", snap.Content)
	assert.True(t, snap.ManuallyCorrected)
	assert.False(t, snap.ManualReview)

	// The worker unwinds without flipping the zone back.
	require.Eventually(t, func() bool {
		m := env.eng.Queue().Metrics()
		return m.Processing == 0
	}, 5*time.Second, 10*time.Millisecond)
	again, err := env.eng.Zone("z1")
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatusCompleted, again.Status)

	require.Eventually(t, func() bool {
		state, err := env.hub.GetState("doc-1")
		if err != nil {
			return false
		}
		zs, ok := state.Zones["z1"]
		return ok && zs.Phase == models.PhaseCompleted && zs.Confidence == 1.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManualCorrectionIsIdempotent(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	blocker := tableZone("z-block")
	blocker.Priority = 9
	submitOne(t, env, "doc-1", blocker)
	waitForZoneStatus(t, env.eng, "z-block", models.ZoneStatusProcessing)
	submitOne(t, env, "doc-1", tableZone("z1"))

	first, err := env.eng.ManualCorrection("z1", "fixed text", "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatusCompleted, first.Status)
	assert.Equal(t, "fixed text", first.Content)

	// A second correction cannot rewrite the first.
	second, err := env.eng.ManualCorrection("z1", "other text", "reviewer-2")
	require.NoError(t, err)
	assert.Equal(t, "fixed text", second.Content)
	assert.Equal(t, 1.0, second.Confidence)

	// The queued entry was withdrawn, so the worker never ran the zone.
	assert.Equal(t, 0, env.runner.zoneRuns("z1"))
}

func TestManualCorrectionUnknownZone(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	_, err := env.eng.ManualCorrection("ghost", "text", "reviewer")
	assert.ErrorIs(t, err, ErrUnknownZone)
}

func TestDocumentZonesReturnsSnapshots(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	submitOne(t, env, "doc-1", tableZone("z-a"))
	submitOne(t, env, "doc-1", tableZone("z-b"))
	submitOne(t, env, "doc-2", tableZone("z-c"))

	zones := env.eng.DocumentZones("doc-1")
	ids := make([]string, 0, len(zones))
	for _, z := range zones {
		ids = append(ids, z.ID)
	}
	assert.ElementsMatch(t, []string{"z-a", "z-b"}, ids)

	// Mutating a snapshot must not reach the tracked zone.
	zones[0].Content = "scribble"
	fresh, err := env.eng.Zone(zones[0].ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Content)

	assert.Empty(t, env.eng.DocumentZones("doc-none"))
}

func TestStopLeavesInFlightZoneQueuedForRestart(t *testing.T) {
	env := newEngineEnv(t, Config{Workers: 1})
	env.runner.on("camelot", blockUntilCancelled)

	submitOne(t, env, "doc-1", tableZone("z1"))
	waitForZoneStatus(t, env.eng, "z1", models.ZoneStatusProcessing)

	env.eng.Stop()

	snap, err := env.eng.Zone("z1")
	require.NoError(t, err)
	assert.Equal(t, models.ZoneStatusQueued, snap.Status)
	assert.Equal(t, 1, env.runner.callCount("camelot"))
}

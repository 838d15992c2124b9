package consumer

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/action"
	"github.com/RezaEskandarii/rollqueue/internal/metrics"
	"github.com/RezaEskandarii/rollqueue/internal/processor"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/RezaEskandarii/rollqueue/internal/store"
	"github.com/RezaEskandarii/rollqueue/internal/store/memstore"
	"github.com/RezaEskandarii/rollqueue/types"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
	"time"
)

var modes = []config.CommitMode{config.SingleTransaction, config.TwoPhase}

// countingProvider records every call and answers with fn.
type countingProvider struct {
	mu    sync.Mutex
	calls []string
	fn    func(call int, channelID string) (action.Roll, error)
}

func (p *countingProvider) Perform(_ context.Context, channelID string, _ action.Kind) (action.Roll, error) {
	p.mu.Lock()
	p.calls = append(p.calls, channelID)
	call := len(p.calls)
	p.mu.Unlock()
	return p.fn(call, channelID)
}

func (p *countingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []types.JobOutcome
	err      error
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, o types.JobOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.outcomes = append(p.outcomes, o)
	return nil
}

type fakeLocks struct {
	free     bool
	acquired []int64
	released []int64
}

func (l *fakeLocks) Acquire(context.Context, int64) error { return nil }
func (l *fakeLocks) TryAcquire(_ context.Context, key int64) (bool, error) {
	if !l.free {
		return false, nil
	}
	l.acquired = append(l.acquired, key)
	return true, nil
}
func (l *fakeLocks) Release(_ context.Context, key int64) error {
	l.released = append(l.released, key)
	return nil
}

func value(v int) *int { return &v }

func fixed(v int) func(int, string) (action.Roll, error) {
	return func(int, string) (action.Roll, error) { return action.Roll{Value: value(v)}, nil }
}

type harness struct {
	consumer  *Consumer
	store     *memstore.Store
	provider  *countingProvider
	publisher *recordingPublisher
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, mode config.CommitMode, answer func(int, string) (action.Roll, error), opts ...Option) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	h := &harness{
		store:     memstore.New(),
		provider:  &countingProvider{fn: answer},
		publisher: &recordingPublisher{},
		registry:  reg,
	}
	proc := processor.New(h.provider, "w1", time.Second, logger)
	opts = append([]Option{WithMetrics(m), WithPublisher(h.publisher)}, opts...)
	h.consumer, err = New(Settings{
		Category:   "H",
		Instance:   "w1",
		BatchSize:  10,
		CommitMode: mode,
		StaleAfter: 10 * time.Minute,
	}, h.store, proc, logger, opts...)
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, jobs ...types.Job) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i, job := range jobs {
		if job.Category == "" {
			job.Category = "H"
		}
		if job.GroupKey.ChannelID == "" {
			job.GroupKey = types.GroupKey{GameID: "g", ChannelID: fmt.Sprintf("chan-%d", job.ID), RequesterID: "r"}
		}
		job.RequestedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, h.store.Insert(context.Background(), job))
	}
}

func (h *harness) job(t *testing.T, id int64) types.Job {
	t.Helper()
	job, ok := h.store.Snapshot(id)
	require.True(t, ok)
	return job
}

func (h *harness) metric(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestNew_Validation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := New(Settings{Instance: "w1", BatchSize: 1}, memstore.New(), nil, logger)
	assert.Error(t, err)
	_, err = New(Settings{Category: "H", Instance: "w1"}, memstore.New(), nil, logger)
	assert.Error(t, err)
}

func TestRunCycle_ScenarioA_ValidValue(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, fixed(4))
			h.seed(t, types.Job{ID: 1, Annotation: "requested via bot"})

			report, err := h.consumer.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, CycleReport{Claimed: 1, Completed: 1}, report)

			job := h.job(t, 1)
			assert.Equal(t, state.StatusCompleted, job.Status)
			require.NotNil(t, job.ResultValue)
			assert.Equal(t, 4, *job.ResultValue)
			assert.NotNil(t, job.CompletedAt)
			assert.True(t, strings.HasPrefix(job.Annotation, "processed by w1, value=4."))
			assert.Equal(t, "processed by w1, value=4. requested via bot", job.Annotation)

			require.Len(t, h.publisher.outcomes, 1)
			assert.Equal(t, int64(1), h.publisher.outcomes[0].JobID)
			assert.Equal(t, "chan-1", h.publisher.outcomes[0].GroupKey.ChannelID)
			assert.Equal(t, "w1", h.publisher.outcomes[0].ProcessedBy)

			assert.Equal(t, float64(1), h.metric(t, "rollqueue_rows_processed_total", map[string]string{"status": "completed"}))
			assert.Equal(t, float64(1), h.metric(t, "rollqueue_cycles_total", map[string]string{"result": "ok"}))
		})
	}
}

func TestRunCycle_ScenarioB_Timeout(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, func(int, string) (action.Roll, error) {
				return action.Roll{}, fmt.Errorf("roll POST: %s: %w", strings.Repeat("slow ", 60), context.DeadlineExceeded)
			})
			h.seed(t, types.Job{ID: 2})

			report, err := h.consumer.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)

			job := h.job(t, 2)
			assert.Equal(t, state.StatusError, job.Status)
			assert.Nil(t, job.ResultValue)
			assert.Contains(t, job.Annotation, "error: timeout: ")
			assert.LessOrEqual(t, len([]rune(job.Annotation)), 250)
		})
	}
}

func TestRunCycle_MalformedResponse(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, fixed(9))
			h.seed(t, types.Job{ID: 1, ActionKind: "d6"})

			_, err := h.consumer.RunCycle(context.Background())
			require.NoError(t, err)

			job := h.job(t, 1)
			assert.Equal(t, state.StatusError, job.Status)
			assert.Nil(t, job.ResultValue)
			assert.Contains(t, job.Annotation, "send succeeded but no valid result")
		})
	}
}

func TestRunCycle_ScenarioC_SingleTransactionRollsBackBatch(t *testing.T) {
	h := newHarness(t, config.SingleTransaction, fixed(4))
	h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})
	h.store.FailWriteFor(2, errors.New("connection reset"))

	report, err := h.consumer.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 2, report.RolledBack)
	assert.Equal(t, 2, h.provider.Calls())
	assert.Equal(t, 1, h.store.Rollbacks())

	job := h.job(t, 1)
	assert.Equal(t, state.StatusPending, job.Status)
	assert.Nil(t, job.ResultValue)
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, h.publisher.outcomes)
	assert.Equal(t, float64(2), h.metric(t, "rollqueue_rolled_back_rows_total", nil))
	assert.Equal(t, float64(1), h.metric(t, "rollqueue_cycles_total", map[string]string{"result": "failed"}))

	// The next cycle performs row 1's action a second time.
	h.store.FailWriteFor(2, nil)
	_, err = h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, h.provider.Calls())
	assert.Equal(t, state.StatusCompleted, h.job(t, 1).Status)
	assert.Equal(t, state.StatusCompleted, h.job(t, 2).Status)
}

func TestRunCycle_ScenarioC_TwoPhaseKeepsCommittedRows(t *testing.T) {
	h := newHarness(t, config.TwoPhase, fixed(4))
	h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})
	h.store.FailWriteFor(2, errors.New("connection reset"))

	report, err := h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.WriteErrors)
	assert.Equal(t, 0, report.RolledBack)

	assert.Equal(t, state.StatusCompleted, h.job(t, 1).Status)
	stuck := h.job(t, 2)
	assert.Equal(t, state.StatusInProgress, stuck.Status)
	require.NotNil(t, stuck.ClaimedBy)
	assert.Equal(t, "w1", *stuck.ClaimedBy)
	require.Len(t, h.publisher.outcomes, 1)

	// Another cycle does not pick up the in_progress row.
	h.store.FailWriteFor(2, nil)
	report, err = h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)
	assert.Equal(t, 2, h.provider.Calls())

	// Stale recovery finalizes it without running the action again.
	h.store.SetClock(func() time.Time { return time.Now().Add(11 * time.Minute) })
	n, err := h.consumer.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered := h.job(t, 2)
	assert.Equal(t, state.StatusError, recovered.Status)
	assert.True(t, strings.HasPrefix(recovered.Annotation, "abandoned while in progress by w1."))
	assert.Equal(t, 2, h.provider.Calls())
	assert.Equal(t, float64(1), h.metric(t, "rollqueue_recovered_rows_total", nil))
}

func TestRunCycle_TwoPhaseSkipsRowsRecoveredDuringCycle(t *testing.T) {
	var h *harness
	h = newHarness(t, config.TwoPhase, func(call int, _ string) (action.Roll, error) {
		if call == 1 {
			// A recovery tick elsewhere sees the whole batch as stale while row 1 is in flight.
			h.store.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
			_, err := h.consumer.RecoverStale(context.Background())
			require.NoError(t, err)
		}
		return action.Roll{Value: value(3)}, nil
	})
	h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})

	report, err := h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Anomalies)
	assert.Equal(t, 1, report.LostClaims)
	assert.Equal(t, 0, report.Completed)
	assert.Equal(t, 1, h.provider.Calls())

	skipped := h.job(t, 2)
	assert.Equal(t, state.StatusError, skipped.Status)
	assert.Equal(t, "abandoned while in progress by w1.", skipped.Annotation)
	assert.Equal(t, float64(1), h.metric(t, "rollqueue_lost_claims_total", nil))
}

func TestRunCycle_TwoPhaseRenewsClaimBeforeEachRow(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var h *harness
	h = newHarness(t, config.TwoPhase, func(call int, _ string) (action.Roll, error) {
		switch call {
		case 1:
			h.store.SetClock(func() time.Time { return start.Add(8 * time.Minute) })
		case 2:
			// Older than StaleAfter since the claim, but not since the renewal.
			h.store.SetClock(func() time.Time { return start.Add(12 * time.Minute) })
			n, err := h.consumer.RecoverStale(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		}
		return action.Roll{Value: value(5)}, nil
	})
	h.store.SetClock(func() time.Time { return start })
	h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})

	report, err := h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.LostClaims)
	assert.Equal(t, 0, report.Anomalies)
	assert.Equal(t, state.StatusCompleted, h.job(t, 2).Status)
	assert.Equal(t, 2, h.provider.Calls())
}

func TestRunCycle_EmptyBatch(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, fixed(1))
			h.seed(t, types.Job{ID: 1, Category: "V"})

			report, err := h.consumer.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, CycleReport{}, report)
			assert.Equal(t, 0, h.provider.Calls())
			assert.Equal(t, 1, h.store.Commits())
			assert.Equal(t, 0, h.store.Rollbacks())
			assert.Equal(t, state.StatusPending, h.job(t, 1).Status)
			assert.Equal(t, float64(1), h.metric(t, "rollqueue_cycles_total", map[string]string{"result": "empty"}))
		})
	}
}

func TestRunCycle_BatchSizeAndOrder(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, fixed(3))
			h.consumer.settings.BatchSize = 2
			h.seed(t, types.Job{ID: 30}, types.Job{ID: 10}, types.Job{ID: 20})

			report, err := h.consumer.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, report.Claimed)
			assert.Equal(t, []string{"chan-30", "chan-10"}, h.provider.calls)
			assert.Equal(t, state.StatusPending, h.job(t, 20).Status)
		})
	}
}

func TestRunCycle_CancelledBetweenRows(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			h := newHarness(t, mode, func(call int, _ string) (action.Roll, error) {
				cancel()
				return action.Roll{Value: value(5)}, nil
			})
			h.seed(t, types.Job{ID: 1}, types.Job{ID: 2}, types.Job{ID: 3})

			report, err := h.consumer.RunCycle(ctx)
			require.NoError(t, err)
			assert.True(t, report.Cancelled)
			assert.Equal(t, 1, report.Completed)
			assert.Equal(t, 1, h.provider.Calls())

			assert.Equal(t, state.StatusCompleted, h.job(t, 1).Status)
			for _, id := range []int64{2, 3} {
				job := h.job(t, id)
				assert.Equal(t, state.StatusPending, job.Status)
				assert.Nil(t, job.ClaimedBy)
			}
			if mode == config.TwoPhase {
				assert.Equal(t, 2, report.Released)
			}
		})
	}
}

func TestRunCycle_AlreadyCancelledStillClosesTransaction(t *testing.T) {
	h := newHarness(t, config.SingleTransaction, fixed(5))
	h.seed(t, types.Job{ID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := h.consumer.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 0, h.provider.Calls())
	assert.Equal(t, 1, h.store.Commits())
	assert.Equal(t, state.StatusPending, h.job(t, 1).Status)
}

func TestRunCycle_ProviderPanic(t *testing.T) {
	answer := func(call int, _ string) (action.Roll, error) {
		if call == 2 {
			panic("provider bug")
		}
		return action.Roll{Value: value(2)}, nil
	}

	t.Run("single_tx", func(t *testing.T) {
		h := newHarness(t, config.SingleTransaction, answer)
		h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})

		report, err := h.consumer.RunCycle(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic")
		assert.Equal(t, 1, report.RolledBack)
		assert.Equal(t, state.StatusPending, h.job(t, 1).Status)
		assert.Equal(t, 1, h.store.Rollbacks())
	})

	t.Run("two_phase", func(t *testing.T) {
		h := newHarness(t, config.TwoPhase, answer)
		h.seed(t, types.Job{ID: 1}, types.Job{ID: 2})

		report, err := h.consumer.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Completed)
		assert.Equal(t, 1, report.Failed)
		job := h.job(t, 2)
		assert.Equal(t, state.StatusError, job.Status)
		assert.Contains(t, job.Annotation, "panic: provider bug")
	})
}

func TestRunCycle_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, config.TwoPhase, fixed(6))
	h.publisher.err = errors.New("broker down")
	h.seed(t, types.Job{ID: 1})

	report, err := h.consumer.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, state.StatusCompleted, h.job(t, 1).Status)
	assert.Equal(t, float64(1), h.metric(t, "rollqueue_publish_failures_total", nil))
}

func TestRunCycle_BeginFails(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, mode, fixed(1))
			require.NoError(t, h.store.Close())

			_, err := h.consumer.RunCycle(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestRecoverStale_LockBusy(t *testing.T) {
	locks := &fakeLocks{free: false}
	h := newHarness(t, config.TwoPhase, fixed(1), WithLockManager(locks))

	n, err := h.consumer.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, locks.released)
}

func TestRecoverStale_TakesCategoryLock(t *testing.T) {
	locks := &fakeLocks{free: true}
	h := newHarness(t, config.TwoPhase, fixed(1), WithLockManager(locks))

	_, err := h.consumer.RecoverStale(context.Background())
	require.NoError(t, err)
	require.Len(t, locks.acquired, 1)
	assert.Equal(t, RecoveryLockKey("H"), locks.acquired[0])
	assert.Equal(t, locks.acquired, locks.released)
	assert.NotEqual(t, RecoveryLockKey("H"), RecoveryLockKey("V"))
}

func TestReportQueueDepth(t *testing.T) {
	h := newHarness(t, config.TwoPhase, fixed(1))
	h.seed(t, types.Job{ID: 1}, types.Job{ID: 2}, types.Job{ID: 3, Category: "V"})

	counts, err := h.consumer.ReportQueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[state.StatusPending])
	assert.Equal(t, 0, counts[state.StatusCompleted])
	assert.Equal(t, float64(2), h.metric(t, "rollqueue_queue_depth", map[string]string{"status": "pending"}))
}

var _ store.JobStore = (*memstore.Store)(nil)

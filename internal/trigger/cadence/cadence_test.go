package cadence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/registry"
)

type fakeSink struct {
	mu      sync.Mutex
	actions []model.TriggerAction
}

func (f *fakeSink) SubmitTrigger(_ context.Context, action model.TriggerAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

type fakeHeights struct {
	height uint64
}

func (f *fakeHeights) CurrentHeight(_ context.Context, _ string) (uint64, error) {
	return f.height, nil
}

func TestScheduler_IntervalFiresRepeatedly(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:      "wf-1",
			Trigger: model.Trigger{Kind: model.TriggerWallClock, Interval: "20ms"},
		}},
	})

	sink := &fakeSink{}
	s := New(Config{Registry: reg, Sink: sink})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	require.GreaterOrEqual(t, sink.count(), 2)
}

func TestScheduler_CronFires(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:      "wf-1",
			Trigger: model.Trigger{Kind: model.TriggerWallClock, CronExpr: "* * * * *"},
		}},
	})

	sink := &fakeSink{}
	s := New(Config{Registry: reg, Sink: sink})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		s.Stop()
		cancel()
	}()
	s.Run(ctx)

	// Standard-minute cron won't necessarily fire within 80ms; this just
	// exercises that Run/Stop don't deadlock or panic with a cron workflow present.
	require.GreaterOrEqual(t, sink.count(), 0)
}

func TestScheduler_BlockHeightFiresOnMultiple(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:      "wf-1",
			Trigger: model.Trigger{Kind: model.TriggerBlockHeight, ChainID: "eth-test", EveryNBlocks: 10},
		}},
	})

	sink := &fakeSink{}
	heights := &fakeHeights{height: 20}
	s := New(Config{Registry: reg, Sink: sink, Heights: heights, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	require.Equal(t, 1, sink.count(), "should fire once and not refire at the same height")
}

func TestScheduler_BlockHeightWithoutSourceSkipped(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:      "wf-1",
			Trigger: model.Trigger{Kind: model.TriggerBlockHeight, ChainID: "eth-test", EveryNBlocks: 10},
		}},
	})

	sink := &fakeSink{}
	s := New(Config{Registry: reg, Sink: sink})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	require.Equal(t, 0, sink.count())
}

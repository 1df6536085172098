package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Lay3rLabs/wavs/internal/dispatcher"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/registry"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	results []dispatcher.EngineResult
	done    chan struct{}
	want    int
}

func newFakeSink(want int) *fakeSink {
	return &fakeSink{done: make(chan struct{}), want: want}
}

func (f *fakeSink) SubmitEngineResult(_ context.Context, result dispatcher.EngineResult) error {
	f.mu.Lock()
	f.results = append(f.results, result)
	n := len(f.results)
	f.mu.Unlock()
	if n == f.want {
		close(f.done)
	}
	return nil
}

func TestEngine_ExecutesWorkflowAndReportsSuccess(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID: "wf-1",
			Component: model.Component{
				Source:     []byte(`function handle(input) { return input; }`),
				EntryPoint: "handle",
				FuelCap:    1000,
				TimeCap:    1000,
			},
		}},
	})

	jobs := make(chan model.TriggerAction, 1)
	sink := newFakeSink(1)
	e := New(Config{Registry: reg, Sink: sink, Jobs: jobs, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	jobs <- model.TriggerAction{ServiceID: "svc-1", WorkflowID: "wf-1", TriggerData: []byte("hi"), EventID: model.EventIDForCadence("c", 1)}

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine result")
	}
	cancel()

	require.Len(t, sink.results, 1)
	require.NoError(t, sink.results[0].Err)
	require.Equal(t, []byte("hi"), sink.results[0].Envelope.Payload)
}

func TestEngine_UnknownServiceReportsError(t *testing.T) {
	reg := registry.New()
	jobs := make(chan model.TriggerAction, 1)
	sink := newFakeSink(1)
	e := New(Config{Registry: reg, Sink: sink, Jobs: jobs, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	defer cancel()

	jobs <- model.TriggerAction{ServiceID: "missing", WorkflowID: "wf-1", EventID: model.EventIDForCadence("c", 1)}

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine result")
	}
	require.Error(t, sink.results[0].Err)
}

func TestEngine_PausedServiceReportsError(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{ID: "svc-1", Status: model.StatusPaused})

	jobs := make(chan model.TriggerAction, 1)
	sink := newFakeSink(1)
	e := New(Config{Registry: reg, Sink: sink, Jobs: jobs, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	defer cancel()

	jobs <- model.TriggerAction{ServiceID: "svc-1", WorkflowID: "wf-1", EventID: model.EventIDForCadence("c", 1)}

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine result")
	}
	require.Error(t, sink.results[0].Err)
}

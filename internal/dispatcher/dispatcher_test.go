package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, chan model.TriggerAction, chan EngineResult) {
	t.Helper()
	engineSink := make(chan model.TriggerAction, 16)
	submissionSink := make(chan EngineResult, 16)
	d, err := New(Config{EngineSink: engineSink, SubmissionSink: submissionSink})
	require.NoError(t, err)
	return d, engineSink, submissionSink
}

func TestDispatcher_SubmitTrigger_ForwardsToEngineSink(t *testing.T) {
	d, engineSink, _ := newTestDispatcher(t)
	defer d.Shutdown(context.Background())

	action := model.TriggerAction{ServiceID: "svc-1", WorkflowID: "wf-1", EventID: model.EventIDForCadence("c", 1)}
	require.NoError(t, d.SubmitTrigger(context.Background(), action))

	select {
	case got := <-engineSink:
		require.Equal(t, action, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded trigger action")
	}
}

func TestDispatcher_SubmitTrigger_ForwardsDuplicateButFlagsIt(t *testing.T) {
	d, engineSink, _ := newTestDispatcher(t)
	defer d.Shutdown(context.Background())

	eventID := model.EventIDForCadence("c", 1)
	a1 := model.TriggerAction{ServiceID: "svc-1", WorkflowID: "wf-1", EventID: eventID}
	a2 := model.TriggerAction{ServiceID: "svc-1", WorkflowID: "wf-1", EventID: eventID}

	require.NoError(t, d.SubmitTrigger(context.Background(), a1))
	require.NoError(t, d.SubmitTrigger(context.Background(), a2))

	select {
	case got := <-engineSink:
		require.False(t, got.Duplicate, "first delivery of an event id must not be flagged")
	case <-time.After(time.Second):
		t.Fatal("expected first action to be forwarded")
	}

	select {
	case got := <-engineSink:
		require.True(t, got.Duplicate, "replayed event id must still reach the engine sink, flagged")
	case <-time.After(time.Second):
		t.Fatal("expected replayed action to be forwarded, not dropped")
	}
}

func TestDispatcher_SubmitTrigger_RejectsZeroEventID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	defer d.Shutdown(context.Background())

	err := d.SubmitTrigger(context.Background(), model.TriggerAction{ServiceID: "svc-1"})
	require.Error(t, err)
}

func TestDispatcher_SubmitEngineResult_ForwardsToSubmissionSink(t *testing.T) {
	d, _, submissionSink := newTestDispatcher(t)
	defer d.Shutdown(context.Background())

	result := EngineResult{ServiceID: "svc-1", WorkflowID: "wf-1"}
	require.NoError(t, d.SubmitEngineResult(context.Background(), result))

	select {
	case got := <-submissionSink:
		require.Equal(t, result, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded engine result")
	}
}

func TestDispatcher_Shutdown_DrainsQueuedWork(t *testing.T) {
	engineSink := make(chan model.TriggerAction, 16)
	submissionSink := make(chan EngineResult, 16)
	d, err := New(Config{EngineSink: engineSink, SubmissionSink: submissionSink})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.SubmitTrigger(context.Background(), model.TriggerAction{
			ServiceID: "svc-1", WorkflowID: "wf-1", EventID: model.EventIDForCadence("c", uint64(i)),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.Len(t, engineSink, 5)
}

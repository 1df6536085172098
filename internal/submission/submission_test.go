package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lay3rLabs/wavs/internal/chainapi"
	"github.com/Lay3rLabs/wavs/internal/dispatcher"
	"github.com/Lay3rLabs/wavs/internal/keystore"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestGasPolicy_CapsOverEstimate(t *testing.T) {
	p := GasPolicy{Multiplier: 2, Cap: 100}
	_, err := p.apply(60)
	require.Error(t, err)

	got, err := p.apply(40)
	require.NoError(t, err)
	require.Equal(t, uint64(80), got)
}

func TestSubmitter_DirectSubmission(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:     "wf-1",
			Submit: model.SubmitTarget{Kind: model.SubmitDirect, ChainID: "eth-mainnet"},
		}},
	})

	ks, err := keystore.New([]byte("seed"))
	require.NoError(t, err)

	handler := &chainapi.InMemoryServiceHandler{}
	results := make(chan dispatcher.EngineResult, 1)

	sub := New(Config{
		Registry: reg,
		Keystore: ks,
		Handlers: map[string]chainapi.ServiceHandler{"eth-mainnet": handler},
		Gas:      GasPolicy{Multiplier: 1.2, Cap: 1_000_000},
		Results:  results,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	results <- dispatcher.EngineResult{
		ServiceID:  "svc-1",
		WorkflowID: "wf-1",
		Envelope:   model.Envelope{EventID: model.EventID{1}, Payload: []byte("x")},
	}

	require.Eventually(t, func() bool {
		return len(handler.Submissions) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitter_AggregatorSubmission(t *testing.T) {
	received := make(chan model.Packet, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p model.Packet
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID: "wf-1",
			Submit: model.SubmitTarget{
				Kind:          model.SubmitAggregator,
				AggregatorURL: server.URL,
			},
		}},
	})

	ks, err := keystore.New([]byte("seed"))
	require.NoError(t, err)

	results := make(chan dispatcher.EngineResult, 1)
	sub := New(Config{Registry: reg, Keystore: ks, Results: results})

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	results <- dispatcher.EngineResult{
		ServiceID:  "svc-1",
		WorkflowID: "wf-1",
		Envelope:   model.Envelope{EventID: model.EventID{2}, Payload: []byte("y")},
	}

	select {
	case p := <-received:
		require.Equal(t, model.EventID{2}, p.Envelope.EventID)
		require.NotEmpty(t, p.SignerAddress)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for aggregator post")
	}
}

func TestSubmitter_SkipsFailedEngineResult(t *testing.T) {
	reg := registry.New()
	results := make(chan dispatcher.EngineResult, 1)
	sub := New(Config{Registry: reg, Results: results})

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	results <- dispatcher.EngineResult{ServiceID: "svc-1", WorkflowID: "wf-1", Err: context.DeadlineExceeded}
	time.Sleep(50 * time.Millisecond) // no submission should happen; nothing to assert on besides no panic
}

func TestSubmitter_SkipsResultWithNoPayload(t *testing.T) {
	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:     "wf-1",
			Submit: model.SubmitTarget{Kind: model.SubmitDirect, ChainID: "eth-mainnet"},
		}},
	})

	ks, err := keystore.New([]byte("seed"))
	require.NoError(t, err)

	handler := &chainapi.InMemoryServiceHandler{}
	results := make(chan dispatcher.EngineResult, 1)

	sub := New(Config{
		Registry: reg,
		Keystore: ks,
		Handlers: map[string]chainapi.ServiceHandler{"eth-mainnet": handler},
		Results:  results,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)
	defer cancel()

	results <- dispatcher.EngineResult{ServiceID: "svc-1", WorkflowID: "wf-1", Skipped: true}
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, handler.Submissions, "Ok(None) must produce no submission")
}

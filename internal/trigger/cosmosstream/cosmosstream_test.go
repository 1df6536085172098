package cosmosstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

var upgrader = websocket.Upgrader{}

func TestClient_ForwardsMatchingEvent(t *testing.T) {
	// The handler closes each connection after 200ms and the client redials;
	// only the first connection carries the event.
	var firstConn sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var subReq map[string]any
		require.NoError(t, conn.ReadJSON(&subReq))
		subID, _ := subReq["id"].(string)

		first := false
		firstConn.Do(func() { first = true })
		if !first {
			time.Sleep(200 * time.Millisecond)
			return
		}

		notif := map[string]any{
			"id": subID,
			"result": map[string]any{
				"data": map[string]any{
					"value": map[string]any{
						"TxResult": map[string]any{"hash": "ABCDEF"},
					},
				},
			},
		}
		require.NoError(t, conn.WriteJSON(notif))
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	reg := registry.New()
	reg.Register(&model.Service{
		ID:     "svc-1",
		Status: model.StatusActive,
		Workflows: []model.Workflow{{
			ID:      "wf-1",
			Trigger: model.Trigger{Kind: model.TriggerCosmosEvent, ChainID: "cosmos-test", EventType: "transfer"},
		}},
	})

	sink := &fakeSink{}
	client := New(Config{ChainID: "cosmos-test", WSURL: wsURL, Sink: sink, Registry: reg})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Run(ctx)

	require.Equal(t, 1, sink.count())
	require.Equal(t, "svc-1", sink.actions[0].ServiceID)
}

func TestClient_NoSubscriptionsWaitsWithoutDialing(t *testing.T) {
	reg := registry.New()
	sink := &fakeSink{}
	client := New(Config{ChainID: "cosmos-test", WSURL: "ws://127.0.0.1:1", Sink: sink, Registry: reg})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client.Run(ctx)

	require.Equal(t, 0, sink.count())
}

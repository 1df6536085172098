// Package cosmosstream subscribes to a CometBFT/Tendermint websocket RPC
// endpoint's event stream and forwards matching transaction events as
// normalized trigger actions. Connection handling mirrors evmstream:
// read-deadline refresh, ping keepalive, jittered-backoff reconnect.
package cosmosstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
	"github.com/Lay3rLabs/wavs/internal/registry"
	"github.com/Lay3rLabs/wavs/internal/trigger"
)

// Sink is the destination for normalized trigger actions; satisfied by
// *dispatcher.Dispatcher.
type Sink interface {
	SubmitTrigger(ctx context.Context, action model.TriggerAction) error
}

type workflowRef struct {
	ServiceID  string
	WorkflowID string
}

// Client streams Tendermint events for one Cosmos chain over a websocket
// JSON-RPC connection, reconnecting with backoff on failure.
type Client struct {
	log      *logrus.Entry
	chainID  string
	wsURL    string
	sink     Sink
	backoff  trigger.Backoff
	dialer   *websocket.Dialer
	registry *registry.Registry
}

// Config configures a Client.
type Config struct {
	ChainID  string
	WSURL    string
	Sink     Sink
	Registry *registry.Registry
	Dialer   *websocket.Dialer
	Log      *logrus.Entry
}

// New builds a Client for one Cosmos chain.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		log:      cfg.Log.WithField("component", "cosmosstream").WithField("chain_id", cfg.ChainID),
		chainID:  cfg.ChainID,
		wsURL:    cfg.WSURL,
		sink:     cfg.Sink,
		backoff:  trigger.NewBackoff(500*time.Millisecond, 30*time.Second),
		dialer:   cfg.Dialer,
		registry: cfg.Registry,
	}
}

// eventTypes returns every distinct cosmos_event event_type any active
// workflow on this chain is listening for, paired with the workflows that
// want it.
func (c *Client) eventTypes() map[string][]workflowRef {
	out := make(map[string][]workflowRef)
	for _, svc := range c.registry.List() {
		if svc.Status != model.StatusActive {
			continue
		}
		for _, wf := range svc.Workflows {
			t := wf.Trigger
			if t.Kind != model.TriggerCosmosEvent || t.ChainID != c.chainID {
				continue
			}
			out[t.EventType] = append(out[t.EventType], workflowRef{ServiceID: svc.ID, WorkflowID: wf.ID})
		}
	}
	return out
}

// Run connects and streams until ctx is cancelled, reconnecting with
// jittered backoff on every disconnect.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		subs := c.eventTypes()
		if len(subs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff.Delay(0)):
				continue
			}
		}

		err := c.runOnce(ctx, subs)
		if ctx.Err() != nil {
			return
		}
		metrics.RecordStreamReconnect(c.chainID)
		delay := c.backoff.Delay(attempt)
		attempt++
		c.log.WithError(err).WithField("retry_in", delay).Warn("cosmos stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Query string `json:"query"`
	} `json:"params"`
}

type eventEnvelope struct {
	ID     string `json:"id"`
	Result struct {
		Events map[string][]string `json:"events"`
		Data   struct {
			Value struct {
				TxResult struct {
					Hash string `json:"hash"`
				} `json:"TxResult"`
			} `json:"value"`
		} `json:"data"`
	} `json:"result"`
}

func (c *Client) runOnce(ctx context.Context, subs map[string][]workflowRef) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return werrors.Unavailable(c.wsURL, err)
	}
	defer conn.Close()

	const readDeadline = 90 * time.Second
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	idToEventType := make(map[string]string, len(subs))
	i := 0
	for eventType := range subs {
		id := fmt.Sprintf("sub-%d", i)
		i++
		req := subscribeRequest{JSONRPC: "2.0", ID: id, Method: "subscribe"}
		req.Params.Query = fmt.Sprintf("tm.event='Tx' AND %s.type EXISTS", eventType)
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe request: %w", err)
		}
		idToEventType[id] = eventType
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	var eventIndex uint32
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var env eventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		eventType, known := idToEventType[env.ID]
		if !known {
			continue
		}
		workflows, ok := subs[eventType]
		if !ok || env.Result.Data.Value.TxResult.Hash == "" {
			continue
		}

		eventIndex++
		eventID := model.EventIDForCosmosEvent([]byte(env.Result.Data.Value.TxResult.Hash), eventIndex)
		c.forward(ctx, workflows, eventID, raw)
	}
}

func (c *Client) forward(ctx context.Context, workflows []workflowRef, eventID model.EventID, payload []byte) {
	for _, ref := range workflows {
		action := model.TriggerAction{
			ServiceID:   ref.ServiceID,
			WorkflowID:  ref.WorkflowID,
			TriggerData: payload,
			EventID:     eventID,
		}
		if err := c.sink.SubmitTrigger(ctx, action); err != nil {
			c.log.WithField("workflow_id", ref.WorkflowID).WithError(err).Warn("submit cosmos trigger failed")
		}
	}
}

package chainapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEVMServiceManager_OperatorWeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  "0x2a",
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewEVMClient("eth-mainnet", server.URL, nil)
	svcMgr := NewEVMServiceManager(client, "0xServiceManager")

	weight, err := svcMgr.OperatorWeight(context.Background(), "0xOperator")
	require.NoError(t, err)
	require.Equal(t, uint64(42), weight)
}

func TestEVMServiceManager_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "boom"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewEVMClient("eth-mainnet", server.URL, nil)
	svcMgr := NewEVMServiceManager(client, "0xServiceManager")

	_, err := svcMgr.ThresholdWeight(context.Background())
	require.Error(t, err)
}

func TestEVMServiceHandler_SubmitAndEstimateGas(t *testing.T) {
	var lastMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		lastMethod = req.Method

		var result string
		switch req.Method {
		case "eth_sendTransaction":
			result = "0xtxhash"
		case "eth_estimateGas":
			result = "0x5208"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
	defer server.Close()

	client := NewEVMClient("eth-mainnet", server.URL, nil)
	handler := NewEVMServiceHandler(client, "0xHandler", "0xFrom")

	env := model.Envelope{EventID: model.EventID{1}, Payload: []byte("x")}
	sig := model.SignatureData{Signers: []string{"0xA"}, Signatures: [][]byte{[]byte("sig")}}

	gas, err := handler.EstimateGas(context.Background(), env, sig)
	require.NoError(t, err)
	require.Equal(t, uint64(21000), gas)
	require.Equal(t, "eth_estimateGas", lastMethod)

	txHash, err := handler.Submit(context.Background(), env, sig)
	require.NoError(t, err)
	require.Equal(t, "0xtxhash", txHash)
	require.Equal(t, "eth_sendTransaction", lastMethod)
}

func TestInMemoryServiceHandler_RecordsSubmissions(t *testing.T) {
	h := &InMemoryServiceHandler{}
	env := model.Envelope{EventID: model.EventID{1}, Payload: []byte("x")}
	sig := model.SignatureData{Signers: []string{"0xA"}}

	txHash, err := h.Submit(context.Background(), env, sig)
	require.NoError(t, err)
	require.NotEmpty(t, txHash)
	require.Len(t, h.Submissions, 1)
	require.Equal(t, env, h.Submissions[0].Envelope)
}

func TestInMemoryServiceManager_IsValidSigner(t *testing.T) {
	m := NewInMemoryServiceManager(100)
	m.Weights["0xA"] = 50

	ok, err := m.IsValidSigner(context.Background(), "0xA")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.IsValidSigner(context.Background(), "0xB")
	require.NoError(t, err)
	require.False(t, ok)
}

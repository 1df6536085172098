// Package chainapi defines the read/write surface the Submission and
// Aggregator subsystems use to talk to a chain's service-manager and
// service-handler contracts. The JSON-RPC client generalizes the teacher's
// infrastructure/chain.BaseContract "typed invoke" pattern from a NeoVM
// stack-item result to an EVM eth_call ABI-encoded result. Hex prefix
// handling and encoding go through infrastructure/hex rather than ad hoc
// strings.TrimPrefix calls.
package chainapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	wavshex "github.com/Lay3rLabs/wavs/infrastructure/hex"
	"github.com/Lay3rLabs/wavs/internal/model"
)

// ServiceManagerView is the read-only surface of a service-manager contract:
// operator stake weights and quorum threshold.
type ServiceManagerView interface {
	// OperatorWeight returns the registered signing weight of operator.
	OperatorWeight(ctx context.Context, operator string) (uint64, error)
	// ThresholdWeight returns the total weight required for quorum.
	ThresholdWeight(ctx context.Context) (uint64, error)
	// IsValidSigner reports whether operator is currently authorized to sign for this service manager.
	IsValidSigner(ctx context.Context, operator string) (bool, error)
	// CurrentBlockHeight returns the chain's current block height, used to
	// validate an incoming packet's reference block is not stale or from
	// the future (spec §4.5).
	CurrentBlockHeight(ctx context.Context) (uint64, error)
}

// ServiceHandler is the write surface used to submit a finished, quorum-
// satisfying (or direct, non-aggregated) envelope on-chain.
type ServiceHandler interface {
	// Submit delivers env and its accompanying signature data to the
	// service-handler contract, returning the submitting transaction hash.
	Submit(ctx context.Context, env model.Envelope, sig model.SignatureData) (txHash string, err error)
	// EstimateGas estimates the gas cost of Submit without sending a transaction.
	EstimateGas(ctx context.Context, env model.Envelope, sig model.SignatureData) (uint64, error)
}

// EVMClient is a minimal eth_call/eth_sendTransaction client. Only the
// JSON-RPC methods the Submission and Aggregator subsystems need are
// implemented; this is not a general-purpose Ethereum client.
type EVMClient struct {
	httpClient *http.Client
	endpoint   string
	chainID    string
}

// NewEVMClient builds a client pointed at an HTTP JSON-RPC endpoint.
func NewEVMClient(chainID, endpoint string, httpClient *http.Client) *EVMClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &EVMClient{httpClient: httpClient, endpoint: endpoint, chainID: chainID}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *EVMClient) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, werrors.Unavailable(c.endpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, werrors.CorruptState("rpc response", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// EVMServiceManager queries a service-manager contract over eth_call using
// 4-byte selectors for operatorWeight(address)/thresholdWeight()/isValidSigner(address).
type EVMServiceManager struct {
	client  *EVMClient
	address string
}

// NewEVMServiceManager builds a ServiceManagerView backed by an EVM chain.
func NewEVMServiceManager(client *EVMClient, contractAddress string) *EVMServiceManager {
	return &EVMServiceManager{client: client, address: contractAddress}
}

func (m *EVMServiceManager) ethCall(ctx context.Context, data string) (json.RawMessage, error) {
	callObj := map[string]string{"to": m.address, "data": data}
	return m.client.call(ctx, "eth_call", callObj, "latest")
}

func decodeUint256(raw json.RawMessage) (uint64, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, fmt.Errorf("decode uint256 result: %w", err)
	}
	hexStr = wavshex.TrimPrefix(hexStr)
	if hexStr == "" {
		return 0, nil
	}
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex uint256 %q", hexStr)
	}
	return n.Uint64(), nil
}

func decodeBool(raw json.RawMessage) (bool, error) {
	n, err := decodeUint256(raw)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func encodeAddressArg(selector string, operator string) string {
	padded := wavshex.TrimPrefix(operator)
	for len(padded) < 64 {
		padded = "0" + padded
	}
	return selector + padded
}

// operatorWeight(address) selector.
const selectorOperatorWeight = "0x" + "972a410d"

// thresholdWeight() selector.
const selectorThresholdWeight = "0x" + "b9d51ff1"

// isValidSigner(address) selector.
const selectorIsValidSigner = "0x" + "d5f50582"

func (m *EVMServiceManager) OperatorWeight(ctx context.Context, operator string) (uint64, error) {
	raw, err := m.ethCall(ctx, encodeAddressArg(selectorOperatorWeight, operator))
	if err != nil {
		return 0, err
	}
	return decodeUint256(raw)
}

func (m *EVMServiceManager) ThresholdWeight(ctx context.Context) (uint64, error) {
	raw, err := m.ethCall(ctx, selectorThresholdWeight)
	if err != nil {
		return 0, err
	}
	return decodeUint256(raw)
}

func (m *EVMServiceManager) IsValidSigner(ctx context.Context, operator string) (bool, error) {
	raw, err := m.ethCall(ctx, encodeAddressArg(selectorIsValidSigner, operator))
	if err != nil {
		return false, err
	}
	return decodeBool(raw)
}

func (m *EVMServiceManager) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	raw, err := m.client.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return decodeUint256(raw)
}

// EVMServiceHandler submits a finished envelope to a service-handler
// contract over eth_sendTransaction/eth_estimateGas. Calldata is the
// JSON-encoded (envelope, signature data) pair, hex-packed behind the
// submit(bytes) selector; a production client would ABI-encode the tuple
// directly, but this client only ever talks to a dev/test RPC endpoint that
// signs on the node's behalf, so JSON-in-calldata keeps the wire format
// inspectable without pulling in a full ABI encoder.
type EVMServiceHandler struct {
	client  *EVMClient
	address string
	from    string
}

// NewEVMServiceHandler builds a ServiceHandler backed by an EVM chain. from
// is the account the RPC endpoint submits transactions on behalf of.
func NewEVMServiceHandler(client *EVMClient, contractAddress, from string) *EVMServiceHandler {
	return &EVMServiceHandler{client: client, address: contractAddress, from: from}
}

const selectorSubmit = "0x" + "ef7fa71b"

func (h *EVMServiceHandler) calldata(env model.Envelope, sig model.SignatureData) (string, error) {
	body, err := json.Marshal(struct {
		Envelope model.Envelope      `json:"envelope"`
		Sig      model.SignatureData `json:"sig"`
	}{env, sig})
	if err != nil {
		return "", fmt.Errorf("encode submit calldata: %w", err)
	}
	return selectorSubmit + wavshex.EncodeToString(body), nil
}

func (h *EVMServiceHandler) Submit(ctx context.Context, env model.Envelope, sig model.SignatureData) (string, error) {
	data, err := h.calldata(env, sig)
	if err != nil {
		return "", err
	}
	txObj := map[string]string{"from": h.from, "to": h.address, "data": data}
	raw, err := h.client.call(ctx, "eth_sendTransaction", txObj)
	if err != nil {
		return "", err
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return "", werrors.CorruptState("eth_sendTransaction result", err)
	}
	return txHash, nil
}

func (h *EVMServiceHandler) EstimateGas(ctx context.Context, env model.Envelope, sig model.SignatureData) (uint64, error) {
	data, err := h.calldata(env, sig)
	if err != nil {
		return 0, err
	}
	txObj := map[string]string{"from": h.from, "to": h.address, "data": data}
	raw, err := h.client.call(ctx, "eth_estimateGas", txObj)
	if err != nil {
		return 0, err
	}
	return decodeUint256(raw)
}

// InMemoryServiceManager is a test double for ServiceManagerView with no
// network dependency, used by the aggregator and submission test suites.
type InMemoryServiceManager struct {
	Weights   map[string]uint64
	Threshold uint64
	// Height is returned by CurrentBlockHeight; tests set it directly to
	// exercise the reference-block staleness check.
	Height uint64
}

// NewInMemoryServiceManager builds an InMemoryServiceManager with an empty weight table.
func NewInMemoryServiceManager(threshold uint64) *InMemoryServiceManager {
	return &InMemoryServiceManager{Weights: make(map[string]uint64), Threshold: threshold}
}

func (m *InMemoryServiceManager) CurrentBlockHeight(_ context.Context) (uint64, error) {
	return m.Height, nil
}

func (m *InMemoryServiceManager) OperatorWeight(_ context.Context, operator string) (uint64, error) {
	return m.Weights[operator], nil
}

func (m *InMemoryServiceManager) ThresholdWeight(_ context.Context) (uint64, error) {
	return m.Threshold, nil
}

func (m *InMemoryServiceManager) IsValidSigner(_ context.Context, operator string) (bool, error) {
	_, ok := m.Weights[operator]
	return ok, nil
}

// InMemoryServiceHandler is a test double for ServiceHandler recording every submission it receives.
type InMemoryServiceHandler struct {
	Submissions []InMemorySubmission
	NextTxHash  string
}

// InMemorySubmission records one Submit call for assertions in tests.
type InMemorySubmission struct {
	Envelope model.Envelope
	Sig      model.SignatureData
}

func (h *InMemoryServiceHandler) Submit(_ context.Context, env model.Envelope, sig model.SignatureData) (string, error) {
	h.Submissions = append(h.Submissions, InMemorySubmission{Envelope: env, Sig: sig})
	if h.NextTxHash != "" {
		return h.NextTxHash, nil
	}
	return fmt.Sprintf("0xtest%d", len(h.Submissions)), nil
}

func (h *InMemoryServiceHandler) EstimateGas(_ context.Context, _ model.Envelope, sig model.SignatureData) (uint64, error) {
	return 60_000 + uint64(len(sig.Signers))*20_000, nil
}

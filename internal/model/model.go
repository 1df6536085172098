// Package model holds the data types shared by every WAVS subsystem: the
// Service/Workflow deployment model, the normalized TriggerAction record,
// and the signed Envelope/SignatureData/Packet wire types.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a Service.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// TriggerKind identifies which of the four trigger sources a Workflow listens on.
type TriggerKind string

const (
	TriggerEVMLog      TriggerKind = "evm_log"
	TriggerCosmosEvent TriggerKind = "cosmos_event"
	TriggerBlockHeight TriggerKind = "block_height"
	TriggerWallClock   TriggerKind = "wall_clock"
)

// Trigger describes one of the four normalized trigger sources (spec §3).
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// EVM log filter.
	ChainID string   `json:"chain_id,omitempty"`
	Address string   `json:"address,omitempty"`
	Topics  []string `json:"topics,omitempty"`

	// Cosmos event filter.
	EventType string `json:"event_type,omitempty"`

	// Block-height cadence.
	EveryNBlocks uint64 `json:"every_n_blocks,omitempty"`

	// Wall-clock cadence. CronExpr, when set, takes precedence over Interval
	// (a superset of the spec's "fixed interval" requirement, see SPEC_FULL.md §4.2).
	Interval string `json:"interval,omitempty"`
	CronExpr string `json:"cron_expr,omitempty"`
}

// SubmitKind identifies a Workflow's submit-target.
type SubmitKind string

const (
	SubmitNone       SubmitKind = "none"
	SubmitDirect     SubmitKind = "direct"
	SubmitAggregator SubmitKind = "aggregator"
)

// SubmitTarget describes where a Workflow's signed result goes.
type SubmitTarget struct {
	Kind           SubmitKind `json:"kind"`
	ChainID        string     `json:"chain_id,omitempty"`
	ServiceHandler string     `json:"service_handler,omitempty"`
	ServiceManager string     `json:"service_manager,omitempty"`
	AggregatorURL  string     `json:"aggregator_url,omitempty"`
}

// Component is a content-addressed executable plus its resource limits.
type Component struct {
	Digest       string            `json:"digest"`
	Source       []byte            `json:"-"`
	EntryPoint   string            `json:"entry_point"`
	FuelCap      uint64            `json:"fuel_cap"`
	TimeCap      int64             `json:"time_cap_ms"`
	Capabilities []string          `json:"capabilities"`
	Config       map[string]string `json:"config"`
	Env          map[string]string `json:"env"`
}

// Workflow is a named (trigger, component, submit-target) triple inside a Service.
type Workflow struct {
	ID        string       `json:"id"`
	Trigger   Trigger      `json:"trigger"`
	Component Component    `json:"component"`
	Submit    SubmitTarget `json:"submit"`
}

// Service is the deployment unit: one or more workflows under a stable id.
type Service struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	Workflows      []Workflow `json:"workflows"`
	ServiceManager string     `json:"service_manager"`
	URI            string     `json:"uri"`
}

// WorkflowByID returns the workflow with the given id, if present.
func (s *Service) WorkflowByID(id string) (Workflow, bool) {
	for _, w := range s.Workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

// ComputeServiceID derives a content-addressed service id from a canonical
// manifest. Canonicalization is the caller's responsibility (stable field
// ordering via json.Marshal on a struct, never a map).
func ComputeServiceID(manifest any) (string, error) {
	canonical, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("svc1%x", sum[:20]), nil
}

// TriggerAction is the normalized record dispatched to the Engine (spec §3).
// Duplicate is advisory only: the Dispatcher guarantees at-least-once
// delivery and flags event ids it has seen before so a downstream consumer
// may choose to deduplicate, but it never drops a replayed action.
type TriggerAction struct {
	ServiceID   string  `json:"service_id"`
	WorkflowID  string  `json:"workflow_id"`
	TriggerData []byte  `json:"trigger_data"`
	EventID     EventID `json:"event_id"`
	Duplicate   bool    `json:"duplicate,omitempty"`
	// ReferenceBlock is the chain height the trigger source observed this
	// event at, carried through to submission for the reference-block
	// staleness check (spec §4.5). Zero for sources with no chain height
	// (e.g. wall-clock cadence).
	ReferenceBlock uint32 `json:"reference_block,omitempty"`
}

// EventID is the 20-byte stable identifier used for downstream deduplication.
type EventID [20]byte

func (e EventID) String() string {
	return fmt.Sprintf("%x", e[:])
}

func (e EventID) IsZero() bool {
	return e == EventID{}
}

// DeriveEventID hashes the given source-specific fields into a stable 20-byte
// id (spec §3: "EVM: block hash + log index; Cosmos: tx hash + event index;
// cadence: chain + height or chain + tick index").
func DeriveEventID(parts ...[]byte) EventID {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out EventID
	copy(out[:], h.Sum(nil)[:20])
	return out
}

// EventIDForEVMLog derives the event id for an EVM log: block hash || log index.
func EventIDForEVMLog(blockHash []byte, logIndex uint32) EventID {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIndex)
	return DeriveEventID(blockHash, idx[:])
}

// EventIDForCosmosEvent derives the event id for a Cosmos event: tx hash || event index.
func EventIDForCosmosEvent(txHash []byte, eventIndex uint32) EventID {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], eventIndex)
	return DeriveEventID(txHash, idx[:])
}

// EventIDForCadence derives the event id for a block-height or wall-clock
// cadence tick: chain id || height-or-tick index.
func EventIDForCadence(chainID string, heightOrTick uint64) EventID {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], heightOrTick)
	return DeriveEventID([]byte(chainID), n[:])
}

// Envelope is the signed artifact handed to chain (spec §3/§6).
type Envelope struct {
	EventID  EventID  `json:"event_id"`
	Ordering [12]byte `json:"ordering"`
	Payload  []byte   `json:"payload"`
}

// SignaturePreimage returns the bytes that get signed/hashed for an Envelope.
// Per spec.md §9 Open Question, ordering is treated as part of the signed
// preimage.
func (e Envelope) SignaturePreimage() []byte {
	out := make([]byte, 0, 20+12+len(e.Payload))
	out = append(out, e.EventID[:]...)
	out = append(out, e.Ordering[:]...)
	out = append(out, e.Payload...)
	return out
}

// SignatureData accompanies a submitted Envelope. Signers must be sorted
// ascending by byte value; Signatures is a parallel list (spec §3/§6).
type SignatureData struct {
	Signers        []string `json:"signers"`
	Signatures     [][]byte `json:"signatures"`
	ReferenceBlock uint32   `json:"reference_block"`
}

// Packet is the aggregator-ingest unit (spec §3). ReferenceBlock is the
// chain height the submitting operator observed when it signed the
// envelope; the aggregator rejects a packet whose reference block is not
// strictly behind its own view of current chain height (spec §4.5).
type Packet struct {
	Envelope       Envelope `json:"envelope"`
	SignerAddress  string   `json:"signer_address"`
	Signature      []byte   `json:"signature"`
	ServiceManager string   `json:"service_manager_reference"`
	ReferenceBlock uint32   `json:"reference_block"`
}

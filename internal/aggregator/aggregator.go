// Package aggregator accumulates per-operator signature packets toward a
// service manager's quorum threshold and submits the finished envelope once
// quorum is reached (spec §4.5). Rate limiting per source reuses
// infrastructure/ratelimit (a thin golang.org/x/time/rate wrapper already
// carried in the teacher's stack but never previously wired to anything);
// the retry/backoff submission loop follows the same bounded-retry shape
// the teacher's infrastructure/resilience helpers use elsewhere in the
// corpus for "send, backoff, retry".
package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/infrastructure/httputil"
	"github.com/Lay3rLabs/wavs/infrastructure/ratelimit"
	"github.com/Lay3rLabs/wavs/internal/chainapi"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
)

// record tracks the in-progress accumulation of signatures for one event id.
type record struct {
	envelope       model.Envelope
	serviceManager string
	referenceBlock uint32                 // from the first packet accepted for this event id
	signers        map[string]signerEntry // signer address -> entry
	submitted      bool
}

type signerEntry struct {
	signature []byte
	weight    uint64
}

func (r *record) totalWeight() uint64 {
	var total uint64
	for _, e := range r.signers {
		total += e.weight
	}
	return total
}

// Aggregator ingests packets from individual operators and submits the
// accumulated SignatureData once the service manager's quorum threshold is met.
type Aggregator struct {
	log *logrus.Entry

	mu      sync.Mutex
	records map[model.EventID]*record

	managersMu sync.RWMutex
	managers   map[string]chainapi.ServiceManagerView // service manager address -> view
	handlers   map[string]chainapi.ServiceHandler     // service manager address -> submit target

	limiters   sync.Map // source key -> *ratelimit.RateLimiter
	limiterCfg ratelimit.RateLimitConfig

	staleBlockWindow uint32
	maxPacketBytes   int
	retryDelay       time.Duration
	maxAttempts      int
}

// Config configures an Aggregator.
type Config struct {
	Managers         map[string]chainapi.ServiceManagerView
	Handlers         map[string]chainapi.ServiceHandler
	RateLimit        ratelimit.RateLimitConfig
	StaleBlockWindow uint32
	MaxPacketBytes   int
	RetryDelay       time.Duration
	MaxAttempts      int
	Log              *logrus.Entry
}

// New builds an Aggregator.
func New(cfg Config) *Aggregator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxPacketBytes <= 0 {
		cfg.MaxPacketBytes = 64 * 1024
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Aggregator{
		log:              cfg.Log.WithField("component", "aggregator"),
		records:          make(map[model.EventID]*record),
		managers:         cfg.Managers,
		handlers:         cfg.Handlers,
		limiterCfg:       cfg.RateLimit,
		staleBlockWindow: cfg.StaleBlockWindow,
		maxPacketBytes:   cfg.MaxPacketBytes,
		retryDelay:       cfg.RetryDelay,
		maxAttempts:      cfg.MaxAttempts,
	}
}

func (a *Aggregator) limiterFor(source string) *ratelimit.RateLimiter {
	v, _ := a.limiters.LoadOrStore(source, ratelimit.New(a.limiterCfg))
	return v.(*ratelimit.RateLimiter)
}

// Ingest processes one signed packet from an operator, following the
// 10-step protocol: rate-limit the source, validate the packet shape,
// resolve the service manager, verify the signer is authorized, check for
// conflicting envelopes/signatures under the event id, check the reference
// block isn't stale, record the signature, and submit if quorum is now met.
func (a *Aggregator) Ingest(ctx context.Context, packet model.Packet) error {
	if !a.limiterFor(packet.ServiceManager).Allow() {
		metrics.RecordPacketIngested("rate_limited")
		return werrors.New(werrors.ClassTransient, werrors.CodeRPCUnavailable, "source rate limit exceeded").
			With("service_manager", packet.ServiceManager)
	}

	if err := validatePacket(packet); err != nil {
		metrics.RecordPacketIngested("malformed")
		return err
	}

	if size := len(packet.Envelope.Payload) + len(packet.Signature); size > a.maxPacketBytes {
		metrics.RecordPacketIngested("too_large")
		return werrors.PacketTooLarge(size, a.maxPacketBytes)
	}

	a.managersMu.RLock()
	mgr, ok := a.managers[packet.ServiceManager]
	a.managersMu.RUnlock()
	if !ok {
		metrics.RecordPacketIngested("unknown_service_manager")
		return werrors.New(werrors.ClassValidation, werrors.CodeSignerUnknown, "unknown service manager").
			With("service_manager", packet.ServiceManager)
	}

	valid, err := mgr.IsValidSigner(ctx, packet.SignerAddress)
	if err != nil {
		metrics.RecordPacketIngested("manager_query_failed")
		return err
	}
	if !valid {
		metrics.RecordPacketIngested("unknown_signer")
		return werrors.SignerUnknown(packet.SignerAddress)
	}

	if a.staleBlockWindow > 0 && packet.ReferenceBlock > 0 {
		currentHeight, err := mgr.CurrentBlockHeight(ctx)
		if err != nil {
			metrics.RecordPacketIngested("manager_query_failed")
			return err
		}
		if err := checkReferenceBlock(packet.ReferenceBlock, currentHeight, a.staleBlockWindow); err != nil {
			metrics.RecordPacketIngested("stale_reference_block")
			return err
		}
	}

	weight, err := mgr.OperatorWeight(ctx, packet.SignerAddress)
	if err != nil {
		metrics.RecordPacketIngested("manager_query_failed")
		return err
	}

	a.mu.Lock()
	rec, exists := a.records[packet.Envelope.EventID]
	if !exists {
		rec = &record{
			envelope:       packet.Envelope,
			serviceManager: packet.ServiceManager,
			referenceBlock: packet.ReferenceBlock,
			signers:        make(map[string]signerEntry),
		}
		a.records[packet.Envelope.EventID] = rec
	} else {
		if string(rec.envelope.Payload) != string(packet.Envelope.Payload) {
			a.mu.Unlock()
			metrics.RecordPacketIngested("envelope_conflict")
			return werrors.EnvelopeConflict(packet.Envelope.EventID.String())
		}
	}

	if existing, ok := rec.signers[packet.SignerAddress]; ok {
		if string(existing.signature) != string(packet.Signature) {
			a.mu.Unlock()
			metrics.RecordPacketIngested("signature_conflict")
			return werrors.SignatureConflict(packet.SignerAddress)
		}
		// Idempotent resubmission of the same signature: accept without
		// re-triggering submission.
		a.mu.Unlock()
		metrics.RecordPacketIngested("duplicate_accepted")
		return nil
	}
	rec.signers[packet.SignerAddress] = signerEntry{signature: packet.Signature, weight: weight}
	totalWeight := rec.totalWeight()
	alreadySubmitted := rec.submitted
	a.mu.Unlock()

	metrics.SetPendingWeight(packet.Envelope.EventID.String(), totalWeight)
	metrics.RecordPacketIngested("accepted")

	threshold, err := mgr.ThresholdWeight(ctx)
	if err != nil {
		return err
	}
	if totalWeight < threshold {
		return nil
	}
	if alreadySubmitted {
		return nil
	}

	metrics.RecordQuorumReached(packet.ServiceManager)
	return a.submitQuorum(ctx, packet.Envelope.EventID)
}

// checkReferenceBlock enforces spec §4.5's reference-block freshness rule:
// reference must be strictly behind current (never from the future), and
// not so far behind that it falls outside the configured stale window.
func checkReferenceBlock(reference uint32, current uint64, staleWindow uint32) error {
	ref := uint64(reference)
	if ref >= current {
		return werrors.StaleReferenceBlock(ref, current)
	}
	if current-ref > uint64(staleWindow) {
		return werrors.StaleReferenceBlock(ref, current)
	}
	return nil
}

func validatePacket(p model.Packet) error {
	if p.Envelope.EventID.IsZero() {
		return werrors.MalformedPacket("packet missing envelope event id")
	}
	if p.SignerAddress == "" {
		return werrors.MalformedPacket("packet missing signer address")
	}
	if len(p.Signature) == 0 {
		return werrors.MalformedPacket("packet missing signature")
	}
	if p.ServiceManager == "" {
		return werrors.MalformedPacket("packet missing service manager reference")
	}
	return nil
}

// submitQuorum builds the ordered SignatureData and submits it, retrying
// with a fixed delay on transient failures up to maxAttempts times.
func (a *Aggregator) submitQuorum(ctx context.Context, eventID model.EventID) error {
	a.mu.Lock()
	rec, ok := a.records[eventID]
	if !ok || rec.submitted {
		a.mu.Unlock()
		return nil
	}
	signers := make([]string, 0, len(rec.signers))
	for addr := range rec.signers {
		signers = append(signers, addr)
	}
	sort.Strings(signers)
	sigs := make([][]byte, len(signers))
	for i, addr := range signers {
		sigs[i] = rec.signers[addr].signature
	}
	env := rec.envelope
	serviceManager := rec.serviceManager
	referenceBlock := rec.referenceBlock
	rec.submitted = true
	a.mu.Unlock()

	sigData := model.SignatureData{Signers: signers, Signatures: sigs, ReferenceBlock: referenceBlock}

	a.managersMu.RLock()
	handler, ok := a.handlers[serviceManager]
	a.managersMu.RUnlock()
	if !ok {
		return werrors.New(werrors.ClassFatal, werrors.CodeCorruptState, "no submit handler for service manager").
			With("service_manager", serviceManager)
	}

	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}
		_, err := handler.Submit(ctx, env, sigData)
		if err == nil {
			metrics.RecordSubmissionAttempt(serviceManager, "aggregated", "success", 0)
			return nil
		}
		lastErr = err
		if !werrors.IsClass(err, werrors.ClassTransient) {
			metrics.RecordSubmissionAttempt(serviceManager, "aggregated", "failed", 0)
			return err
		}
		a.log.WithField("event_id", eventID.String()).WithError(err).Warn("aggregated submit attempt failed, retrying")
	}
	metrics.RecordSubmissionAttempt(serviceManager, "aggregated", "exhausted_retries", 0)
	return lastErr
}

// Handler exposes POST /packets for operator submitters to post signed
// packets to. It is the server-side counterpart of the Submission
// subsystem's submitToAggregator client.
func (a *Aggregator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /packets", a.handleIngest)
	return mux
}

func (a *Aggregator) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadAllStrict(r.Body, int64(a.maxPacketBytes)+4096)
	if err != nil {
		http.Error(w, "packet exceeds maximum size", http.StatusRequestEntityTooLarge)
		return
	}

	var packet model.Packet
	if err := json.Unmarshal(body, &packet); err != nil {
		http.Error(w, "malformed packet json", http.StatusBadRequest)
		return
	}

	if err := a.Ingest(r.Context(), packet); err != nil {
		status := http.StatusInternalServerError
		if werrors.IsClass(err, werrors.ClassValidation) {
			status = http.StatusBadRequest
		} else if werrors.IsClass(err, werrors.ClassTransient) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

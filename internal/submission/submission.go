// Package submission delivers signed envelopes to chain (spec §4.4): either
// directly to a service-handler contract, or to an aggregator endpoint to
// accumulate toward quorum. Gas estimation/posting follows the teacher's
// infrastructure/gasbank JSON-over-HTTP client pattern, generalized from a
// fee-deduction POST to an aggregator-ingest POST; per-wallet submission
// serialization is a keyed mutex, the same discipline the teacher's
// signer_globalsigner.go uses to avoid nonce races on a shared wallet.
package submission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/internal/chainapi"
	"github.com/Lay3rLabs/wavs/internal/dispatcher"
	"github.com/Lay3rLabs/wavs/internal/keystore"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
	"github.com/Lay3rLabs/wavs/internal/registry"
)

// RetryPolicy bounds the retry-with-fixed-delay loop submitDirect applies to
// transient failures, mirroring the aggregator's submitQuorum retry shape.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// GasPolicy controls how estimated gas is marked up and capped before
// submission.
type GasPolicy struct {
	Multiplier float64
	Cap        uint64
}

func (p GasPolicy) apply(estimate uint64) (uint64, error) {
	marked := uint64(float64(estimate) * p.Multiplier)
	if marked < estimate {
		marked = estimate // guard against multiplier < 1 underflow-by-truncation
	}
	if p.Cap > 0 && marked > p.Cap {
		return 0, werrors.GasEstimateOverCap(marked, p.Cap)
	}
	return marked, nil
}

// Submitter delivers finished engine results to chain or to an aggregator.
type Submitter struct {
	log      *logrus.Entry
	registry *registry.Registry
	keys     *keystore.Keystore
	handlers map[string]chainapi.ServiceHandler // chain id -> handler
	httpCli  *http.Client
	gas      GasPolicy
	retry    RetryPolicy
	timeout  time.Duration

	results <-chan dispatcher.EngineResult

	walletLocks sync.Map // wallet key -> *sync.Mutex
	inFlight    sync.WaitGroup
}

// Config configures a Submitter.
type Config struct {
	Registry   *registry.Registry
	Keystore   *keystore.Keystore
	Handlers   map[string]chainapi.ServiceHandler
	HTTPClient *http.Client
	Gas        GasPolicy
	Retry      RetryPolicy
	Timeout    time.Duration
	// Results is the Dispatcher's single outbound channel for submission;
	// the Submitter is its only reader.
	Results <-chan dispatcher.EngineResult
	Log     *logrus.Entry
}

// New builds a Submitter. Call Run to start consuming Results.
func New(cfg Config) *Submitter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Gas.Multiplier <= 0 {
		cfg.Gas.Multiplier = 1.2
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Submitter{
		log:      cfg.Log.WithField("component", "submission"),
		registry: cfg.Registry,
		keys:     cfg.Keystore,
		handlers: cfg.Handlers,
		httpCli:  cfg.HTTPClient,
		gas:      cfg.Gas,
		retry:    cfg.Retry,
		timeout:  cfg.Timeout,
		results:  cfg.Results,
	}
}

// Run consumes engine results until ctx is cancelled, spawning a task per
// result so submissions against different signing keys proceed in parallel
// (spec §4.4: "submit(envelope, workflow) spawns a task"); only same-wallet
// submissions serialize, via walletLock. Run waits for all spawned tasks to
// finish before returning.
func (s *Submitter) Run(ctx context.Context) {
	defer s.inFlight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-s.results:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			go func(result dispatcher.EngineResult) {
				defer s.inFlight.Done()
				s.handle(ctx, result)
			}(result)
		}
	}
}

func (s *Submitter) handle(parent context.Context, result dispatcher.EngineResult) {
	if result.Err != nil {
		s.log.WithField("service_id", result.ServiceID).
			WithField("workflow_id", result.WorkflowID).
			WithError(result.Err).
			Warn("skipping submission for failed engine result")
		return
	}
	if result.Skipped {
		s.log.WithField("service_id", result.ServiceID).
			WithField("workflow_id", result.WorkflowID).
			Debug("component returned no payload, nothing to submit")
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	svc, err := s.registry.Get(result.ServiceID)
	if err != nil {
		s.log.WithError(err).Error("submission: service vanished before submit")
		return
	}
	wf, ok := svc.WorkflowByID(result.WorkflowID)
	if !ok {
		s.log.WithField("workflow_id", result.WorkflowID).Error("submission: workflow vanished before submit")
		return
	}

	switch wf.Submit.Kind {
	case model.SubmitNone:
		return
	case model.SubmitDirect:
		s.submitDirect(ctx, result.ServiceID, wf, result.Envelope)
	case model.SubmitAggregator:
		s.submitToAggregator(ctx, result.ServiceID, wf, result.Envelope, result.ReferenceBlock)
	default:
		s.log.WithField("kind", wf.Submit.Kind).Error("submission: unknown submit target kind")
	}
}

// walletLock returns the mutex serializing submissions for a given wallet
// (one signing key per service, per spec §4.4), so two concurrent results
// for the same service never race on nonce/ordering.
func (s *Submitter) walletLock(wallet string) *sync.Mutex {
	v, _ := s.walletLocks.LoadOrStore(wallet, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Submitter) submitDirect(ctx context.Context, serviceID string, wf model.Workflow, env model.Envelope) {
	handler, ok := s.handlers[wf.Submit.ChainID]
	if !ok {
		s.log.WithField("chain_id", wf.Submit.ChainID).Error("submission: no handler configured for chain")
		return
	}

	lock := s.walletLock(serviceID)
	lock.Lock()
	defer lock.Unlock()

	digest := sha256Digest(env.SignaturePreimage())
	sigBytes, err := s.keys.Sign(serviceID, digest)
	if err != nil {
		s.log.WithError(err).Error("submission: signing failed")
		return
	}
	address, err := s.keys.AddressFor(serviceID)
	if err != nil {
		s.log.WithError(err).Error("submission: address derivation failed")
		return
	}

	sig := model.SignatureData{Signers: []string{address}, Signatures: [][]byte{sigBytes}}

	estimate, err := handler.EstimateGas(ctx, env, sig)
	if err != nil {
		metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "direct", "estimate_failed", 0)
		s.log.WithError(err).Error("submission: gas estimate failed")
		return
	}
	if _, err := s.gas.apply(estimate); err != nil {
		metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "direct", "gas_over_cap", 0)
		s.log.WithError(err).Error("submission: gas estimate over cap")
		return
	}

	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retry.Delay):
			}
		}
		txHash, err := handler.Submit(ctx, env, sig)
		if err == nil {
			metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "direct", "success", estimate)
			s.log.WithField("tx_hash", txHash).WithField("event_id", env.EventID.String()).Info("submitted envelope directly")
			return
		}
		lastErr = err
		if !werrors.IsClass(err, werrors.ClassTransient) {
			metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "direct", "failed", 0)
			s.log.WithField("event_id", env.EventID.String()).WithError(err).Error("submission: direct submit failed")
			return
		}
		s.log.WithField("event_id", env.EventID.String()).WithError(err).Warn("direct submit attempt failed, retrying")
	}
	metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "direct", "exhausted_retries", 0)
	s.log.WithField("event_id", env.EventID.String()).WithError(lastErr).Error("submission: direct submit exhausted retries")
}

func (s *Submitter) submitToAggregator(ctx context.Context, serviceID string, wf model.Workflow, env model.Envelope, referenceBlock uint32) {
	digest := sha256Digest(env.SignaturePreimage())
	sigBytes, err := s.keys.Sign(serviceID, digest)
	if err != nil {
		s.log.WithError(err).Error("submission: signing failed")
		return
	}
	address, err := s.keys.AddressFor(serviceID)
	if err != nil {
		s.log.WithError(err).Error("submission: address derivation failed")
		return
	}

	packet := model.Packet{
		Envelope:       env,
		SignerAddress:  address,
		Signature:      sigBytes,
		ServiceManager: wf.Submit.ServiceManager,
		ReferenceBlock: referenceBlock,
	}

	body, err := json.Marshal(packet)
	if err != nil {
		s.log.WithError(err).Error("submission: marshal packet failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.Submit.AggregatorURL+"/packets", bytes.NewReader(body))
	if err != nil {
		s.log.WithError(err).Error("submission: build aggregator request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpCli.Do(req)
	if err != nil {
		metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "aggregator", "unreachable", 0)
		s.log.WithError(err).Error("submission: aggregator post failed")
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "aggregator", "rejected", 0)
		s.log.WithField("status", resp.StatusCode).WithField("body", string(respBody)).Error("submission: aggregator rejected packet")
		return
	}
	metrics.RecordSubmissionAttempt(wf.Submit.ChainID, "aggregator", "accepted", 0)
	s.log.WithField("event_id", env.EventID.String()).Info("posted packet to aggregator")
}

func sha256Digest(b []byte) [32]byte {
	return sha256.Sum256(b)
}

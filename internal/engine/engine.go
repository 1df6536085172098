// Package engine is the bounded component worker pool (spec §4.3): a fixed
// number of goroutines pull normalized trigger actions from the Dispatcher
// and execute the matching workflow's component in a fresh, single-threaded
// goja sandbox per job, then hand the resulting envelope back to the
// Dispatcher for submission.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
	"github.com/Lay3rLabs/wavs/internal/dispatcher"
	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
	"github.com/Lay3rLabs/wavs/internal/registry"
)

// ResultSink is the subset of the Dispatcher's API the Engine needs; it is
// satisfied by *dispatcher.Dispatcher and kept narrow for testability.
type ResultSink interface {
	SubmitEngineResult(ctx context.Context, result dispatcher.EngineResult) error
}

// Engine owns the worker pool, the content-addressed component cache, and
// the shared per-service storage backend.
type Engine struct {
	log      *logrus.Entry
	registry *registry.Registry
	sink     ResultSink
	cache    *componentCache
	storage  *storageBackend

	jobs <-chan model.TriggerAction

	workers    int
	maxStorage int64

	wg sync.WaitGroup
}

// Config configures an Engine.
type Config struct {
	Registry *registry.Registry
	Sink     ResultSink
	// Jobs is the Dispatcher's single outbound channel for this Engine; the
	// Engine is its only reader.
	Jobs             <-chan model.TriggerAction
	Workers          int
	MaxStoragePerJob int64
	// StorageKey seals every component's KV values at rest (see storage.go).
	// A nil/empty key leaves values unsealed, which test suites rely on.
	StorageKey []byte
	Log        *logrus.Entry
}

// New builds an Engine. Call Run to start its worker pool.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxStoragePerJob <= 0 {
		cfg.MaxStoragePerJob = 4 << 20
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		log:        cfg.Log.WithField("component", "engine"),
		registry:   cfg.Registry,
		sink:       cfg.Sink,
		cache:      newComponentCache(),
		storage:    newStorageBackend(cfg.StorageKey),
		jobs:       cfg.Jobs,
		workers:    cfg.Workers,
		maxStorage: cfg.MaxStoragePerJob,
	}
}

// Run starts the bounded worker pool; it returns once ctx is cancelled and
// every in-flight job has finished. Each worker runs jobs strictly one at a
// time -- goja.Runtime is not safe for concurrent use, so the worker count
// is the hard upper bound on concurrent component executions.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go func(workerID int) {
			defer e.wg.Done()
			e.worker(ctx, workerID)
		}(i)
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-e.jobs:
			if !ok {
				return
			}
			e.handle(ctx, action)
		}
	}
}

func (e *Engine) handle(ctx context.Context, action model.TriggerAction) {
	result := dispatcher.EngineResult{
		ServiceID:  action.ServiceID,
		WorkflowID: action.WorkflowID,
	}

	svc, err := e.registry.Get(action.ServiceID)
	if err != nil {
		result.Err = err
		e.report(ctx, result, "service_unknown", 0, 0)
		return
	}
	if svc.Status == model.StatusPaused {
		result.Err = werrors.ServicePaused(action.ServiceID)
		e.report(ctx, result, "service_paused", 0, 0)
		return
	}
	wf, ok := svc.WorkflowByID(action.WorkflowID)
	if !ok {
		result.Err = werrors.ComponentError(action.ServiceID, action.WorkflowID, "workflow not found in service")
		e.report(ctx, result, "workflow_unknown", 0, 0)
		return
	}

	comp, err := e.cache.getOrInsert(wf.Component)
	if err != nil {
		result.Err = err
		e.report(ctx, result, "bad_component", 0, 0)
		return
	}

	storage := newIsolatedStorage(action.ServiceID, action.WorkflowID, e.storage, e.maxStorage)

	start := time.Now()
	execResult, err := runComponent(ctx, action.ServiceID, action.WorkflowID, comp, action.TriggerData, storage)
	duration := time.Since(start)

	if err != nil {
		result.Err = err
		e.report(ctx, result, outcomeLabel(err), duration, execResult.FuelConsumed)
		return
	}

	if execResult.Skipped {
		result.Skipped = true
		e.report(ctx, result, "skipped", duration, execResult.FuelConsumed)
		return
	}

	result.Envelope = model.Envelope{
		EventID: action.EventID,
		Payload: execResult.Output,
	}
	result.ReferenceBlock = action.ReferenceBlock
	e.report(ctx, result, "success", duration, execResult.FuelConsumed)
}

func outcomeLabel(err error) string {
	if wavsErr, ok := werrors.As(err); ok {
		return string(wavsErr.Code)
	}
	return "unknown_error"
}

func (e *Engine) report(ctx context.Context, result dispatcher.EngineResult, outcome string, duration time.Duration, fuelConsumed uint64) {
	metrics.RecordEngineExecution(result.ServiceID, result.WorkflowID, outcome, duration, fuelConsumed)
	if err := e.sink.SubmitEngineResult(ctx, result); err != nil {
		e.log.WithField("service_id", result.ServiceID).
			WithField("workflow_id", result.WorkflowID).
			WithError(err).
			Error("failed to submit engine result to dispatcher")
	}
}

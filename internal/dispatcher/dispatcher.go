// Package dispatcher routes normalized trigger actions from the Trigger
// Manager to the Engine, and finished engine results to the Submission
// subsystem (spec §4.1). It generalizes the teacher's system/events
// Dispatcher -- registered handlers matched by filter, bounded queue,
// worker pool -- into a two-stage unbounded-queue router with a single
// downstream receiver per stage. Delivery is at-least-once: a recently-seen
// event id is flagged, not dropped, so a replayed trigger still reaches the
// Engine and any deduplication beyond that flag is the consumer's choice.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/platform/metrics"
)

// EngineResult is the outcome of one component execution, handed back to the
// Dispatcher by the Engine for routing to Submission. Skipped marks a
// component that ran successfully but returned Ok(None): Envelope is the
// zero value and Submission must not act on it (spec §4.3/§8 round-trip
// law: "A TriggerAction with Ok(None) produces no envelope and no
// submission").
type EngineResult struct {
	ServiceID      string
	WorkflowID     string
	Envelope       model.Envelope
	ReferenceBlock uint32
	Skipped        bool
	Err            error
}

// Dispatcher is the single fan-in/fan-out point between trigger sources, the
// Engine, and the Submission subsystem.
type Dispatcher struct {
	log *logrus.Entry

	triggerQueue *unboundedQueue[model.TriggerAction]
	resultQueue  *unboundedQueue[EngineResult]

	dedup *lru.Cache[model.EventID, struct{}]

	engineSink     chan<- model.TriggerAction
	submissionSink chan<- EngineResult

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config configures a Dispatcher.
type Config struct {
	// EngineSink is the Engine's single inbound channel; the dispatcher is
	// its only sender.
	EngineSink chan<- model.TriggerAction
	// SubmissionSink is the Submission subsystem's single inbound channel.
	SubmissionSink chan<- EngineResult
	// DedupCacheSize bounds the number of recently-seen event ids retained
	// for deduplication. Defaults to 100,000.
	DedupCacheSize int
	Log            *logrus.Entry
}

// New builds and starts a Dispatcher's forwarding goroutines.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.EngineSink == nil {
		return nil, fmt.Errorf("dispatcher: EngineSink is required")
	}
	if cfg.SubmissionSink == nil {
		return nil, fmt.Errorf("dispatcher: SubmissionSink is required")
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 100_000
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	dedup, err := lru.New[model.EventID, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: new dedup cache: %w", err)
	}

	d := &Dispatcher{
		log:            cfg.Log.WithField("component", "dispatcher"),
		triggerQueue:   newUnboundedQueue[model.TriggerAction](),
		resultQueue:    newUnboundedQueue[EngineResult](),
		dedup:          dedup,
		engineSink:     cfg.EngineSink,
		submissionSink: cfg.SubmissionSink,
		stopCh:         make(chan struct{}),
	}

	d.wg.Add(2)
	go d.forwardTriggers()
	go d.forwardResults()

	return d, nil
}

// SubmitTrigger enqueues a normalized trigger action for delivery to the
// Engine. Delivery is always at-least-once: an action whose event id was
// already seen is still forwarded, with Duplicate set so the Engine (or any
// other downstream consumer) can decide whether to act on it (spec §3/§8:
// the Dispatcher's dedup is advisory, not a filter).
func (d *Dispatcher) SubmitTrigger(_ context.Context, action model.TriggerAction) error {
	if action.EventID.IsZero() {
		return fmt.Errorf("dispatcher: trigger action missing event id")
	}
	if _, seen := d.dedup.Get(action.EventID); seen {
		action.Duplicate = true
		metrics.RecordDuplicateEventSeen(action.WorkflowID)
		d.log.WithField("event_id", action.EventID.String()).Debug("forwarding previously-seen event id")
	}
	d.dedup.Add(action.EventID, struct{}{})
	d.triggerQueue.push(action)
	metrics.SetQueueDepth("triggers", d.triggerQueue.len())
	return nil
}

// SubmitEngineResult enqueues a finished engine result for delivery to the
// Submission subsystem.
func (d *Dispatcher) SubmitEngineResult(_ context.Context, result EngineResult) error {
	d.resultQueue.push(result)
	metrics.SetQueueDepth("results", d.resultQueue.len())
	return nil
}

func (d *Dispatcher) forwardTriggers() {
	defer d.wg.Done()
	for {
		action, ok := d.triggerQueue.pop()
		if !ok {
			return
		}
		select {
		case d.engineSink <- action:
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) forwardResults() {
	defer d.wg.Done()
	for {
		result, ok := d.resultQueue.pop()
		if !ok {
			return
		}
		select {
		case d.submissionSink <- result:
		case <-d.stopCh:
			return
		}
	}
}

// Shutdown drains any queued work to its downstream sink, then stops. If ctx
// ends before the drain finishes, forwarding stops, work still queued is
// abandoned, and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.triggerQueue.close()
		d.resultQueue.close()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.stopCh)
		<-done
		return ctx.Err()
	}
}

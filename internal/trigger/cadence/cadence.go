// Package cadence fires trigger actions on a schedule rather than in
// response to a chain event: either a fixed block-height cadence (every N
// blocks, advanced by a provided height source) or a wall-clock schedule
// expressed as a cron expression or a plain interval. The polling-and-tick
// shape is the same one the teacher's automation.Scheduler uses to walk its
// job store on a ticker and dispatch enabled jobs; this generalizes that
// single ticker into one goroutine per distinct cadence workflow so that a
// slow dispatch on one workflow never delays another's tick.
package cadence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/Lay3rLabs/wavs/internal/registry"
)

// Sink is the destination for normalized trigger actions; satisfied by
// *dispatcher.Dispatcher.
type Sink interface {
	SubmitTrigger(ctx context.Context, action model.TriggerAction) error
}

// HeightSource reports the current height of a chain, used to drive
// block-height cadence triggers without a live stream connection.
type HeightSource interface {
	CurrentHeight(ctx context.Context, chainID string) (uint64, error)
}

// Scheduler runs one goroutine per registered wall-clock or block-height
// cadence workflow and forwards a TriggerAction to Sink on every tick.
type Scheduler struct {
	log      *logrus.Entry
	registry *registry.Registry
	sink     Sink
	heights  HeightSource

	pollInterval time.Duration

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// Config configures a Scheduler.
type Config struct {
	Registry *registry.Registry
	Sink     Sink
	// Heights supplies current chain height for block_height cadence
	// workflows. May be nil if no workflow uses that trigger kind.
	Heights HeightSource
	// PollInterval is how often a block_height cadence workflow checks for
	// height advancement. Defaults to 2s.
	PollInterval time.Duration
	Log          *logrus.Entry
}

// New builds a Scheduler. Call Run to start ticking every cadence workflow
// currently in the registry; workflows registered after Run has started are
// not picked up (the caller should restart the scheduler on upgrade, the
// same way the rest of the trigger manager resubscribes on service change).
func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		log:          cfg.Log.WithField("component", "cadence_scheduler"),
		registry:     cfg.Registry,
		sink:         cfg.Sink,
		heights:      cfg.Heights,
		pollInterval: cfg.PollInterval,
	}
}

// Run starts a goroutine per cadence workflow found in the registry and
// blocks until all of them have exited (on ctx cancellation or Stop). If no
// goroutine was started, Run returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	for _, svc := range s.registry.List() {
		if svc.Status != model.StatusActive {
			continue
		}
		for _, wf := range svc.Workflows {
			switch wf.Trigger.Kind {
			case model.TriggerWallClock:
				s.startWallClock(ctx, svc.ID, wf)
			case model.TriggerBlockHeight:
				s.startBlockHeight(ctx, svc.ID, wf)
			}
		}
	}
	s.wg.Wait()
}

// Stop cancels every running cadence goroutine and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) trackCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

func (s *Scheduler) startWallClock(parent context.Context, serviceID string, wf model.Workflow) {
	ctx, cancel := context.WithCancel(parent)
	s.trackCancel(cancel)

	if wf.Trigger.CronExpr != "" {
		s.wg.Add(1)
		go s.runCron(ctx, serviceID, wf)
		return
	}

	interval, err := time.ParseDuration(wf.Trigger.Interval)
	if err != nil || interval <= 0 {
		s.log.WithField("workflow_id", wf.ID).WithError(err).
			Error("wall_clock trigger has neither a valid cron_expr nor interval, skipping")
		return
	}
	s.wg.Add(1)
	go s.runInterval(ctx, serviceID, wf, interval)
}

func (s *Scheduler) runCron(ctx context.Context, serviceID string, wf model.Workflow) {
	defer s.wg.Done()

	schedule, err := cron.ParseStandard(wf.Trigger.CronExpr)
	if err != nil {
		s.log.WithField("workflow_id", wf.ID).WithField("cron_expr", wf.Trigger.CronExpr).
			WithError(err).Error("invalid cron expression, cadence workflow disabled")
		return
	}

	next := schedule.Next(time.Now())
	var tick uint64
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			tick++
			s.fire(ctx, serviceID, wf, tick)
			next = schedule.Next(time.Now())
		}
	}
}

func (s *Scheduler) runInterval(ctx context.Context, serviceID string, wf model.Workflow, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			s.fire(ctx, serviceID, wf, tick)
		}
	}
}

func (s *Scheduler) startBlockHeight(parent context.Context, serviceID string, wf model.Workflow) {
	if s.heights == nil {
		s.log.WithField("workflow_id", wf.ID).Error("block_height trigger configured but no height source wired, skipping")
		return
	}
	if wf.Trigger.EveryNBlocks == 0 {
		s.log.WithField("workflow_id", wf.ID).Error("block_height trigger has every_n_blocks == 0, skipping")
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.trackCancel(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var lastFired uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				height, err := s.heights.CurrentHeight(ctx, wf.Trigger.ChainID)
				if err != nil {
					s.log.WithField("chain_id", wf.Trigger.ChainID).WithError(err).Warn("block height lookup failed")
					continue
				}
				if height == 0 || height%wf.Trigger.EveryNBlocks != 0 || height == lastFired {
					continue
				}
				lastFired = height
				s.fireHeight(ctx, serviceID, wf, height)
			}
		}
	}()
}

func (s *Scheduler) fire(ctx context.Context, serviceID string, wf model.Workflow, tick uint64) {
	action := model.TriggerAction{
		ServiceID:  serviceID,
		WorkflowID: wf.ID,
		EventID:    model.EventIDForCadence(wf.Trigger.ChainID+"/"+wf.ID, tick),
	}
	if err := s.sink.SubmitTrigger(ctx, action); err != nil {
		s.log.WithField("workflow_id", wf.ID).WithError(err).Warn("submit cadence trigger failed")
	}
}

func (s *Scheduler) fireHeight(ctx context.Context, serviceID string, wf model.Workflow, height uint64) {
	action := model.TriggerAction{
		ServiceID:  serviceID,
		WorkflowID: wf.ID,
		EventID:    model.EventIDForCadence(wf.Trigger.ChainID, height),
	}
	if err := s.sink.SubmitTrigger(ctx, action); err != nil {
		s.log.WithField("workflow_id", wf.ID).WithError(err).Warn("submit block height trigger failed")
	}
}

package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	rcron "github.com/robfig/cron/v3"

	"flowmesh/pkg/election"
)

// EngineService is the leadership name gating background dispatch.
const EngineService = "process-engine"

// Elector is the part of the election manager the dispatcher uses.
type Elector interface {
	Elect(ctx context.Context, service string) (bool, error)
	StepDown(ctx context.Context, service string) error
	IsLeader(service string) bool
	Events() <-chan election.Event
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	// PollInterval is both the sweep schedule and the election retry cadence.
	PollInterval time.Duration
	Logger       hclog.Logger
}

// Dispatcher sweeps for PENDING and orphaned RUNNING instances while this node
// leads EngineService, and feeds them to the engine's worker pool.
type Dispatcher struct {
	engine  *Engine
	elector Elector
	cfg     DispatcherConfig
	logger  hclog.Logger
	cron    *rcron.Cron

	mu      sync.Mutex
	entry   rcron.EntryID
	leading bool
	ctx     context.Context
}

// NewDispatcher creates a dispatcher for engine.
func NewDispatcher(engine *Engine, elector Elector, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("dispatcher")
	cl := cronLogger{logger}
	return &Dispatcher{
		engine:  engine,
		elector: elector,
		cfg:     cfg,
		logger:  logger,
		cron:    rcron.New(rcron.WithLogger(cl), rcron.WithChain(rcron.SkipIfStillRunning(cl))),
		ctx:     context.Background(),
	}
}

// Leading reports whether the sweep is scheduled on this node.
func (d *Dispatcher) Leading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leading
}

// Run campaigns for EngineService and reacts to election events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	d.cron.Start()
	defer func() {
		<-d.cron.Stop().Done()
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			stop, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := d.elector.StepDown(stop, EngineService); err != nil {
				d.logger.Warn("step down on shutdown failed", "error", err)
			}
			cancel()
			d.unschedule()
			return
		case <-ticker.C:
			d.campaign(ctx)
		case ev := <-d.elector.Events():
			d.Handle(ev)
		}
	}
}

func (d *Dispatcher) campaign(ctx context.Context) {
	if d.elector.IsLeader(EngineService) {
		return
	}
	if _, err := d.elector.Elect(ctx, EngineService); err != nil && ctx.Err() == nil {
		d.logger.Warn("election attempt failed", "service", EngineService, "error", err)
	}
}

// Handle reacts to one election event.
func (d *Dispatcher) Handle(ev election.Event) {
	if ev.Service != EngineService {
		return
	}
	switch ev.Kind {
	case election.Elected:
		d.logger.Info("dispatch leadership acquired", "epoch", ev.Epoch)
		d.schedule()
	case election.Demoted:
		d.logger.Info("dispatch leadership lost", "epoch", ev.Epoch, "reason", ev.Reason)
		d.unschedule()
	}
}

func (d *Dispatcher) schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leading {
		return
	}
	schedule := fmt.Sprintf("@every %s", d.cfg.PollInterval)
	id, err := d.cron.AddFunc(schedule, func() {
		d.mu.Lock()
		ctx := d.ctx
		d.mu.Unlock()
		d.Sweep(ctx)
	})
	if err != nil {
		d.logger.Error("schedule sweep", "schedule", schedule, "error", err)
		return
	}
	d.entry, d.leading = id, true
}

func (d *Dispatcher) unschedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.leading {
		return
	}
	d.cron.Remove(d.entry)
	d.leading = false
}

// Sweep queues dispatchable instances and returns how many were queued. It does
// nothing unless this node currently leads EngineService.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	if !d.elector.IsLeader(EngineService) {
		return 0
	}
	stale := d.engine.cfg.StaleAfter
	now := d.engine.now()
	instances, err := d.engine.List(ctx, StatusPending, StatusRunning)
	if err != nil {
		d.logger.Warn("sweep listing failed", "error", err)
		return 0
	}
	queued := 0
	for i := range instances {
		inst := &instances[i]
		if inst.Blocked() {
			continue
		}
		if inst.InFlight != nil && now.Sub(inst.InFlight.Since) < stale {
			continue
		}
		if d.engine.pool.Submit(inst.ID) {
			queued++
		}
	}
	if queued > 0 {
		d.logger.Debug("sweep dispatched instances", "count", queued)
	}
	return queued
}

// cronLogger adapts hclog to the cron logger.
type cronLogger struct{ l hclog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/northbeacon/agent/modules/etc"
	"github.com/northbeacon/agent/modules/plugin"
	"github.com/northbeacon/agent/pkg/metrics"
)

type cmdKind int

const (
	cmdUpdate cmdKind = iota
	cmdStop
	cmdRunNow
)

type runnerCmd struct {
	kind cmdKind
	cfg  TaskConfig
	done chan error // stop: signals termination; update/run-now: optional ack
}

// taskRunner owns one cancellable goroutine driving CheckTask.Run at
// its configured period. The period timer is re-armed only after a run
// completes, so overlapping runs for the same key never happen —
// eliminating a class of counter-store races.
type taskRunner struct {
	cfg    TaskConfig
	ctrl   chan runnerCmd
	done   chan struct{}
	cancel context.CancelFunc
}

func startRunner(parent context.Context, cfg TaskConfig, etcMgr *etc.Manager, pluginMgr *plugin.Manager, sink chan<- metrics.Table, logger log.Logger) *taskRunner {
	ctx, cancel := context.WithCancel(parent)
	r := &taskRunner{
		cfg:    cfg,
		ctrl:   make(chan runnerCmd, 4),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go r.loop(ctx, etcMgr, pluginMgr, sink, logger)
	return r
}

func (r *taskRunner) loop(ctx context.Context, etcMgr *etc.Manager, pluginMgr *plugin.Manager, sink chan<- metrics.Table, logger log.Logger) {
	defer close(r.done)
	cfg := r.cfg
	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()

	runOnce := func() {
		task := &CheckTask{Cfg: cfg, EtcMgr: etcMgr, PluginMgr: pluginMgr, Sink: sink, Logger: logger}
		if err := task.Run(ctx); err != nil && ctx.Err() == nil {
			level.Warn(logger).Log("msg", "task run failed", "host", cfg.Key.Host, "mp", cfg.Key.MPID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
			ticker.Reset(cfg.Period)
		case cmd := <-r.ctrl:
			switch cmd.kind {
			case cmdUpdate:
				cfg = cmd.cfg
				ticker.Reset(cfg.Period)
				if cmd.done != nil {
					cmd.done <- nil
				}
			case cmdRunNow:
				runOnce()
				if cmd.done != nil {
					cmd.done <- nil
				}
			case cmdStop:
				if cmd.done != nil {
					cmd.done <- nil
				}
				return
			}
		}
	}
}

func (r *taskRunner) update(cfg TaskConfig) {
	r.ctrl <- runnerCmd{kind: cmdUpdate, cfg: cfg}
	r.cfg = cfg
}

func (r *taskRunner) stop() {
	ack := make(chan error, 1)
	select {
	case r.ctrl <- runnerCmd{kind: cmdStop, done: ack}:
		<-ack
	case <-r.done:
	}
	r.cancel()
	<-r.done
}

// Scheduler owns the fleet of task runners and reconfigures them from
// immutable snapshots of desired state without holding a lock across
// any individual runner transition.
type Scheduler struct {
	mu        sync.Mutex
	runners   map[TaskKey]*taskRunner
	etcMgr    *etc.Manager
	pluginMgr *plugin.Manager
	sink      chan<- metrics.Table
	logger    log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(etcMgr *etc.Manager, pluginMgr *plugin.Manager, sink chan<- metrics.Table, logger log.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runners:   map[TaskKey]*taskRunner{},
		etcMgr:    etcMgr,
		pluginMgr: pluginMgr,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// UpdateConfig diffs the desired task set against the current fleet by
// key: matching keys are updated in place when liveness
// can be preserved, new keys are spawned, removed keys are stopped.
// The diff itself is computed over an immutable snapshot of the
// current fleet before any runner command is issued.
func (s *Scheduler) UpdateConfig(desired []TaskConfig) {
	s.mu.Lock()
	current := make(map[TaskKey]*taskRunner, len(s.runners))
	for k, v := range s.runners {
		current[k] = v
	}
	s.mu.Unlock()

	desiredByKey := make(map[TaskKey]TaskConfig, len(desired))
	for _, cfg := range desired {
		desiredByKey[cfg.Key] = cfg
	}

	var toStop []*taskRunner
	for key, runner := range current {
		if _, ok := desiredByKey[key]; !ok {
			toStop = append(toStop, runner)
			s.mu.Lock()
			delete(s.runners, key)
			s.mu.Unlock()
		}
	}
	for _, r := range toStop {
		r.stop()
	}

	for key, cfg := range desiredByKey {
		existing, ok := current[key]
		switch {
		case !ok:
			nr := startRunner(s.ctx, cfg, s.etcMgr, s.pluginMgr, s.sink, log.With(s.logger, "host", key.Host, "mp", key.MPID))
			s.mu.Lock()
			s.runners[key] = nr
			s.mu.Unlock()
		case sameLiveness(existing.cfg, cfg):
			existing.update(cfg)
		default:
			existing.stop()
			nr := startRunner(s.ctx, cfg, s.etcMgr, s.pluginMgr, s.sink, log.With(s.logger, "host", key.Host, "mp", key.MPID))
			s.mu.Lock()
			s.runners[key] = nr
			s.mu.Unlock()
		}
	}
}

// RunNow triggers an immediate out-of-cycle run of one task, without
// disturbing its periodic schedule.
func (s *Scheduler) RunNow(key TaskKey) bool {
	s.mu.Lock()
	r, ok := s.runners[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ack := make(chan error, 1)
	r.ctrl <- runnerCmd{kind: cmdRunNow, done: ack}
	<-ack
	return true
}

// Shutdown issues stop to every runner and awaits termination,
// aggregating any per-runner failure rather than surfacing only the
// first.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runners := make([]*taskRunner, 0, len(s.runners))
	for k, r := range s.runners {
		runners = append(runners, r)
		delete(s.runners, k)
	}
	s.mu.Unlock()
	s.cancel()

	var merr *multierror.Error
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(len(runners))
	for _, r := range runners {
		r := r
		go func() {
			defer wg.Done()
			select {
			case <-r.done:
			case <-ctx.Done():
				mu.Lock()
				merr = multierror.Append(merr, ctx.Err())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

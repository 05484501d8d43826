// Package shutdown releases nodelink components in phases when the process
// is asked to stop.
//
// Components register a release function under a phase. Lower phases run
// first; functions within one phase run concurrently. A typical process
// stops accepting sockets, then releases its nodes (abandoning their
// pending futures) and finally its brokers and backend connections:
//
//	coord := shutdown.New(10*time.Second, logger)
//	coord.Add("hub-server", shutdown.PhaseListeners, srv.Shutdown)
//	coord.Release("node", shutdown.PhaseNodes, tr)
//	coord.Release("broker", shutdown.PhaseBackends, b)
//
//	ctx, stop := shutdown.SignalContext(context.Background())
//	defer stop()
//	err := coord.Run(ctx)
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/nodelink/logging"
)

// Phases used by the nodelink command.
const (
	PhaseListeners = 10
	PhaseNodes     = 20
	PhaseBackends  = 30
)

// DefaultTimeout bounds a shutdown started by Run.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when phases were skipped because the shutdown
// context ended.
var ErrTimeout = errors.New("shutdown timeout exceeded")

// Func releases one component.
type Func func(ctx context.Context) error

// Releaser is anything with a Release method: nodes, connections, brokers.
type Releaser interface {
	Release() error
}

// Result records how one step went.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

type step struct {
	name  string
	phase int
	fn    Func
}

// Coordinator runs registered steps once, phase by phase.
type Coordinator struct {
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	steps   []step
	results []Result

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a coordinator. A zero timeout means DefaultTimeout.
func New(timeout time.Duration, logger *logging.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
	}
}

// Add registers fn under phase.
func (c *Coordinator) Add(name string, phase int, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, phase: phase, fn: fn})
}

// Release registers r.Release under phase.
func (c *Coordinator) Release(name string, phase int, r Releaser) {
	c.Add(name, phase, func(context.Context) error { return r.Release() })
}

// Run blocks until ctx ends, then shuts down within the coordinator's
// timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-c.done:
		return c.err
	}
	sctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Shutdown(sctx)
}

// Shutdown runs every step once. Later calls wait for the first one and
// return its error. Step errors do not stop later phases.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Results returns the step results in execution order. Empty until Done.
func (c *Coordinator) Results() []Result {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	start := time.Now()
	var all []Result
	var err error
	for len(steps) > 0 {
		n := 1
		for n < len(steps) && steps[n].phase == steps[0].phase {
			n++
		}
		phase := steps[:n]
		steps = steps[n:]

		if ctx.Err() != nil {
			err = multierr.Append(err, ErrTimeout)
			c.logger.Warn("phases_skipped", map[string]interface{}{"from_phase": phase[0].phase})
			break
		}
		results := c.runPhase(ctx, phase)
		for _, r := range results {
			err = multierr.Append(err, r.Err)
		}
		all = append(all, results...)
	}

	c.mu.Lock()
	c.results = all
	c.mu.Unlock()

	fields := map[string]interface{}{"steps": len(all), "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.Warn("shutdown_incomplete", fields)
	} else {
		c.logger.Info("shutdown_complete", fields)
	}
	return err
}

func (c *Coordinator) runPhase(ctx context.Context, steps []step) []Result {
	results := make([]Result, len(steps))
	var g errgroup.Group
	for i, s := range steps {
		g.Go(func() error {
			begin := time.Now()
			err := s.fn(ctx)
			results[i] = Result{Name: s.name, Phase: s.phase, Duration: time.Since(begin), Err: err}

			fields := map[string]interface{}{"step": s.name, "phase": s.phase}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("step_failed", fields)
			} else {
				c.logger.Debug("step_done", fields)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SignalContext returns a context canceled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

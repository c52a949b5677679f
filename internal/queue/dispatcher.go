package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mr-anatolievich/CommentFlow-new/internal/platform/logger"
)

// Delivery is one attempt of a dispatch, as seen by a Handler.
type Delivery struct {
	Handle  Handle
	Message Message
	// Attempt is 1 for the first delivery.
	Attempt int

	broker Broker
	logger *slog.Logger
}

// ReportProgress records progress for the dispatch. Failures are logged.
func (d *Delivery) ReportProgress(ctx context.Context, current, total int) {
	if d.broker == nil {
		return
	}
	if err := d.broker.SetProgress(ctx, d.Handle, NewProgress(current, total)); err != nil {
		d.logger.Warn("failed to record progress", "handle", d.Handle, "error", err)
	}
}

// Handler runs one attempt of a dispatch.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) Outcome

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) Outcome { return f(ctx, d) }

// TerminalHandler is implemented by handlers that must react when a
// dispatch fails for good: a Fatal outcome or retries exhausted.
type TerminalHandler interface {
	OnTerminalFailure(ctx context.Context, d *Delivery, reason string)
}

// DispatcherConfig holds the dispatcher's timing parameters.
type DispatcherConfig struct {
	// PollInterval is the wait between empty reserves.
	PollInterval time.Duration
	// VisibilityTimeout hides a reserved dispatch; it must exceed HardTimeLimit.
	VisibilityTimeout time.Duration
	// SoftTimeLimit is the deadline of the handler's context.
	SoftTimeLimit time.Duration
	// HardTimeLimit abandons a handler that ignores its deadline.
	HardTimeLimit time.Duration
	// BackoffUnit scales RetryPolicy values.
	BackoffUnit time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:      time.Second,
		VisibilityTimeout: 35 * time.Minute,
		SoftTimeLimit:     25 * time.Minute,
		HardTimeLimit:     30 * time.Minute,
		BackoffUnit:       time.Second,
	}
}

type lane struct {
	name    string
	workers int
	handler Handler
}

// Dispatcher pulls dispatches from a Broker and runs lane handlers on a
// fixed pool of workers per lane. Each worker runs one attempt at a time.
type Dispatcher struct {
	broker Broker
	cfg    DispatcherConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	lanes   map[string]*lane
	started bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Zero config values take defaults.
func NewDispatcher(broker Broker, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = def.HardTimeLimit
	}
	if cfg.SoftTimeLimit <= 0 || cfg.SoftTimeLimit > cfg.HardTimeLimit {
		cfg.SoftTimeLimit = cfg.HardTimeLimit
	}
	if cfg.VisibilityTimeout <= cfg.HardTimeLimit {
		cfg.VisibilityTimeout = cfg.HardTimeLimit + 5*time.Minute
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		broker: broker,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register binds handler to a lane with the given worker count.
// It must be called before Start.
func (d *Dispatcher) Register(name string, workers int, handler Handler) {
	if workers <= 0 {
		d.logger.Warn("invalid worker count specified, using default",
			"lane", name,
			"specified_count", workers,
			"default_count", 1)
		workers = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lanes[name] = &lane{name: name, workers: workers, handler: handler}
}

// Start launches the workers of every registered lane.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrDispatcherBusy
	}
	d.started = true

	for _, l := range d.lanes {
		for i := 0; i < l.workers; i++ {
			d.wg.Add(1)
			go d.worker(l, i)
		}
		d.logger.Info("lane started", "lane", l.name, "workers", l.workers)
	}
	return nil
}

// Stop stops reserving new work and waits for running attempts to finish
// or for ctx to expire. Running attempts are not cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(l *lane, id int) {
	defer d.wg.Done()
	log := d.logger.With("lane", l.name, "worker_id", id)
	log.Debug("starting worker")

	for {
		processed, err := d.processNext(d.ctx, l)
		if err != nil {
			log.Error("failed to process dispatch", "error", err)
		}
		if processed {
			select {
			case <-d.ctx.Done():
				log.Debug("stopping worker")
				return
			default:
				continue
			}
		}

		select {
		case <-d.ctx.Done():
			log.Debug("stopping worker")
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// ProcessOne reserves and runs at most one dispatch of the named lane. It
// reports whether a dispatch was run.
func (d *Dispatcher) ProcessOne(ctx context.Context, laneName string) (bool, error) {
	d.mu.Lock()
	l, ok := d.lanes[laneName]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoHandler, laneName)
	}
	return d.processNext(ctx, l)
}

func (d *Dispatcher) processNext(ctx context.Context, l *lane) (bool, error) {
	now := d.now()
	rec, err := d.broker.Reserve(ctx, l.name, now, now.Add(d.cfg.VisibilityTimeout))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	log := d.logger.With(
		"lane", l.name,
		"handle", rec.Handle,
		"task_id", rec.Message.TaskID,
		"attempt", rec.Attempt)
	delivery := &Delivery{
		Handle:  rec.Handle,
		Message: rec.Message,
		Attempt: rec.Attempt,
		broker:  d.broker,
		logger:  log,
	}

	// The attempt is not tied to the dispatcher's lifetime: once a task is
	// running it runs to a terminal state.
	runCtx := logger.WithLogger(context.WithoutCancel(ctx), log)

	start := time.Now()
	log.Info("processing dispatch")
	outcome := d.run(runCtx, l.handler, delivery)
	log.Info("dispatch attempt finished",
		"outcome", outcome.Kind.String(),
		"reason", outcome.Reason,
		"duration_ms", time.Since(start).Milliseconds())

	return true, d.settle(runCtx, l.handler, delivery, outcome, log)
}

// run executes the handler under the soft limit and abandons it at the hard
// limit.
func (d *Dispatcher) run(ctx context.Context, h Handler, delivery *Delivery) Outcome {
	softCtx, cancel := context.WithTimeout(ctx, d.cfg.SoftTimeLimit)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Fatal(fmt.Errorf("%w: %v", ErrHandlerPanic, p))
			}
		}()
		done <- h.Handle(softCtx, delivery)
	}()

	hard := time.NewTimer(d.cfg.HardTimeLimit)
	defer hard.Stop()

	select {
	case outcome := <-done:
		return outcome
	case <-hard.C:
		return Outcome{
			Kind:   OutcomeFatal,
			Err:    ErrHardTimeLimit,
			Reason: fmt.Sprintf("%s after %s", ErrHardTimeLimit, d.cfg.HardTimeLimit),
		}
	}
}

func (d *Dispatcher) settle(ctx context.Context, h Handler, delivery *Delivery, outcome Outcome, log *slog.Logger) error {
	now := d.now()

	switch outcome.Kind {
	case OutcomeSuccess, OutcomeSkipped:
		return d.broker.Complete(ctx, delivery.Handle, StatusSucceeded, outcome.Reason, now)

	case OutcomeRetryable:
		policy := delivery.Message.RetryPolicy
		retry := delivery.Attempt
		if retry <= policy.MaxRetries {
			delay := policy.Delay(retry, d.cfg.BackoffUnit)
			log.Warn("scheduling retry",
				"retry", retry,
				"max_retries", policy.MaxRetries,
				"delay", delay.String(),
				"error", outcome.Reason)
			return d.broker.Retry(ctx, delivery.Handle, now.Add(delay), outcome.Reason, now)
		}
		log.Error("retries exhausted", "max_retries", policy.MaxRetries, "error", outcome.Reason)
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", delivery.Attempt, outcome.Reason)
		return d.fail(ctx, h, delivery, reason, now)

	default:
		if errors.Is(outcome.Err, ErrHardTimeLimit) {
			// The abandoned handler may still be writing; its task is left
			// for the cleanup lane to report.
			return d.broker.Complete(ctx, delivery.Handle, StatusFailed, outcome.Reason, now)
		}
		return d.fail(ctx, h, delivery, outcome.Reason, now)
	}
}

func (d *Dispatcher) fail(ctx context.Context, h Handler, delivery *Delivery, reason string, now time.Time) error {
	if th, ok := h.(TerminalHandler); ok {
		th.OnTerminalFailure(ctx, delivery, reason)
	}
	return d.broker.Complete(ctx, delivery.Handle, StatusFailed, reason, now)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/shiba4life/datafold/internal/bus"
	"github.com/shiba4life/datafold/internal/fieldio"
	"github.com/shiba4life/datafold/internal/folderr"
	"github.com/shiba4life/datafold/internal/schema"
	"github.com/shiba4life/datafold/internal/store"
	"github.com/shiba4life/datafold/internal/transform"
)

// pollInterval is how long an idle worker sleeps before re-checking the
// queue.
const pollInterval = 10 * time.Millisecond

// Config controls orchestrator behaviour.
type Config struct {
	// Workers is the executor pool size. Defaults to 1.
	Workers int

	// Timeout is the wall-clock limit on a single transform execution.
	Timeout time.Duration

	// Retries bounds re-attempts of substrate failures while persisting
	// a transform result. Logic errors are never retried.
	Retries uint64

	// CascadeDepth bounds transform cascades per originating mutation.
	// Zero means unbounded.
	CascadeDepth int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{Workers: 1, Timeout: 5 * time.Second, Retries: 3}
}

// Orchestrator wires the event monitor, the persistent queue, and the
// executor pool together.
type Orchestrator struct {
	cfg        Config
	bus        *bus.Bus
	transforms *transform.Registry
	schemas    *schema.Registry
	fields     *fieldio.Service
	queue      *queue
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an Orchestrator, restoring any persisted queue state.
func New(cfg Config, b *bus.Bus, transforms *transform.Registry, schemas *schema.Registry, fields *fieldio.Service, s *store.Store, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	q, err := newQueue(newPersistenceManager(s))
	if err != nil {
		return nil, fmt.Errorf("restoring orchestrator queue: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		bus:        b,
		transforms: transforms,
		schemas:    schemas,
		fields:     fields,
		queue:      q,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Start launches the monitor, intake, and worker loops. It returns
// immediately; Stop drains in-flight work.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	o.group = group

	fieldEvents := bus.Subscribe[bus.FieldValueSet](o.bus)
	triggers := bus.Subscribe[bus.TransformTriggered](o.bus)

	group.Go(func() error {
		o.monitorLoop(ctx, fieldEvents)
		return nil
	})

	group.Go(func() error {
		o.intakeLoop(ctx, triggers)
		return nil
	})

	for i := 0; i < o.cfg.Workers; i++ {
		group.Go(func() error {
			o.workerLoop(ctx)
			return nil
		})
	}

	o.logger.Info("orchestrator started",
		slog.Int("workers", o.cfg.Workers),
		slog.Int("queued", o.queue.Len()),
	)
}

// Stop cancels the loops and waits for in-flight executions to finish.
// New dequeues are refused once cancellation is observed.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}

	o.cancel()
	_ = o.group.Wait()

	o.logger.Info("orchestrator stopped")
}

// QueueLen returns the number of queued entries, in-flight included.
func (o *Orchestrator) QueueLen() int { return o.queue.Len() }

// monitorLoop discovers transforms triggered by field writes and
// publishes a TransformTriggered per discovery. It never touches
// persistence; that is the queue's persistence manager's job.
func (o *Orchestrator) monitorLoop(ctx context.Context, events *bus.Subscription[bus.FieldValueSet]) {
	for {
		event, err := events.Recv(ctx)
		if err != nil {
			return
		}

		schemaName, fieldName, err := transform.SplitFieldPath(event.Field)
		if err != nil {
			o.logger.Error("malformed field path on FieldValueSet",
				slog.String("field", event.Field))
			continue
		}

		if o.cfg.CascadeDepth > 0 && event.Depth >= o.cfg.CascadeDepth {
			o.logger.Warn("cascade depth bound reached",
				slog.String("field", event.Field),
				slog.Int("depth", event.Depth),
			)
			continue
		}

		for _, id := range o.transforms.TransformsForField(schemaName, fieldName) {
			bus.Publish(o.bus, bus.TransformTriggered{
				TransformID: id,
				RangeKey:    event.RangeKey,
				Depth:       event.Depth,
			})
		}
	}
}

// intakeLoop enqueues triggered transforms with coalescing.
func (o *Orchestrator) intakeLoop(ctx context.Context, triggers *bus.Subscription[bus.TransformTriggered]) {
	for {
		event, err := triggers.Recv(ctx)
		if err != nil {
			return
		}

		added, err := o.queue.Enqueue(event.TransformID, event.RangeKey, event.Depth)
		if err != nil {
			o.logger.Error("enqueueing transform",
				slog.String("transform", event.TransformID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !added {
			o.logger.Debug("trigger coalesced", slog.String("transform", event.TransformID))
		}
	}
}

// workerLoop pulls entries and executes them until cancelled.
func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, ok := o.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
				continue
			}
		}

		o.execute(entry)

		if err := o.queue.Ack(entry.TransformID); err != nil {
			o.logger.Error("persisting queue state",
				slog.String("transform", entry.TransformID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// execute runs one transform: reads current inputs, evaluates the logic,
// persists the result through field I/O (the cascade path), and
// publishes TransformExecuted. Per-transform-id serialization is
// enforced by a mutex keyed on the id, not a global executor lock.
func (o *Orchestrator) execute(entry queueEntry) {
	lock := o.lockFor(entry.TransformID)
	lock.Lock()
	defer lock.Unlock()

	def, program, err := o.transforms.Get(entry.TransformID)
	if err != nil {
		// Unregistered since enqueue: the trigger is ignored.
		o.logger.Info("skipping unregistered transform",
			slog.String("transform", entry.TransformID))
		return
	}

	vars, err := o.bindInputs(def, entry)
	if err == nil {
		var result any

		result, err = o.eval(program, vars)
		if err == nil {
			err = o.writeOutput(def, entry, result)
		}

		if err == nil {
			bus.Publish(o.bus, bus.TransformExecuted{TransformID: entry.TransformID, Result: result})
			o.logger.Debug("transform executed", slog.String("transform", entry.TransformID))

			return
		}
	}

	o.logger.Error("transform failed",
		slog.String("transform", entry.TransformID),
		slog.String("error", err.Error()),
	)
	bus.Publish(o.bus, bus.TransformExecuted{TransformID: entry.TransformID, Error: err.Error()})
}

// bindInputs reads the current value of every input field and binds it
// to the logic's variable name. A missing input is a logic error, never
// retried.
func (o *Orchestrator) bindInputs(def *transform.Transform, entry queueEntry) (map[string]any, error) {
	vars := make(map[string]any, len(def.Inputs))

	for _, input := range def.Inputs {
		schemaName, fieldName, err := transform.SplitFieldPath(input)
		if err != nil {
			return nil, err
		}

		_, variant, err := o.schemas.FieldRefID(schemaName, fieldName)
		if err != nil {
			return nil, folderr.TransformLogic("input %q: %v", input, err)
		}

		var value any

		if variant == schema.VariantRange && entry.RangeKey != "" {
			value, err = o.fields.ReadRangeKey(schemaName, fieldName, entry.RangeKey)
		} else {
			value, err = o.fields.Read(schemaName, fieldName)
		}

		if err != nil {
			if errors.Is(err, folderr.ErrSubstrate) {
				return nil, err
			}

			return nil, folderr.TransformLogic("reading input %q: %v", input, err)
		}

		vars[fieldName] = value
	}

	return vars, nil
}

// eval runs the program under the configured wall-clock limit.
func (o *Orchestrator) eval(program *transform.Program, vars map[string]any) (any, error) {
	type outcome struct {
		value any
		err   error
	}

	ch := make(chan outcome, 1)

	go func() {
		value, err := program.Eval(vars)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-time.After(o.cfg.Timeout):
		return nil, folderr.TransformLogic("execution exceeded %s", o.cfg.Timeout)
	}
}

// writeOutput persists the result through field I/O, which republishes
// FieldValueSet and drives the cascade. Substrate failures retry with
// exponential backoff up to the configured bound.
func (o *Orchestrator) writeOutput(def *transform.Transform, entry queueEntry, result any) error {
	outSchema, outField, err := transform.SplitFieldPath(def.Output)
	if err != nil {
		return err
	}

	_, variant, err := o.schemas.FieldRefID(outSchema, outField)
	if err != nil {
		return folderr.TransformLogic("output %q: %v", def.Output, err)
	}

	opts := fieldio.WriteOptions{CascadeDepth: entry.Depth + 1}

	if variant == schema.VariantRange {
		if entry.RangeKey == "" {
			return folderr.InvalidData("transform %q writes range field %q without a range key", def.ID, def.Output)
		}

		opts.RangeKey = entry.RangeKey
	}

	write := func() error {
		err := o.fields.Write(outSchema, outField, result, "transform_orchestrator", "transform:"+def.ID, opts)
		if err != nil && !folderr.Retryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.cfg.Retries)

	return backoff.Retry(write, policy)
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()

	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}

	return lock
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gridsync/internal/models"
)

var (
	// ErrMissingHandler is returned when an event type has no registered handler
	ErrMissingHandler = errors.New("no handler registered for event type")
	// ErrPlaceholderMismatch is returned when a consolidated row add has a
	// different number of placeholder ids and rows
	ErrPlaceholderMismatch = errors.New("placeholder count does not match row count")
	// ErrCorruptHistory is returned when the history index is out of range
	ErrCorruptHistory = errors.New("history log is corrupted")
	// ErrHandlerPanic wraps a panic raised inside a handler
	ErrHandlerPanic = errors.New("handler panicked")
	// ErrQueueClosed is returned when enqueueing into a stopped processor
	ErrQueueClosed = errors.New("event queue is closed")
	// ErrAlreadyRunning is returned by Start when the processor was started before
	ErrAlreadyRunning = errors.New("processor already started")
	// ErrNilPayload is returned when enqueueing an event without payload
	ErrNilPayload = errors.New("event payload is nil")
	// ErrInvalidMarker is returned for a history marker with an unknown direction
	ErrInvalidMarker = errors.New("invalid history marker direction")
)

// Processor batches and dispatches the change events of one table session and
// keeps its undo/redo history. One goroutine owns the pending batches and the
// history; handlers run concurrently and report back to it.
type Processor struct {
	logger *logrus.Logger
	opts   options

	queue    *queue
	history  *History
	batches  []*pendingBatch // flush order: dataChange, rowAdd
	disp     *dispatcher
	results  chan Result
	requests chan chan models.HistoryLog
	inflight int

	stats counters

	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	err       error
}

// New creates a processor. A handler table with missing entries is rejected.
func New(handlers Handlers, logger *logrus.Logger, opts ...Option) (*Processor, error) {
	if err := handlers.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	p := &Processor{
		logger:   logger,
		opts:     o,
		queue:    newQueue(),
		history:  NewHistory(o.historyLimit),
		results:  make(chan Result),
		requests: make(chan chan models.HistoryLog),
		done:     make(chan struct{}),
	}
	p.batches = []*pendingBatch{
		newPendingBatch(models.TypeDataChange, o.dataChangeDebounce),
		newPendingBatch(models.TypeRowAdd, o.rowAddDebounce),
	}
	p.disp = &dispatcher{handlers: handlers, results: p.results, done: p.done}
	return p, nil
}

// Start launches the consumption loop. Cancelling ctx flushes pending batches
// and stops the loop without waiting for running handlers; Stop drains the
// queue and waits for them.
func (p *Processor) Start(ctx context.Context) error {
	err := ErrAlreadyRunning
	p.startOnce.Do(func() {
		err = nil
		p.started.Store(true)
		go p.run(ctx)
	})
	return err
}

// Enqueue adds an event to the queue without blocking
func (p *Processor) Enqueue(payload models.Payload, scope models.Scope) error {
	if payload == nil {
		return ErrNilPayload
	}
	if m, ok := payload.(models.HistoryMarker); ok && m.Direction != models.Forward && m.Direction != models.Backward {
		return fmt.Errorf("%w: %q", ErrInvalidMarker, m.Direction)
	}
	if err := p.queue.push(models.ChangeEvent{Payload: payload, Scope: scope}); err != nil {
		return err
	}
	p.stats.enqueued.Add(1)
	return nil
}

// Undo enqueues an undo marker
func (p *Processor) Undo() error {
	return p.Enqueue(models.HistoryMarker{Direction: models.Backward}, nil)
}

// Redo enqueues a redo marker
func (p *Processor) Redo() error {
	return p.Enqueue(models.HistoryMarker{Direction: models.Forward}, nil)
}

// Stop closes the queue, lets the loop process what is left, flush pending
// batches and wait for running handlers. It returns the fatal error that
// stopped the loop, if any.
func (p *Processor) Stop(ctx context.Context) error {
	p.queue.close()
	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop has exited
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error that stopped the loop, or nil while running
func (p *Processor) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// History returns a snapshot of the undo/redo log
func (p *Processor) History(ctx context.Context) (models.HistoryLog, error) {
	reply := make(chan models.HistoryLog, 1)
	select {
	case p.requests <- reply:
	case <-p.done:
		return models.HistoryLog{}, ErrQueueClosed
	case <-ctx.Done():
		return models.HistoryLog{}, ctx.Err()
	}

	select {
	case log := <-reply:
		return log, nil
	case <-ctx.Done():
		return models.HistoryLog{}, ctx.Err()
	}
}

func (p *Processor) run(ctx context.Context) {
	p.logger.Debug("Starting event processor")

	err := p.loop(ctx)
	if err != nil {
		p.queue.close()
		p.logger.Errorf("Event processor stopped: %v", err)
	} else {
		p.logger.Debug("Event processor stopped")
	}

	p.err = err
	close(p.done)
}

func (p *Processor) loop(ctx context.Context) error {
	// Handlers keep running when the loop is cancelled
	hctx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Context cancelled, flushing pending batches")
			p.queue.close()
			return p.flushAll(hctx)

		case <-p.queue.ready:
			if err := p.drain(hctx); err != nil {
				return err
			}
			if p.queue.drained() {
				if err := p.flushAll(hctx); err != nil {
					return err
				}
				return p.awaitInflight(ctx)
			}

		case <-p.batches[0].timerC:
			if err := p.expire(hctx, p.batches[0]); err != nil {
				return err
			}

		case <-p.batches[1].timerC:
			if err := p.expire(hctx, p.batches[1]); err != nil {
				return err
			}

		case res := <-p.results:
			if err := p.complete(res); err != nil {
				return err
			}

		case reply := <-p.requests:
			reply <- p.history.Snapshot()
		}
	}
}

// drain handles everything currently queued
func (p *Processor) drain(ctx context.Context) error {
	for {
		ev, ok := p.queue.tryTake()
		if !ok {
			return nil
		}
		if err := p.handle(ctx, ev, false); err != nil {
			return err
		}
	}
}

// expire handles a fired debounce window. Events queued in the meantime are
// taken first; the batch is flushed only if none of them restarted the window.
func (p *Processor) expire(ctx context.Context, b *pendingBatch) error {
	b.expired()
	if err := p.drain(ctx); err != nil {
		return err
	}
	if b.waiting() {
		return nil
	}
	return p.flush(ctx, b)
}

func (p *Processor) handle(ctx context.Context, ev models.ChangeEvent, replay bool) error {
	switch Classify(ev) {
	case ClassData:
		b := p.batchFor(ev.Type())
		if !b.accepts(ev, replay) {
			p.logger.Debugf("Scope changed, flushing %s batch of %d events", b.typ, len(b.batch.Events))
			if err := p.flush(ctx, b); err != nil {
				return err
			}
		}
		b.add(ev, replay)
		return nil

	case ClassHistory:
		if err := p.flushAll(ctx); err != nil {
			return err
		}
		marker, _ := ev.Payload.(models.HistoryMarker)
		replayed, ok, err := p.history.Resolve(marker)
		if err != nil {
			return err
		}
		if !ok {
			p.logger.Debugf("Nothing to replay for %s marker", ev.Type())
			return nil
		}
		p.stats.replayed.Add(1)
		return p.handle(ctx, replayed, true)

	default:
		if err := p.flushAll(ctx); err != nil {
			return err
		}
		return p.dispatch(ctx, ev, replay)
	}
}

func (p *Processor) batchFor(t models.EventType) *pendingBatch {
	for _, b := range p.batches {
		if b.typ == t {
			return b
		}
	}
	// Classify only reports batchable types as data
	panic(fmt.Sprintf("processor: no batch for %s", t))
}

// flushAll flushes every pending batch in fixed order
func (p *Processor) flushAll(ctx context.Context) error {
	for _, b := range p.batches {
		if err := p.flush(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// flush consolidates and dispatches a pending batch
func (p *Processor) flush(ctx context.Context, b *pendingBatch) error {
	batch, replay := b.take()
	if batch.IsEmpty() {
		return nil
	}

	var ev models.ChangeEvent
	switch b.typ {
	case models.TypeDataChange:
		var ok bool
		ev, ok = ConsolidateDataChange(batch.Events)
		if !ok {
			p.stats.noops.Add(1)
			p.logger.Debugf("Dropped %s batch of %d events with no net change", b.typ, len(batch.Events))
			return nil
		}
	case models.TypeRowAdd:
		var err error
		ev, err = ConsolidateRowAdd(batch.Events)
		if err != nil {
			return err
		}
	}

	p.stats.coalesced.Add(uint64(len(batch.Events) - 1))
	p.logger.Debugf("Flushing %s batch of %d events for scope %s", b.typ, len(batch.Events), batch.Scope)
	return p.dispatch(ctx, ev, replay)
}

// dispatch starts the handler for ev. Original events enter the history here,
// in dispatch order, so a marker that follows resolves against them even while
// their handler is still running.
func (p *Processor) dispatch(ctx context.Context, ev models.ChangeEvent, replay bool) error {
	var seq uint64
	if !replay {
		var err error
		if seq, err = p.history.Record(ev); err != nil {
			return err
		}
	}
	if err := p.disp.dispatch(ctx, ev, replay, seq); err != nil {
		if seq != 0 {
			p.history.Remove(seq)
		}
		return err
	}
	p.inflight++
	p.stats.dispatched.Add(1)
	if p.opts.onDispatch != nil {
		p.opts.onDispatch(ev, replay)
	}
	return nil
}

// complete records a finished handler run
func (p *Processor) complete(res Result) error {
	p.inflight--

	if res.Err != nil {
		p.stats.failed.Add(1)
		p.logger.Errorf("Handler for %s failed after %s: %v", res.Event.Type(), res.Duration, res.Err)
		// the change never happened remotely
		if res.seq != 0 && !p.history.Remove(res.seq) {
			p.logger.Debugf("Failed %s event already left the history", res.Event.Type())
		}
	} else {
		p.logger.Debugf("Handler for %s completed in %s", res.Event.Type(), res.Duration)
	}

	if p.opts.onResult != nil {
		p.opts.onResult(res)
	}
	return nil
}

// awaitInflight waits for running handlers after the queue has been drained
func (p *Processor) awaitInflight(ctx context.Context) error {
	for p.inflight > 0 {
		select {
		case res := <-p.results:
			if err := p.complete(res); err != nil {
				return err
			}
		case reply := <-p.requests:
			reply <- p.history.Snapshot()
		case <-ctx.Done():
			p.logger.Warnf("Stopped with %d handlers still running", p.inflight)
			return nil
		}
	}
	return nil
}

// Stats returns the processor counters
func (p *Processor) Stats() Stats {
	return p.stats.snapshot()
}

// Stats holds processor counters
type Stats struct {
	Enqueued   uint64 // events accepted by Enqueue
	Dispatched uint64 // handler invocations started
	Coalesced  uint64 // events merged into another dispatch
	NoOps      uint64 // consolidated batches dropped for having no net change
	Replayed   uint64 // undo/redo markers that produced an event
	Failed     uint64 // handler invocations that returned an error
}

type counters struct {
	enqueued   atomic.Uint64
	dispatched atomic.Uint64
	coalesced  atomic.Uint64
	noops      atomic.Uint64
	replayed   atomic.Uint64
	failed     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Enqueued:   c.enqueued.Load(),
		Dispatched: c.dispatched.Load(),
		Coalesced:  c.coalesced.Load(),
		NoOps:      c.noops.Load(),
		Replayed:   c.replayed.Load(),
		Failed:     c.failed.Load(),
	}
}

// Option configures a Processor
type Option func(*options)

type options struct {
	dataChangeDebounce time.Duration
	rowAddDebounce     time.Duration
	historyLimit       int
	onResult           func(Result)
	onDispatch         func(models.ChangeEvent, bool)
}

func defaultOptions() options {
	return options{
		dataChangeDebounce: DefaultDataChangeDebounce,
		rowAddDebounce:     DefaultRowAddDebounce,
	}
}

// WithDataChangeDebounce sets the debounce window for dataChange runs
func WithDataChangeDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dataChangeDebounce = d
		}
	}
}

// WithRowAddDebounce sets the debounce window for rowAdd runs
func WithRowAddDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.rowAddDebounce = d
		}
	}
}

// WithHistoryLimit caps the number of history entries. 0 keeps everything.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		o.historyLimit = n
	}
}

// WithResultHandler registers a callback invoked on the processor goroutine
// for every finished handler. It must not block.
func WithResultHandler(fn func(Result)) Option {
	return func(o *options) {
		o.onResult = fn
	}
}

// WithDispatchHook registers a callback invoked on the processor goroutine
// each time a handler is started, in dispatch order. The boolean reports
// whether the event is an undo/redo replay. It must not block.
func WithDispatchHook(fn func(ev models.ChangeEvent, replay bool)) Option {
	return func(o *options) {
		o.onDispatch = fn
	}
}

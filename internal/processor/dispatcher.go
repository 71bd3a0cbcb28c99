package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"gridsync/internal/models"
)

// HandlerFunc performs the remote operation for one payload type
type HandlerFunc[P models.Payload] func(ctx context.Context, payload P, scope models.Scope) error

// Handlers maps every non-marker event type to exactly one handler
type Handlers struct {
	DataChange         HandlerFunc[models.DataChange]
	RowAdd             HandlerFunc[models.RowAdd]
	RowInsert          HandlerFunc[models.RowInsert]
	RowDelete          HandlerFunc[models.RowDelete]
	RowPositionChanged HandlerFunc[models.RowPositionChanged]
	RowAddToGroup      HandlerFunc[models.RowAddToGroup]
	RowRemoveFromGroup HandlerFunc[models.RowRemoveFromGroup]
	GroupAdd           HandlerFunc[models.GroupAdd]
	GroupUpdate        HandlerFunc[models.GroupUpdate]
	GroupDelete        HandlerFunc[models.GroupDelete]
	MarkupAdd          HandlerFunc[models.MarkupAdd]
	MarkupUpdate       HandlerFunc[models.MarkupUpdate]
	MarkupDelete       HandlerFunc[models.MarkupDelete]
}

// Validate returns ErrMissingHandler naming every event type without a handler
func (h Handlers) Validate() error {
	var missing []string
	check := func(t models.EventType, set bool) {
		if !set {
			missing = append(missing, string(t))
		}
	}
	check(models.TypeDataChange, h.DataChange != nil)
	check(models.TypeRowAdd, h.RowAdd != nil)
	check(models.TypeRowInsert, h.RowInsert != nil)
	check(models.TypeRowDelete, h.RowDelete != nil)
	check(models.TypeRowPositionChanged, h.RowPositionChanged != nil)
	check(models.TypeRowAddToGroup, h.RowAddToGroup != nil)
	check(models.TypeRowRemoveFromGroup, h.RowRemoveFromGroup != nil)
	check(models.TypeGroupAdd, h.GroupAdd != nil)
	check(models.TypeGroupUpdate, h.GroupUpdate != nil)
	check(models.TypeGroupDelete, h.GroupDelete != nil)
	check(models.TypeMarkupAdd, h.MarkupAdd != nil)
	check(models.TypeMarkupUpdate, h.MarkupUpdate != nil)
	check(models.TypeMarkupDelete, h.MarkupDelete != nil)

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHandler, strings.Join(missing, ", "))
	}
	return nil
}

// Result reports the completion of one handler invocation
type Result struct {
	Event    models.ChangeEvent
	Replay   bool // the event was produced by an undo/redo marker
	Err      error
	Duration time.Duration

	seq uint64 // history entry of an original event, 0 for replays
}

// bind resolves the handler for an event. The returned function runs the
// handler synchronously.
func (h Handlers) bind(ev models.ChangeEvent) (func(context.Context) error, error) {
	scope := ev.Scope
	switch p := ev.Payload.(type) {
	case models.DataChange:
		return call(h.DataChange, p, scope)
	case models.RowAdd:
		return call(h.RowAdd, p, scope)
	case models.RowInsert:
		return call(h.RowInsert, p, scope)
	case models.RowDelete:
		return call(h.RowDelete, p, scope)
	case models.RowPositionChanged:
		return call(h.RowPositionChanged, p, scope)
	case models.RowAddToGroup:
		return call(h.RowAddToGroup, p, scope)
	case models.RowRemoveFromGroup:
		return call(h.RowRemoveFromGroup, p, scope)
	case models.GroupAdd:
		return call(h.GroupAdd, p, scope)
	case models.GroupUpdate:
		return call(h.GroupUpdate, p, scope)
	case models.GroupDelete:
		return call(h.GroupDelete, p, scope)
	case models.MarkupAdd:
		return call(h.MarkupAdd, p, scope)
	case models.MarkupUpdate:
		return call(h.MarkupUpdate, p, scope)
	case models.MarkupDelete:
		return call(h.MarkupDelete, p, scope)
	default:
		return nil, fmt.Errorf("%w: %s", ErrMissingHandler, ev.Type())
	}
}

func call[P models.Payload](fn HandlerFunc[P], p P, scope models.Scope) (func(context.Context) error, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingHandler, p.EventType())
	}
	return func(ctx context.Context) error {
		return fn(ctx, p, scope)
	}, nil
}

// dispatcher starts handlers without waiting for them. Completions are
// delivered on results until done is closed.
type dispatcher struct {
	handlers Handlers
	results  chan Result
	done     <-chan struct{}
}

// dispatch starts the handler for ev in its own goroutine. It only fails when
// no handler exists for the event, which is fatal for the pipeline.
func (d *dispatcher) dispatch(ctx context.Context, ev models.ChangeEvent, replay bool, seq uint64) error {
	run, err := d.handlers.bind(ev)
	if err != nil {
		return err
	}

	if replay {
		ctx = context.WithValue(ctx, replayKey{}, true)
	}

	go func() {
		start := time.Now()
		err := runRecovered(ctx, run)
		res := Result{Event: ev, Replay: replay, Err: err, Duration: time.Since(start), seq: seq}
		select {
		case d.results <- res:
		case <-d.done:
		}
	}()
	return nil
}

type replayKey struct{}

// IsReplay reports whether a handler was invoked for an undo/redo replay
func IsReplay(ctx context.Context) bool {
	replay, _ := ctx.Value(replayKey{}).(bool)
	return replay
}

// runRecovered converts a handler panic into an error
func runRecovered(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()
	return run(ctx)
}

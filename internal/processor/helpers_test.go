package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"gridsync/internal/models"
)

// recorder is a handler table that records every call
type recorder struct {
	mu    sync.Mutex
	calls []models.ChangeEvent
	fail  map[models.EventType]error
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[models.EventType]error)}
}

func (r *recorder) record(ev models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ev)
	return r.fail[ev.Type()]
}

func (r *recorder) failOn(t models.EventType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[t] = err
}

func (r *recorder) snapshot() []models.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeEvent(nil), r.calls...)
}

func recordAs[P models.Payload](r *recorder) HandlerFunc[P] {
	return func(_ context.Context, p P, scope models.Scope) error {
		return r.record(models.ChangeEvent{Payload: p, Scope: scope})
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		DataChange:         recordAs[models.DataChange](r),
		RowAdd:             recordAs[models.RowAdd](r),
		RowInsert:          recordAs[models.RowInsert](r),
		RowDelete:          recordAs[models.RowDelete](r),
		RowPositionChanged: recordAs[models.RowPositionChanged](r),
		RowAddToGroup:      recordAs[models.RowAddToGroup](r),
		RowRemoveFromGroup: recordAs[models.RowRemoveFromGroup](r),
		GroupAdd:           recordAs[models.GroupAdd](r),
		GroupUpdate:        recordAs[models.GroupUpdate](r),
		GroupDelete:        recordAs[models.GroupDelete](r),
		MarkupAdd:          recordAs[models.MarkupAdd](r),
		MarkupUpdate:       recordAs[models.MarkupUpdate](r),
		MarkupDelete:       recordAs[models.MarkupDelete](r),
	}
}

// dispatchLog collects dispatches in start order
type dispatchLog struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	replay []bool
}

func (d *dispatchLog) hook(ev models.ChangeEvent, replay bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	d.replay = append(d.replay, replay)
}

func (d *dispatchLog) types() []models.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.EventType, len(d.events))
	for i, ev := range d.events {
		out[i] = ev.Type()
	}
	return out
}

func (d *dispatchLog) get() ([]models.ChangeEvent, []bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.ChangeEvent(nil), d.events...), append([]bool(nil), d.replay...)
}

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func startProcessor(t *testing.T, h Handlers, opts ...Option) *Processor {
	t.Helper()
	p, err := New(h, nullLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func stop(t *testing.T, p *Processor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Stop(ctx)
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func edit(row, field string, old, new interface{}) models.DataChange {
	return models.DataChange{Rows: []models.RowChange{{
		RowID:   row,
		Changes: map[string]models.FieldChange{field: {Old: old, New: new}},
	}}}
}

func dataEvent(scope models.Scope, row, field string, old, new interface{}) models.ChangeEvent {
	return models.ChangeEvent{Payload: edit(row, field, old, new), Scope: scope}
}

package handlers

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"gridsync/internal/models"
	"gridsync/internal/processor"
	"gridsync/internal/store"
	"gridsync/internal/transform"
)

// Store is the remote side of every grid operation
type Store interface {
	UpdateCells(ctx context.Context, scope models.Scope, p models.DataChange) error
	AddRows(ctx context.Context, scope models.Scope, p models.RowAdd) error
	InsertRows(ctx context.Context, scope models.Scope, rows []models.PositionedRow) error
	DeleteRows(ctx context.Context, scope models.Scope, rows []models.PositionedRow) error
	MoveRow(ctx context.Context, scope models.Scope, p models.RowPositionChanged) error
	SetGroup(ctx context.Context, scope models.Scope, rowIDs []string, groupID interface{}) error
	PutDocument(ctx context.Context, kind store.Kind, scope models.Scope, id string, data models.Row) error
	DeleteDocument(ctx context.Context, kind store.Kind, scope models.Scope, id string) error
	UpdateDocument(ctx context.Context, kind store.Kind, scope models.Scope, id string, changes map[string]models.FieldChange) error
}

// Notifier publishes applied changes
type Notifier interface {
	Publish(n *models.Notification) error
}

// Transformer rewrites notifications before they are published
type Transformer interface {
	Transform(n *models.Notification) (*models.Notification, error)
}

type sink struct {
	session     string
	store       Store
	notifier    Notifier
	transformer Transformer
	logger      *logrus.Logger
}

// New builds the handler table of one session. Each handler applies its
// operation to the store and then publishes a notification. notifier and
// transformer may be nil.
func New(session string, st Store, notifier Notifier, transformer Transformer, logger *logrus.Logger) processor.Handlers {
	s := &sink{
		session:     session,
		store:       st,
		notifier:    notifier,
		transformer: transformer,
		logger:      logger,
	}

	return processor.Handlers{
		DataChange: apply(s, func(ctx context.Context, p models.DataChange, scope models.Scope) error {
			return st.UpdateCells(ctx, scope, p)
		}),
		RowAdd: apply(s, func(ctx context.Context, p models.RowAdd, scope models.Scope) error {
			return st.AddRows(ctx, scope, p)
		}),
		RowInsert: apply(s, func(ctx context.Context, p models.RowInsert, scope models.Scope) error {
			return st.InsertRows(ctx, scope, p.Rows)
		}),
		RowDelete: apply(s, func(ctx context.Context, p models.RowDelete, scope models.Scope) error {
			return st.DeleteRows(ctx, scope, p.Rows)
		}),
		RowPositionChanged: apply(s, func(ctx context.Context, p models.RowPositionChanged, scope models.Scope) error {
			return st.MoveRow(ctx, scope, p)
		}),
		RowAddToGroup: apply(s, func(ctx context.Context, p models.RowAddToGroup, scope models.Scope) error {
			return st.SetGroup(ctx, scope, p.RowIDs, p.GroupID)
		}),
		RowRemoveFromGroup: apply(s, func(ctx context.Context, p models.RowRemoveFromGroup, scope models.Scope) error {
			return st.SetGroup(ctx, scope, p.RowIDs, nil)
		}),
		GroupAdd: apply(s, func(ctx context.Context, p models.GroupAdd, scope models.Scope) error {
			return st.PutDocument(ctx, store.KindGroup, scope, p.GroupID, p.Data)
		}),
		GroupUpdate: apply(s, func(ctx context.Context, p models.GroupUpdate, scope models.Scope) error {
			return st.UpdateDocument(ctx, store.KindGroup, scope, p.GroupID, p.Changes)
		}),
		GroupDelete: apply(s, func(ctx context.Context, p models.GroupDelete, scope models.Scope) error {
			return st.DeleteDocument(ctx, store.KindGroup, scope, p.GroupID)
		}),
		MarkupAdd: apply(s, func(ctx context.Context, p models.MarkupAdd, scope models.Scope) error {
			return st.PutDocument(ctx, store.KindMarkup, scope, p.MarkupID, p.Data)
		}),
		MarkupUpdate: apply(s, func(ctx context.Context, p models.MarkupUpdate, scope models.Scope) error {
			return st.UpdateDocument(ctx, store.KindMarkup, scope, p.MarkupID, p.Changes)
		}),
		MarkupDelete: apply(s, func(ctx context.Context, p models.MarkupDelete, scope models.Scope) error {
			return st.DeleteDocument(ctx, store.KindMarkup, scope, p.MarkupID)
		}),
	}
}

// apply wraps a store operation so a successful call is followed by a notification
func apply[P models.Payload](s *sink, op processor.HandlerFunc[P]) processor.HandlerFunc[P] {
	return func(ctx context.Context, p P, scope models.Scope) error {
		if err := op(ctx, p, scope); err != nil {
			return err
		}
		s.notify(ctx, models.ChangeEvent{Payload: p, Scope: scope})
		return nil
	}
}

// notify never fails the handler: the change is already applied
func (s *sink) notify(ctx context.Context, ev models.ChangeEvent) {
	if s.notifier == nil {
		return
	}

	n := models.NewNotification(s.session, ev, processor.IsReplay(ctx))
	if s.transformer != nil {
		out, err := s.transformer.Transform(n)
		if errors.Is(err, transform.ErrNotificationRejected) {
			return
		}
		if err != nil {
			s.logger.Errorf("Failed to transform %s notification: %v", ev.Type(), err)
			return
		}
		n = out
	}

	if err := s.notifier.Publish(n); err != nil {
		s.logger.Errorf("Failed to publish %s notification: %v", ev.Type(), err)
	}
}

// FailureNotifier publishes failed operations to the grid clients
type FailureNotifier interface {
	PublishFailure(n *models.Notification) error
}

// ReportResults returns a processor result callback for one session. Failed
// operations are published so the client can roll back its optimistic state.
func ReportResults(session string, notifier FailureNotifier, logger *logrus.Logger) func(processor.Result) {
	return func(r processor.Result) {
		if r.Err == nil {
			logger.Debugf("Session %s: applied %s in %v (replay=%t)", session, r.Event.Type(), r.Duration, r.Replay)
			return
		}

		logger.Warnf("Session %s: %s failed after %v: %v", session, r.Event.Type(), r.Duration, r.Err)
		if notifier == nil {
			return
		}
		n := models.NewFailureNotification(session, r.Event, r.Replay, r.Err)
		if err := notifier.PublishFailure(n); err != nil {
			logger.Errorf("Failed to publish %s failure: %v", r.Event.Type(), err)
		}
	}
}

package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"gridsync/internal/models"
)

// ErrBadSubject is returned for messages outside <prefix>.<session>
var ErrBadSubject = errors.New("subject does not name a session")

// Router delivers a decoded grid event to the pipeline of its session
type Router interface {
	Route(ctx context.Context, session string, ev models.ChangeEvent) error
}

// Subscriber consumes grid events published by clients on <prefix>.<session>
type Subscriber struct {
	conn   *nats.Conn
	prefix string
	router Router
	logger *logrus.Logger
	ctx    context.Context
	sub    *nats.Subscription
}

// NewSubscriber creates a subscriber. Call Start to begin consuming.
func NewSubscriber(conn *nats.Conn, prefix string, router Router, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		router: router,
		logger: logger,
	}
}

// Start subscribes to all sessions. ctx is passed to the router.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	sub, err := s.conn.Subscribe(s.prefix+".*", s.onMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", s.prefix, err)
	}
	s.sub = sub
	s.logger.Infof("Listening for grid events on %s.*", s.prefix)
	return nil
}

// Stop drains the subscription so in-flight messages are still routed
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	err := s.handle(msg.Subject, msg.Data)
	if err != nil {
		s.logger.Warnf("Rejected grid event on %s: %v", msg.Subject, err)
	}
	if msg.Reply == "" {
		return
	}
	reply := []byte("ok")
	if err != nil {
		reply = []byte("error: " + err.Error())
	}
	if rerr := msg.Respond(reply); rerr != nil {
		s.logger.Debugf("Failed to reply on %s: %v", msg.Reply, rerr)
	}
}

func (s *Subscriber) handle(subject string, data []byte) error {
	session, ok := sessionFromSubject(s.prefix, subject)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadSubject, subject)
	}
	ev, err := models.DecodeEvent(data)
	if err != nil {
		return err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.router.Route(ctx, session, ev); err != nil {
		return fmt.Errorf("failed to route %s event for session %s: %w", ev.Type(), session, err)
	}
	s.logger.Debugf("Routed %s event for session %s", ev.Type(), session)
	return nil
}

func sessionFromSubject(prefix, subject string) (string, bool) {
	session := strings.TrimPrefix(subject, prefix+".")
	if session == subject || session == "" || strings.Contains(session, ".") {
		return "", false
	}
	return session, true
}

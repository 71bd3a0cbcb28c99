package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/models"
)

// Publisher publishes applied-change notifications to NATS
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// Connect opens a NATS connection with reconnect logging
func Connect(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("gridsync"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return conn, nil
}

// NewPublisher creates a publisher for notifications under subject
func NewPublisher(conn *nats.Conn, subject string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Publish sends n on <subject>.<event type>
func (p *Publisher) Publish(n *models.Notification) error {
	data, err := encodeNotification(n)
	if err != nil {
		return err
	}

	subject := notificationSubject(p.subject, n.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s notification for %s on %s", n.Type, n.Table, subject)
	return nil
}

// PublishFailure sends a failed-operation notification on <subject>.error
func (p *Publisher) PublishFailure(n *models.Notification) error {
	data, err := encodeNotification(n)
	if err != nil {
		return err
	}

	subject := failureSubject(p.subject)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s failure for session %s on %s", n.Type, n.Session, subject)
	return nil
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Flush(); err != nil {
		p.logger.Warnf("Failed to flush NATS connection: %v", err)
	}
	p.conn.Close()
}

// Conn returns the underlying NATS connection
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}

// encodeNotification prefers the script output when one was produced
func encodeNotification(n *models.Notification) ([]byte, error) {
	if len(n.RawJSON) > 0 {
		return n.RawJSON, nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return data, nil
}

func notificationSubject(prefix string, t models.EventType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(t)
}

func failureSubject(prefix string) string {
	return strings.TrimSuffix(prefix, ".") + ".error"
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"gridsync/internal/models"
	"gridsync/internal/processor"
)

// ErrClosed is returned once CloseAll has been called
var ErrClosed = errors.New("session manager is closed")

// Factory creates the processor of a session
type Factory func(session string) (*processor.Processor, error)

// Manager owns one processor per grid session. Processors are created on the
// first event of a session and keep their own history.
type Manager struct {
	ctx     context.Context
	factory Factory
	logger  *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*processor.Processor
	closed   bool
}

// NewManager creates a manager. Processors are started with ctx.
func NewManager(ctx context.Context, factory Factory, logger *logrus.Logger) *Manager {
	return &Manager{
		ctx:      ctx,
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*processor.Processor),
	}
}

// Get returns the processor of session, starting one if needed. A processor
// that stopped on a fatal error is replaced.
func (m *Manager) Get(session string) (*processor.Processor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if p, ok := m.sessions[session]; ok {
		select {
		case <-p.Done():
			m.logger.Warnf("Processor of session %s stopped (%v), starting a new one", session, p.Err())
			delete(m.sessions, session)
		default:
			return p, nil
		}
	}

	p, err := m.factory(session)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor for session %s: %w", session, err)
	}
	if err := p.Start(m.ctx); err != nil {
		return nil, fmt.Errorf("failed to start processor for session %s: %w", session, err)
	}
	m.sessions[session] = p
	m.logger.Infof("Started processor for session %s", session)
	return p, nil
}

// Route enqueues ev into the processor of session
func (m *Manager) Route(_ context.Context, session string, ev models.ChangeEvent) error {
	p, err := m.Get(session)
	if err != nil {
		return err
	}
	return p.Enqueue(ev.Payload, ev.Scope)
}

// Close stops the processor of one session and forgets it
func (m *Manager) Close(ctx context.Context, session string) error {
	m.mu.Lock()
	p, ok := m.sessions[session]
	delete(m.sessions, session)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return p.Stop(ctx)
}

// Sessions returns the ids of the running sessions in sorted order
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll stops every processor, waiting for pending batches and running
// handlers until ctx expires
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*processor.Processor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(sessions))
	for id, p := range sessions {
		wg.Add(1)
		go func(id string, p *processor.Processor) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				errs <- fmt.Errorf("session %s: %w", id, err)
			}
		}(id, p)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

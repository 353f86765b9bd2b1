// Package publisher routes audit events by category.
//
// Compliance events go through the fail-closed compliance publisher, security
// events are appended synchronously, and operations events are best-effort:
// buffered when an async buffer is configured, logged and dropped on failure.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/audit/publishers/compliance"
	"fiscalbridge/pkg/requestcontext"
)

type Publisher struct {
	store      audit.Store
	compliance *compliance.Publisher
	logger     *slog.Logger

	bufferSize int
	buffer     chan audit.Event
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer enables buffered delivery of operations events.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.bufferSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithCompliancePublisher overrides the default compliance publisher.
func WithCompliancePublisher(c *compliance.Publisher) Option {
	return func(p *Publisher) {
		p.compliance = c
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.compliance == nil {
		p.compliance = compliance.New(store, compliance.WithLogger(p.logger))
	}
	if p.bufferSize > 0 {
		p.buffer = make(chan audit.Event, p.bufferSize)
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit stamps the event with request metadata and routes it by category.
// Only compliance and security failures are returned.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	event.Category = audit.AuditEvent(event.Action).Category()

	switch event.Category {
	case audit.CategoryCompliance:
		return p.compliance.Emit(ctx, event)
	case audit.CategorySecurity:
		return p.store.Append(ctx, event)
	}

	if p.buffer != nil {
		select {
		case p.buffer <- event:
		default:
			p.logger.WarnContext(ctx, "audit buffer full, dropping operations event",
				"action", event.Action,
				"subject", event.Subject,
			)
		}
		return nil
	}
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "failed to persist operations audit event",
			"action", event.Action,
			"subject", event.Subject,
			"error", err,
		)
	}
	return nil
}

// List returns events recorded for a subject.
func (p *Publisher) List(ctx context.Context, subject string) ([]audit.Event, error) {
	return p.store.ListBySubject(ctx, subject)
}

// Close drains buffered events. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.buffer != nil {
			close(p.buffer)
			p.wg.Wait()
		}
	})
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Append(ctx, event); err != nil {
			p.logger.Warn("failed to persist buffered audit event",
				"action", event.Action,
				"subject", event.Subject,
				"error", err,
			)
		}
		cancel()
	}
}

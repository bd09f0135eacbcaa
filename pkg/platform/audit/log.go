// Package audit is the append-only trail of authorization decisions and
// confidential data access.
//
// Log.Append is synchronous and fail-closed: when it returns an error the
// caller must treat its own operation as failed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/requestcontext"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500

	defaultAttempts = 3
	defaultBackoff  = 20 * time.Millisecond
)

// Store persists entries. It deliberately has no update or delete.
type Store interface {
	// Append persists the entry and returns its sequence number.
	Append(ctx context.Context, entry Entry) (int64, error)
	// Query returns entries with Seq > filter.After matching the filter, in
	// ascending order, at most filter.Limit of them.
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// Log stamps, persists and queries audit entries.
type Log struct {
	store    Store
	logger   *slog.Logger
	metrics  *Metrics
	attempts int
	backoff  time.Duration

	mu   sync.Mutex
	last time.Time
}

// Option configures the Log.
type Option func(*Log)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// WithRetry sets how many times a failed append is attempted and the linear
// backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Log) {
		if attempts > 0 {
			l.attempts = attempts
		}
		l.backoff = backoff
	}
}

// New creates a Log over the given store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store:    store,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stamps the entry (ID, timestamp, category, request metadata) and
// persists it. Appends are serialized so timestamps strictly increase in
// sequence order.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Action == "" {
		return Entry{}, dErrors.New(dErrors.CodeInvariantViolation, "audit entry requires an action")
	}
	if entry.Decision == "" {
		entry.Decision = DecisionAllowed
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RequestID == "" {
		entry.RequestID = requestcontext.RequestID(ctx)
	}
	if entry.ClientIP == "" {
		entry.ClientIP = requestcontext.ClientIP(ctx)
	}
	if entry.Device == "" {
		entry.Device = requestcontext.Device(ctx)
	}
	entry.Category = CategoryFor(entry.Action, entry.Decision)

	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	entry.Timestamp = ts

	seq, err := l.appendWithRetry(ctx, entry)
	if err != nil {
		l.metrics.IncAppendFailures()
		l.logger.ErrorContext(ctx, "CRITICAL: audit append failed",
			"action", entry.Action,
			"actor_id", entry.ActorID,
			"resource_type", entry.ResourceType,
			"error", err,
		)
		return Entry{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit log unavailable")
	}

	l.last = ts
	entry.Seq = seq
	l.metrics.ObserveAppend(entry.Category, time.Since(start))
	return entry, nil
}

func (l *Log) appendWithRetry(ctx context.Context, entry Entry) (int64, error) {
	var errs []error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		seq, err := l.store.Append(ctx, entry)
		if err == nil {
			return seq, nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		if attempt == l.attempts || ctx.Err() != nil {
			break
		}
		l.logger.WarnContext(ctx, "audit append failed, retrying",
			"attempt", attempt,
			"error", err,
		)
		if l.backoff > 0 {
			select {
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
				return 0, errors.Join(errs...)
			case <-time.After(l.backoff * time.Duration(attempt)):
			}
		}
	}
	return 0, errors.Join(errs...)
}

// Query returns a page of entries in ascending order. Pass Page.NextCursor as
// Filter.After to fetch the next page.
func (l *Log) Query(ctx context.Context, filter Filter) (Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return Page{}, dErrors.New(dErrors.CodeBadRequest, "time range end precedes start")
	}

	filter.Limit = limit + 1
	entries, err := l.store.Query(ctx, filter)
	if err != nil {
		return Page{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit log")
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = entries[limit-1].Seq
	}
	return page, nil
}

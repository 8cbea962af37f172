// Package notify holds the user-facing notification sinks the cart reports
// failures to.
package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopcart/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Logger writes every notice to the application log.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Notify(_ context.Context, text string) error {
	l.logger.Warn("user notice", zap.String("message", text))
	return nil
}

// Journal keeps the most recent notices in memory so they can be listed.
type Journal struct {
	mu       sync.RWMutex
	capacity int
	notices  []domain.Notice
}

func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 50
	}
	return &Journal{capacity: capacity, notices: make([]domain.Notice, 0, capacity)}
}

func (j *Journal) Notify(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.notices) == j.capacity {
		j.notices = slices.Delete(j.notices, 0, 1)
	}
	j.notices = append(j.notices, domain.Notice{
		ID:        uuid.NewString(),
		Message:   text,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns up to limit notices, newest first.
func (j *Journal) List(limit int) []domain.Notice {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(j.notices) == 0 {
		return []domain.Notice{}
	}
	start := max(len(j.notices)-limit, 0)
	out := slices.Clone(j.notices[start:])
	slices.Reverse(out)
	return out
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands every notice to inner on its own goroutine and returns at once.
// Delivery errors are logged.
type Async struct {
	inner   Notifier
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewAsync(inner Notifier, timeout time.Duration, logger *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{inner: inner, timeout: timeout, logger: logger}
}

func (a *Async) Notify(ctx context.Context, text string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.inner.Notify(sendCtx, text); err != nil {
			a.logger.Warn("notice delivery failed", zap.String("message", text), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every notice handed out so far has been delivered or failed.
func (a *Async) Wait() {
	a.wg.Wait()
}

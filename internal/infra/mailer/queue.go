package mailer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/celestya/backend/internal/domain/model"
)

const defaultQueueSize = 64

var (
	ErrQueueFull   = errors.New("mail queue is full")
	ErrQueueClosed = errors.New("mail queue is closed")
)

// Queue hands mails to a single background worker so request handlers never
// wait on the provider. A full queue rejects the mail instead of blocking.
type Queue struct {
	next   Sender
	logger *zap.Logger
	jobs   chan model.VerificationMail
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewQueue(next Sender, size int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		next:   next,
		logger: logger,
		jobs:   make(chan model.VerificationMail, size),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.run()
	return q
}

func (q *Queue) SendVerification(_ context.Context, mail model.VerificationMail) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- mail:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued mails to go out. When ctx ends
// first, in-flight sends are cancelled and the rest are dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		q.cancel()
		return q.next.Close(ctx)
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)

	for mail := range q.jobs {
		if q.ctx.Err() != nil {
			q.logger.Warn("verification mail dropped on shutdown", zap.String("to", mail.To))
			continue
		}
		if err := q.next.SendVerification(q.ctx, mail); err != nil {
			q.logger.Warn("verification mail delivery failed", zap.String("to", mail.To), zap.Error(err))
		}
	}
}
